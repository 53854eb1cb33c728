package models

import "github.com/pkg/errors"

// Framing of isochronous SDUs
type Framing uint8

const (
	Unframed Framing = iota
	Framed
)

// PHY used by an isochronous channel
type PHY uint8

const (
	PHY1M    PHY = 0x01
	PHY2M    PHY = 0x02
	PHYCoded PHY = 0x04
)

const (
	minSDUInterval    = 0x0000FF
	maxSDUInterval    = 0x0FFFFF
	maxSDU            = 0x0FFF
	maxRTN            = 0x0F
	minLatency        = 0x0005
	maxLatency        = 0x0FA0
	maxPresentDelayUS = 0xFFFFFF
)

// QoS is the negotiated quality of service of a stream
type QoS struct {
	// Interval is the SDU interval in microseconds
	Interval uint32
	Framing  Framing
	PHY      PHY
	SDU      uint16
	RTN      uint8
	// Latency is the maximum transport latency in milliseconds
	Latency uint16
	// PresentationDelay in microseconds
	PresentationDelay uint32
}

// Validate checks numeric ranges before anything is sent to the remote side
func (q QoS) Validate() error {
	switch {
	case q.Interval < minSDUInterval || q.Interval > maxSDUInterval:
		return errors.Wrapf(ErrInvalidArgument, "interval %d out of range", q.Interval)
	case q.Framing > Framed:
		return errors.Wrapf(ErrInvalidArgument, "framing %d", q.Framing)
	case q.PHY != PHY1M && q.PHY != PHY2M && q.PHY != PHYCoded:
		return errors.Wrapf(ErrInvalidArgument, "phy %d", q.PHY)
	case q.SDU == 0 || q.SDU > maxSDU:
		return errors.Wrapf(ErrInvalidArgument, "sdu %d", q.SDU)
	case q.RTN > maxRTN:
		return errors.Wrapf(ErrInvalidArgument, "rtn %d", q.RTN)
	case q.Latency < minLatency || q.Latency > maxLatency:
		return errors.Wrapf(ErrInvalidArgument, "latency %d", q.Latency)
	case uint32(q.Latency)*1000 < q.Interval:
		return errors.Wrapf(ErrInvalidArgument, "latency %dms shorter than interval %dus", q.Latency, q.Interval)
	case q.PresentationDelay > maxPresentDelayUS:
		return errors.Wrapf(ErrInvalidArgument, "presentation delay %d", q.PresentationDelay)
	}
	return nil
}
