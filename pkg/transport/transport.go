// Package transport declares what the coordination layer consumes from the
// isochronous transport, and routes its callbacks back to the owners.
package transport

import (
	"fmt"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/currantlabs/ble"
)

// Kind is the closed set of stream requests
type Kind int

const (
	OpConfigure Kind = iota
	OpQoS
	OpEnable
	// OpConnect establishes the CIS of an enabled stream
	OpConnect
	// OpStart is the receiver start ready handshake of source streams
	OpStart
	OpDisable
	// OpStop is the receiver stop ready handshake of source streams
	OpStop
	OpMetadata
	OpRelease
)

func (k Kind) String() string {
	return []string{"configure", "qos", "enable", "connect", "start", "disable", "stop", "metadata", "release"}[k]
}

// Request is a stream level request. Which fields are meaningful depends on Kind.
type Request struct {
	Kind     Kind
	Stream   models.StreamID
	Conn     models.ConnID
	Endpoint models.EndpointID
	Dir      models.Direction
	Codec    models.CodecConfig
	QoS      models.QoS
	Meta     models.Metadata
}

func (r Request) String() string {
	return fmt.Sprintf("%s %s conn %d", r.Kind, r.Stream, r.Conn)
}

type (
	GroupHandle uint8
	SyncHandle  uint16
	BIGHandle   uint8
	AdvHandle   uint8
)

// CISPair is one isochronous channel of a group. Either stream may be invalid.
type CISPair struct {
	Sink   models.StreamID
	Source models.StreamID
	QoS    models.QoS
}

// PASyncParams identify the periodic advertising train to sync to
type PASyncParams struct {
	Addr    ble.Addr
	SID     uint8
	Skip    uint16
	Timeout uint16
}

// BISBinding assigns a local stream to a BIS index of a group
type BISBinding struct {
	Index  uint8
	Stream models.StreamID
}

// BIGParams describe a broadcast isochronous group to create
type BIGParams struct {
	Adv     AdvHandle
	Streams []models.StreamID
	QoS     models.QoS
	Packing uint8
	Code    *models.BroadcastCode
}

// Transport is implemented by the isochronous transport. Every call returns
// once the request was accepted; outcomes arrive later as Events.
type Transport interface {
	CreateCISGroup(pairs []CISPair) (GroupHandle, error)
	TerminateCISGroup(GroupHandle) error
	Submit(Request) error

	CreatePASync(PASyncParams) (SyncHandle, error)
	TerminatePASync(SyncHandle) error
	CreateBIGSync(sync SyncHandle, bis []BISBinding, code *models.BroadcastCode) (BIGHandle, error)
	TerminateBIGSync(BIGHandle) error

	CreateBIG(BIGParams) (BIGHandle, error)
	TerminateBIG(BIGHandle) error
	UpdateBASE(adv AdvHandle, base []byte) error
}
