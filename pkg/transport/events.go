package transport

import "github.com/Krajiyah/leaudio-sdk/pkg/models"

// Event is the closed set of transport callbacks
type Event interface {
	isEvent()
}

// StreamCompleted acknowledges or rejects a submitted Request
type StreamCompleted struct {
	Stream models.StreamID
	Kind   Kind
	Err    error
}

// RemoteStateChanged is an unsolicited endpoint state notification
type RemoteStateChanged struct {
	Stream models.StreamID
	State  models.StreamState
}

// PASynced reports an established periodic advertising sync
type PASynced struct {
	Sync     SyncHandle
	Interval uint16
}

// PASyncLost reports a terminated or lost periodic advertising sync
type PASyncLost struct {
	Sync   SyncHandle
	Reason error
}

// PeriodicData carries the advertising data of one periodic advertising event
type PeriodicData struct {
	Sync SyncHandle
	Data []byte
}

// BIGInfo reports that the BIG of a synced train is joinable
type BIGInfo struct {
	Sync      SyncHandle
	NumBIS    uint8
	Encrypted bool
}

// BISEstablished reports the outcome of one BIS of a created or synced group
type BISEstablished struct {
	Stream models.StreamID
	Err    error
}

// BISStopped reports that one BIS stopped
type BISStopped struct {
	Stream models.StreamID
	Reason error
}

func (StreamCompleted) isEvent()    {}
func (RemoteStateChanged) isEvent() {}
func (PASynced) isEvent()           {}
func (PASyncLost) isEvent()         {}
func (PeriodicData) isEvent()       {}
func (BIGInfo) isEvent()            {}
func (BISEstablished) isEvent()     {}
func (BISStopped) isEvent()         {}
