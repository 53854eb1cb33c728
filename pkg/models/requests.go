package models

import (
	"github.com/currantlabs/ble"
	"github.com/pkg/errors"
)

// ControlRequest is a broadcast audio scan control point operation
type ControlRequest interface {
	isControlRequest()
}

// SubgroupRequest asks an acceptor to sync to BIS of one subgroup
type SubgroupRequest struct {
	BISSync  BISBitmap
	Metadata Metadata
}

// AddSourceRequest is the payload of the add source operation
type AddSourceRequest struct {
	Addr        ble.Addr
	SID         uint8
	BroadcastID BroadcastID
	PAInterval  uint16
	PASync      bool
	Subgroups   []SubgroupRequest
}

// ModifySourceRequest is the payload of the modify source operation
type ModifySourceRequest struct {
	SourceID   uint8
	PASync     bool
	PAInterval uint16
	Subgroups  []SubgroupRequest
}

// RemoveSourceRequest is the payload of the remove source operation
type RemoveSourceRequest struct {
	SourceID uint8
}

// SetBroadcastCodeRequest is the payload of the set broadcast code operation
type SetBroadcastCodeRequest struct {
	SourceID uint8
	Code     BroadcastCode
}

func (AddSourceRequest) isControlRequest()        {}
func (ModifySourceRequest) isControlRequest()     {}
func (RemoveSourceRequest) isControlRequest()     {}
func (SetBroadcastCodeRequest) isControlRequest() {}

func validateSubgroups(sgs []SubgroupRequest) error {
	for i, sg := range sgs {
		if _, err := ParseLTV(sg.Metadata); err != nil {
			return errors.Wrapf(err, "subgroup %d", i)
		}
	}
	return nil
}

// Validate checks the fields that can be checked without a receive state
func (r AddSourceRequest) Validate() error {
	if r.Addr == nil {
		return errors.Wrap(ErrInvalidArgument, "missing address")
	}
	if !r.BroadcastID.Valid() {
		return errors.Wrapf(ErrInvalidArgument, "broadcast id 0x%x", uint32(r.BroadcastID))
	}
	if r.SID > 0x0F {
		return errors.Wrapf(ErrInvalidArgument, "sid %d", r.SID)
	}
	return validateSubgroups(r.Subgroups)
}

// Validate checks the fields that can be checked without a receive state
func (r ModifySourceRequest) Validate() error {
	return validateSubgroups(r.Subgroups)
}
