package models

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrRejected is returned when the remote side declined a request
	ErrRejected = errors.New("rejected")
	// ErrConfigRejected is returned when a codec configuration was declined or malformed
	ErrConfigRejected = errors.New("config rejected")
	// ErrNoResources is returned when no stream, endpoint or group slot is free
	ErrNoResources = errors.New("no resources")
	// ErrInvalidArgument is returned for malformed parameters caught before any transport call
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidMetadata is returned when metadata lacks a usable streaming context
	ErrInvalidMetadata = errors.New("invalid metadata")
	// ErrStaleHandle is returned for handles whose slot was released
	ErrStaleHandle       = errors.New("stale handle")
	ErrInvalidState      = errors.New("invalid state")
	ErrAlreadyInProgress = errors.New("already in progress")
	ErrAlreadyIdle       = errors.New("already idle")
	ErrAlreadyDeleted    = errors.New("already deleted")
	ErrCanceled          = errors.New("canceled")
	ErrTimeout           = errors.New("timeout")
	// ErrBadCode is returned when a broadcast could not be decrypted with the supplied code
	ErrBadCode     = errors.New("bad broadcast code")
	ErrGroupInUse  = errors.New("group in use")
	ErrNoOperation = errors.New("no operation in progress")
)

// IsInvalidArgument reports whether err means nothing was attempted
func IsInvalidArgument(err error) bool {
	switch errors.Cause(err) {
	case ErrInvalidArgument, ErrInvalidMetadata, ErrStaleHandle:
		return true
	}
	return false
}

// MemberResult is the outcome of one member of a multi member operation
type MemberResult struct {
	Member string
	Err    error
}

// PartialFailure is the aggregate result of an operation where not every member succeeded
type PartialFailure struct {
	Results []MemberResult
	First   MemberResult
}

func (p *PartialFailure) Error() string {
	return fmt.Sprintf("partial failure (%s): %s: %v", strings.Join(p.Failed(), ", "), p.First.Member, p.First.Err)
}

// Failed returns the members that did not succeed
func (p *PartialFailure) Failed() []string {
	ret := []string{}
	for _, r := range p.Results {
		if r.Err != nil {
			ret = append(ret, r.Member)
		}
	}
	return ret
}

// AsPartialFailure unwraps err into a PartialFailure
func AsPartialFailure(err error) (*PartialFailure, bool) {
	pf, ok := errors.Cause(err).(*PartialFailure)
	return pf, ok
}
