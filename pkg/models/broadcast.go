package models

import (
	"math/bits"

	"github.com/currantlabs/ble"
	"github.com/pkg/errors"
)

// BroadcastID is the 24 bit identifier of a broadcast source
type BroadcastID uint32

const (
	// InvalidBroadcastID marks an unknown broadcast
	InvalidBroadcastID BroadcastID = 0xFFFFFFFF
	maxBroadcastID     BroadcastID = 0xFFFFFF
)

// Valid reports whether the identifier fits into 24 bits
func (id BroadcastID) Valid() bool { return id <= maxBroadcastID }

// BroadcastCodeSize is the length of a broadcast code
const BroadcastCodeSize = 16

// BroadcastCode encrypts a broadcast isochronous group
type BroadcastCode [BroadcastCodeSize]byte

// ParseBroadcastCode zero pads a string code of at most 16 bytes
func ParseBroadcastCode(s string) (BroadcastCode, error) {
	var code BroadcastCode
	if len(s) == 0 || len(s) > BroadcastCodeSize {
		return code, errors.Wrapf(ErrInvalidArgument, "broadcast code length %d", len(s))
	}
	copy(code[:], s)
	return code, nil
}

// BISBitmap has bit n-1 set for BIS index n
type BISBitmap uint32

// BISSyncNoPreference lets the acceptor choose which BIS to sync to
const BISSyncNoPreference BISBitmap = 0xFFFFFFFF

// MaxBISIndex is the highest BIS index of a group
const MaxBISIndex = 31

// BISBitmapOf builds a bitmap from BIS indices
func BISBitmapOf(indices ...uint8) BISBitmap {
	var b BISBitmap
	for _, i := range indices {
		b = b.With(i)
	}
	return b
}

// With returns b with index set
func (b BISBitmap) With(index uint8) BISBitmap {
	if index == 0 || index > MaxBISIndex {
		return b
	}
	return b | 1<<(index-1)
}

// Has reports whether index is set
func (b BISBitmap) Has(index uint8) bool {
	return index != 0 && index <= MaxBISIndex && b&(1<<(index-1)) != 0
}

// Count returns the number of indices set
func (b BISBitmap) Count() int { return bits.OnesCount32(uint32(b)) }

// Indices returns the set indices in ascending order
func (b BISBitmap) Indices() []uint8 {
	ret := []uint8{}
	for i := uint8(1); i <= MaxBISIndex; i++ {
		if b.Has(i) {
			ret = append(ret, i)
		}
	}
	return ret
}

// SinkState is an enum for all states of a broadcast sink synchronizer
type SinkState int

const (
	SinkIdle SinkState = iota
	SinkScanning
	SinkPASyncing
	SinkPASynced
	SinkSyncable
	SinkBISSynced
	SinkPASyncLost
	SinkBISSyncStopped
)

func (s SinkState) String() string {
	return []string{"Idle", "Scanning", "PASyncing", "PASynced", "Syncable", "BISSynced", "PASyncLost", "BISSyncStopped"}[s]
}

// BroadcastInfo describes a broadcast source found while scanning
type BroadcastInfo struct {
	ID         BroadcastID
	Addr       ble.Addr
	SID        uint8
	PAInterval uint16
	Name       string
}

// PASyncState of a receive state
type PASyncState uint8

const (
	PANotSynced PASyncState = iota
	PASyncInfoRequested
	PASynced
	PASyncFailed
	PANoPAST
)

func (s PASyncState) String() string {
	return []string{"NotSynced", "SyncInfoRequested", "Synced", "Failed", "NoPAST"}[s]
}

// EncryptionState of a receive state
type EncryptionState uint8

const (
	NotEncrypted EncryptionState = iota
	CodeRequired
	Decrypting
	BadCode
)

func (s EncryptionState) String() string {
	return []string{"NotEncrypted", "CodeRequired", "Decrypting", "BadCode"}[s]
}

// SubgroupState is the per subgroup part of a receive state
type SubgroupState struct {
	BISSync  BISBitmap
	Metadata Metadata
}

// ReceiveState is an acceptor's view of one broadcast source
type ReceiveState struct {
	SourceID    uint8
	Addr        ble.Addr
	SID         uint8
	BroadcastID BroadcastID
	PAInterval  uint16
	PASync      PASyncState
	Encryption  EncryptionState
	// BadCode is the code that failed while Encryption is BadCode
	BadCode   BroadcastCode
	Subgroups []SubgroupState
}

// Clone returns a deep copy of the receive state
func (r ReceiveState) Clone() ReceiveState {
	ret := r
	ret.Subgroups = make([]SubgroupState, len(r.Subgroups))
	for i, sg := range r.Subgroups {
		ret.Subgroups[i] = SubgroupState{BISSync: sg.BISSync, Metadata: sg.Metadata.Clone()}
	}
	return ret
}

// BISSync returns the union of all subgroup bitmaps
func (r ReceiveState) BISSync() BISBitmap {
	var b BISBitmap
	for _, sg := range r.Subgroups {
		b |= sg.BISSync
	}
	return b
}
