package models

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// LTVType is the type octet of a length-type-value structure
type LTVType uint8

// Metadata LTV types
const (
	MetaPreferredContext LTVType = 0x01
	MetaStreamingContext LTVType = 0x02
	MetaProgramInfo      LTVType = 0x03
	MetaLanguage         LTVType = 0x04
	MetaCCIDList         LTVType = 0x05
	MetaParentalRating   LTVType = 0x06
	MetaProgramInfoURI   LTVType = 0x07
	MetaExtended         LTVType = 0xFE
	MetaVendor           LTVType = 0xFF
)

// ContextType is a bitfield of audio contexts
type ContextType uint16

const (
	ContextProhibited      ContextType = 0x0000
	ContextUnspecified     ContextType = 0x0001
	ContextConversational  ContextType = 0x0002
	ContextMedia           ContextType = 0x0004
	ContextGame            ContextType = 0x0008
	ContextInstructional   ContextType = 0x0010
	ContextVoiceAssistants ContextType = 0x0020
	ContextLive            ContextType = 0x0040
	ContextSoundEffects    ContextType = 0x0080
	ContextNotifications   ContextType = 0x0100
	ContextRingtone        ContextType = 0x0200
	ContextAlerts          ContextType = 0x0400
	ContextEmergencyAlarm  ContextType = 0x0800

	ContextAny ContextType = 0x0FFF
)

// LTV is one length-type-value structure
type LTV struct {
	Type  LTVType
	Value []byte
}

// ParseLTV splits data into LTV structures
func ParseLTV(data []byte) ([]LTV, error) {
	var ret []LTV
	for len(data) > 0 {
		l := int(data[0])
		if l == 0 || l > len(data)-1 {
			return nil, errors.Wrapf(ErrInvalidArgument, "malformed ltv length %d", l)
		}
		ret = append(ret, LTV{Type: LTVType(data[1]), Value: append([]byte(nil), data[2:1+l]...)})
		data = data[1+l:]
	}
	return ret, nil
}

// EncodeLTV serializes LTV structures
func EncodeLTV(entries ...LTV) []byte {
	var ret []byte
	for _, e := range entries {
		ret = append(ret, byte(len(e.Value)+1), byte(e.Type))
		ret = append(ret, e.Value...)
	}
	return ret
}

// Metadata is a raw LTV encoded metadata blob
type Metadata []byte

// NewMetadata builds metadata carrying the given streaming context
func NewMetadata(ctx ContextType, extra ...LTV) Metadata {
	v := make([]byte, 2)
	binary.LittleEndian.PutUint16(v, uint16(ctx))
	return Metadata(EncodeLTV(append([]LTV{{Type: MetaStreamingContext, Value: v}}, extra...)...))
}

// Clone returns a copy of the metadata
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return append(Metadata(nil), m...)
}

// StreamingContext returns the streaming audio context entry, if present
func (m Metadata) StreamingContext() (ContextType, bool) {
	entries, err := ParseLTV(m)
	if err != nil {
		return 0, false
	}
	for _, e := range entries {
		if e.Type == MetaStreamingContext && len(e.Value) == 2 {
			return ContextType(binary.LittleEndian.Uint16(e.Value)), true
		}
	}
	return 0, false
}

// Validate requires well formed LTVs and a non-prohibited streaming context
func (m Metadata) Validate() error {
	if _, err := ParseLTV(m); err != nil {
		return errors.Wrap(ErrInvalidMetadata, err.Error())
	}
	ctx, ok := m.StreamingContext()
	if !ok {
		return errors.Wrap(ErrInvalidMetadata, "missing streaming context")
	}
	if ctx == ContextProhibited || ctx&^ContextAny != 0 {
		return errors.Wrapf(ErrInvalidMetadata, "invalid streaming context 0x%04x", uint16(ctx))
	}
	return nil
}
