package models

import "fmt"

// Direction is the audio direction of a stream as seen from the remote endpoint
type Direction int

const (
	// Sink streams carry audio towards the remote endpoint
	Sink Direction = iota
	// Source streams carry audio from the remote endpoint
	Source
)

func (d Direction) String() string {
	return []string{"Sink", "Source"}[d]
}

// StreamState is an enum for all possible states of a stream
type StreamState int

const (
	// Idle indicates the stream holds no configuration and no endpoint binding
	Idle StreamState = iota
	// Configured indicates a codec configuration was accepted
	Configured
	// QoSConfigured indicates QoS parameters were accepted
	QoSConfigured
	// Enabling indicates the stream was enabled and waits for the isochronous channel
	Enabling
	// Streaming indicates audio is flowing
	Streaming
	// Disabling indicates a source stream waits for the remote stop acknowledgement
	Disabling
	// Releasing indicates the stream is being torn down
	Releasing
)

func (s StreamState) String() string {
	return []string{"Idle", "Configured", "QoSConfigured", "Enabling", "Streaming", "Disabling", "Releasing"}[s]
}

// StreamID is an opaque handle to a stream slot. The generation makes handles
// of released slots detectable.
type StreamID struct {
	Index uint16
	Gen   uint32
}

// Valid reports whether the handle was issued by a pool
func (id StreamID) Valid() bool { return id.Gen != 0 }

func (id StreamID) String() string { return fmt.Sprintf("stream-%d.%d", id.Index, id.Gen) }

// EndpointID is an opaque handle to a remote endpoint slot
type EndpointID struct {
	Index uint16
	Gen   uint32
}

// Valid reports whether the handle was issued by a registry
func (id EndpointID) Valid() bool { return id.Gen != 0 }

func (id EndpointID) String() string { return fmt.Sprintf("ep-%d.%d", id.Index, id.Gen) }

// ConnID identifies a link layer connection to a remote device
type ConnID uint16

// CodecID identifies the codec of a configuration
type CodecID struct {
	Format    uint8
	CompanyID uint16
	VendorID  uint16
}

// LC3 is the mandatory LE Audio codec
var LC3 = CodecID{Format: 0x06}

// CodecConfig is an opaque codec configuration. Data holds the codec specific
// LTV structures, Meta the metadata announced with it.
type CodecConfig struct {
	ID   CodecID
	Data []byte
	Meta Metadata
}

// Clone returns a deep copy so callers can't mutate stored configuration
func (c CodecConfig) Clone() CodecConfig {
	return CodecConfig{
		ID:   c.ID,
		Data: append([]byte(nil), c.Data...),
		Meta: c.Meta.Clone(),
	}
}

// Validate checks the LTV framing of the codec data and metadata
func (c CodecConfig) Validate() error {
	if _, err := ParseLTV(c.Data); err != nil {
		return err
	}
	if _, err := ParseLTV(c.Meta); err != nil {
		return err
	}
	return nil
}

// Capability is a codec capability record of a remote endpoint
type Capability struct {
	ID       CodecID
	Data     []byte
	Contexts ContextType
}
