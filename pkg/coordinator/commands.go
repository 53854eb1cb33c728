package coordinator

import (
	"fmt"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/stream"
	"github.com/Krajiyah/leaudio-sdk/pkg/unicast"
)

// Command is one of the operations a set can run
type Command interface {
	isCommand()
}

// UnicastStart configures and starts the streams bound to endpoints of the set
type UnicastStart struct {
	Group   *unicast.Group
	Streams []unicast.StreamParam
}

// UnicastUpdate changes the metadata of running streams of the set
type UnicastUpdate struct {
	Streams []unicast.MetadataParam
}

// UnicastStop disables, and with Release also releases, streams of the set
type UnicastStop struct {
	Streams []*stream.Stream
	Release bool
}

type VolumeSet struct {
	Volume uint8
}

type MuteSet struct {
	Mute bool
}

// GainSet sets the microphone gain in dB
type GainSet struct {
	Gain int8
}

// ReceptionStart asks every member to receive a broadcast
type ReceptionStart struct {
	Source models.AddSourceRequest
}

// ReceptionStop makes every member leave and forget a broadcast
type ReceptionStop struct {
	BroadcastID models.BroadcastID
}

// DistributeBroadcastCode hands every member the code of an encrypted broadcast
type DistributeBroadcastCode struct {
	BroadcastID models.BroadcastID
	Code        models.BroadcastCode
}

func (UnicastStart) isCommand()            {}
func (UnicastUpdate) isCommand()           {}
func (UnicastStop) isCommand()             {}
func (VolumeSet) isCommand()               {}
func (MuteSet) isCommand()                 {}
func (GainSet) isCommand()                 {}
func (ReceptionStart) isCommand()          {}
func (ReceptionStop) isCommand()           {}
func (DistributeBroadcastCode) isCommand() {}

func (c UnicastStart) String() string {
	return fmt.Sprintf("unicast start (%d streams)", len(c.Streams))
}
func (c UnicastUpdate) String() string {
	return fmt.Sprintf("unicast update (%d streams)", len(c.Streams))
}
func (c UnicastStop) String() string { return fmt.Sprintf("unicast stop (%d streams)", len(c.Streams)) }
func (c VolumeSet) String() string   { return fmt.Sprintf("volume %d", c.Volume) }
func (c MuteSet) String() string     { return fmt.Sprintf("mute %t", c.Mute) }
func (c GainSet) String() string     { return fmt.Sprintf("gain %d", c.Gain) }
func (c ReceptionStart) String() string {
	return fmt.Sprintf("reception start %#06x", uint32(c.Source.BroadcastID))
}
func (c ReceptionStop) String() string {
	return fmt.Sprintf("reception stop %#06x", uint32(c.BroadcastID))
}
func (c DistributeBroadcastCode) String() string {
	return fmt.Sprintf("broadcast code %#06x", uint32(c.BroadcastID))
}
