package internal

import (
	"encoding/binary"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/currantlabs/ble"
)

// DummyAdv is an advertisement report with configurable service data
type DummyAdv struct {
	Addr    ble.Addr
	Name    string
	Rssi    int
	SvcData []ble.ServiceData
}

func (a DummyAdv) LocalName() string              { return a.Name }
func (a DummyAdv) ManufacturerData() []byte       { return nil }
func (a DummyAdv) ServiceData() []ble.ServiceData { return a.SvcData }
func (a DummyAdv) Services() []ble.UUID           { return nil }
func (a DummyAdv) OverflowService() []ble.UUID    { return nil }
func (a DummyAdv) TxPowerLevel() int              { return 0 }
func (a DummyAdv) Connectable() bool              { return false }
func (a DummyAdv) SolicitedService() []ble.UUID   { return nil }
func (a DummyAdv) RSSI() int                      { return a.Rssi }
func (a DummyAdv) Address() ble.Addr              { return a.Addr }

// BroadcastAdv builds the extended advertisement of a broadcast source
func BroadcastAdv(addr string, name string, id models.BroadcastID) DummyAdv {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(id))
	return DummyAdv{
		Addr: ble.NewAddr(addr),
		Name: name,
		SvcData: []ble.ServiceData{{
			UUID: ble.UUID16(util.BroadcastAudioAnnouncementUUID),
			Data: data[:3],
		}},
	}
}

// TestQoS is the 16_2_1 broadcast / unicast preset
func TestQoS() models.QoS {
	return models.QoS{
		Interval:          10000,
		Framing:           models.Unframed,
		PHY:               models.PHY2M,
		SDU:               40,
		RTN:               2,
		Latency:           10,
		PresentationDelay: 40000,
	}
}

// TestCodec is an LC3 16kHz 10ms configuration with media metadata
func TestCodec() models.CodecConfig {
	return models.CodecConfig{
		ID: models.LC3,
		Data: models.EncodeLTV(
			models.LTV{Type: 0x01, Value: []byte{0x03}},
			models.LTV{Type: 0x02, Value: []byte{0x01}},
			models.LTV{Type: 0x04, Value: []byte{40, 0}},
		),
		Meta: models.NewMetadata(models.ContextMedia),
	}
}
