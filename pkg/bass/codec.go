package bass

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/currantlabs/ble"
	"github.com/pkg/errors"
)

// Control point opcodes
const (
	OpRemoteScanStopped uint8 = 0x00
	OpRemoteScanStarted uint8 = 0x01
	OpAddSource         uint8 = 0x02
	OpModifySource      uint8 = 0x03
	OpSetBroadcastCode  uint8 = 0x04
	OpRemoveSource      uint8 = 0x05
)

const (
	paSyncOff   = 0x00
	paSyncNoPST = 0x02
	addrPublic  = 0x00
)

// ErrOpcodeNotSupported is returned when decoding an unknown control point opcode
var ErrOpcodeNotSupported = errors.New("opcode not supported")

func encodeAddr(a ble.Addr) ([]byte, error) {
	if a == nil {
		return nil, errors.Wrap(models.ErrInvalidArgument, "missing address")
	}
	mac, err := net.ParseMAC(a.String())
	if err != nil || len(mac) != 6 {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "address %s", a)
	}
	ret := make([]byte, 6)
	for i := range mac {
		ret[5-i] = mac[i]
	}
	return ret, nil
}

func decodeAddr(b []byte) ble.Addr {
	return ble.NewAddr(fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[5], b[4], b[3], b[2], b[1], b[0]))
}

func putUint24(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16))
}

func putSubgroups(b []byte, sgs []models.SubgroupRequest) ([]byte, error) {
	if len(sgs) > 0xFF {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "%d subgroups", len(sgs))
	}
	b = append(b, uint8(len(sgs)))
	for _, sg := range sgs {
		if len(sg.Metadata) > 0xFF {
			return nil, errors.Wrapf(models.ErrInvalidArgument, "metadata of %d bytes", len(sg.Metadata))
		}
		b = binary.LittleEndian.AppendUint32(b, uint32(sg.BISSync))
		b = append(b, uint8(len(sg.Metadata)))
		b = append(b, sg.Metadata...)
	}
	return b, nil
}

func paSyncByte(sync bool) uint8 {
	if sync {
		return paSyncNoPST
	}
	return paSyncOff
}

// EncodeControl serializes a control point operation
func EncodeControl(req models.ControlRequest) ([]byte, error) {
	switch r := req.(type) {
	case models.AddSourceRequest:
		if err := r.Validate(); err != nil {
			return nil, err
		}
		addr, err := encodeAddr(r.Addr)
		if err != nil {
			return nil, err
		}
		b := append([]byte{OpAddSource, addrPublic}, addr...)
		b = append(b, r.SID)
		b = putUint24(b, uint32(r.BroadcastID))
		b = append(b, paSyncByte(r.PASync))
		b = binary.LittleEndian.AppendUint16(b, r.PAInterval)
		return putSubgroups(b, r.Subgroups)
	case models.ModifySourceRequest:
		b := []byte{OpModifySource, r.SourceID, paSyncByte(r.PASync)}
		b = binary.LittleEndian.AppendUint16(b, r.PAInterval)
		return putSubgroups(b, r.Subgroups)
	case models.SetBroadcastCodeRequest:
		return append([]byte{OpSetBroadcastCode, r.SourceID}, r.Code[:]...), nil
	case models.RemoveSourceRequest:
		return []byte{OpRemoveSource, r.SourceID}, nil
	}
	return nil, errors.Wrapf(models.ErrInvalidArgument, "unsupported control operation %T", req)
}

type cursor struct {
	data []byte
	err  error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if len(c.data) < n {
		c.err = errors.Wrapf(models.ErrInvalidArgument, "need %d bytes, %d left", n, len(c.data))
		return nil
	}
	ret := c.data[:n]
	c.data = c.data[n:]
	return ret
}

func (c *cursor) u8() uint8 {
	if b := c.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (c *cursor) u24() uint32 {
	if b := c.take(3); b != nil {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *cursor) chunk() []byte {
	n := int(c.u8())
	b := c.take(n)
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (c *cursor) addr() ble.Addr {
	c.u8()
	if b := c.take(6); b != nil {
		return decodeAddr(b)
	}
	return nil
}

// done fails when bytes are left over
func (c *cursor) done() error {
	if c.err == nil && len(c.data) > 0 {
		c.err = errors.Wrapf(models.ErrInvalidArgument, "%d trailing bytes", len(c.data))
	}
	return c.err
}

func (c *cursor) subgroups() []models.SubgroupRequest {
	n := int(c.u8())
	ret := []models.SubgroupRequest{}
	for i := 0; i < n && c.err == nil; i++ {
		bis := models.BISBitmap(c.u32())
		ret = append(ret, models.SubgroupRequest{BISSync: bis, Metadata: models.Metadata(c.chunk())})
	}
	return ret
}

// DecodeControl parses a control point write. Remote scan notifications
// decode to nil without error.
func DecodeControl(data []byte) (models.ControlRequest, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(models.ErrInvalidArgument, "empty control point write")
	}
	c := &cursor{data: data[1:]}
	var req models.ControlRequest
	switch data[0] {
	case OpRemoteScanStopped, OpRemoteScanStarted:
	case OpAddSource:
		r := models.AddSourceRequest{Addr: c.addr(), SID: c.u8(), BroadcastID: models.BroadcastID(c.u24())}
		r.PASync = c.u8() != paSyncOff
		r.PAInterval = c.u16()
		r.Subgroups = c.subgroups()
		req = r
	case OpModifySource:
		r := models.ModifySourceRequest{SourceID: c.u8()}
		r.PASync = c.u8() != paSyncOff
		r.PAInterval = c.u16()
		r.Subgroups = c.subgroups()
		req = r
	case OpSetBroadcastCode:
		r := models.SetBroadcastCodeRequest{SourceID: c.u8()}
		copy(r.Code[:], c.take(models.BroadcastCodeSize))
		req = r
	case OpRemoveSource:
		req = models.RemoveSourceRequest{SourceID: c.u8()}
	default:
		return nil, errors.Wrapf(ErrOpcodeNotSupported, "opcode %#x", data[0])
	}
	if err := c.done(); err != nil {
		return nil, err
	}
	return req, nil
}

// EncodeReceiveState serializes the value of a receive state characteristic
func EncodeReceiveState(rs models.ReceiveState) ([]byte, error) {
	addr, err := encodeAddr(rs.Addr)
	if err != nil {
		return nil, err
	}
	b := append([]byte{rs.SourceID, addrPublic}, addr...)
	b = append(b, rs.SID)
	b = putUint24(b, uint32(rs.BroadcastID))
	b = append(b, uint8(rs.PASync), uint8(rs.Encryption))
	if rs.Encryption == models.BadCode {
		b = append(b, rs.BadCode[:]...)
	}
	sgs := make([]models.SubgroupRequest, len(rs.Subgroups))
	for i, sg := range rs.Subgroups {
		sgs[i] = models.SubgroupRequest{BISSync: sg.BISSync, Metadata: sg.Metadata}
	}
	return putSubgroups(b, sgs)
}

// DecodeReceiveState parses a receive state characteristic value. An empty
// value means the characteristic holds no source.
func DecodeReceiveState(data []byte) (models.ReceiveState, bool, error) {
	if len(data) == 0 {
		return models.ReceiveState{}, false, nil
	}
	c := &cursor{data: data}
	rs := models.ReceiveState{SourceID: c.u8(), Addr: c.addr(), SID: c.u8(), BroadcastID: models.BroadcastID(c.u24())}
	rs.PASync = models.PASyncState(c.u8())
	rs.Encryption = models.EncryptionState(c.u8())
	if rs.PASync > models.PANoPAST || rs.Encryption > models.BadCode {
		return models.ReceiveState{}, false, errors.Wrapf(models.ErrInvalidArgument, "pa sync %d encryption %d", rs.PASync, rs.Encryption)
	}
	if rs.Encryption == models.BadCode {
		copy(rs.BadCode[:], c.take(models.BroadcastCodeSize))
	}
	for _, sg := range c.subgroups() {
		rs.Subgroups = append(rs.Subgroups, models.SubgroupState{BISSync: sg.BISSync, Metadata: sg.Metadata})
	}
	if err := c.done(); err != nil {
		return models.ReceiveState{}, false, err
	}
	return rs, true, nil
}
