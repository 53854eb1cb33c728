// Package broadcast implements the broadcast source lifecycle and the
// broadcast sink synchronizer, plus the announcement structure both share.
package broadcast

import (
	"bytes"
	"encoding/binary"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/pkg/errors"
)

// BIS is one entry of a subgroup. Data holds codec configuration that
// overrides the subgroup level configuration for this BIS only.
type BIS struct {
	Index uint8
	Data  []byte
}

// Subgroup is a set of BIS sharing codec and metadata
type Subgroup struct {
	Codec models.CodecConfig
	BIS   []BIS
}

// BASE is the broadcast audio source endpoint structure announced in the
// periodic advertising train of a source
type BASE struct {
	PresentationDelay uint32
	Subgroups         []Subgroup
}

const maxPresentationDelay = 0xFFFFFF

// BISBitmap returns every BIS index announced
func (b BASE) BISBitmap() models.BISBitmap {
	var ret models.BISBitmap
	for _, sg := range b.Subgroups {
		for _, bis := range sg.BIS {
			ret = ret.With(bis.Index)
		}
	}
	return ret
}

// NumBIS counts the BIS of every subgroup
func (b BASE) NumBIS() int {
	n := 0
	for _, sg := range b.Subgroups {
		n += len(sg.BIS)
	}
	return n
}

// SubgroupOf returns the subgroup announcing index
func (b BASE) SubgroupOf(index uint8) (Subgroup, bool) {
	for _, sg := range b.Subgroups {
		for _, bis := range sg.BIS {
			if bis.Index == index {
				return sg, true
			}
		}
	}
	return Subgroup{}, false
}

// Encode serializes the structure without the service data header
func (b BASE) Encode() ([]byte, error) {
	if b.PresentationDelay > maxPresentationDelay {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "presentation delay %d", b.PresentationDelay)
	}
	if len(b.Subgroups) == 0 || len(b.Subgroups) > 0xFF {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "%d subgroups", len(b.Subgroups))
	}
	buf := &bytes.Buffer{}
	pd := make([]byte, 4)
	binary.LittleEndian.PutUint32(pd, b.PresentationDelay)
	buf.Write(pd[:3])
	buf.WriteByte(byte(len(b.Subgroups)))
	for i, sg := range b.Subgroups {
		if len(sg.BIS) == 0 || len(sg.BIS) > models.MaxBISIndex {
			return nil, errors.Wrapf(models.ErrInvalidArgument, "subgroup %d has %d BIS", i, len(sg.BIS))
		}
		if len(sg.Codec.Data) > 0xFF || len(sg.Codec.Meta) > 0xFF {
			return nil, errors.Wrapf(models.ErrInvalidArgument, "subgroup %d configuration too long", i)
		}
		buf.WriteByte(byte(len(sg.BIS)))
		buf.WriteByte(sg.Codec.ID.Format)
		id := make([]byte, 4)
		binary.LittleEndian.PutUint16(id, sg.Codec.ID.CompanyID)
		binary.LittleEndian.PutUint16(id[2:], sg.Codec.ID.VendorID)
		buf.Write(id)
		buf.WriteByte(byte(len(sg.Codec.Data)))
		buf.Write(sg.Codec.Data)
		buf.WriteByte(byte(len(sg.Codec.Meta)))
		buf.Write(sg.Codec.Meta)
		for _, bis := range sg.BIS {
			if bis.Index == 0 || bis.Index > models.MaxBISIndex {
				return nil, errors.Wrapf(models.ErrInvalidArgument, "BIS index %d", bis.Index)
			}
			if len(bis.Data) > 0xFF {
				return nil, errors.Wrapf(models.ErrInvalidArgument, "BIS %d configuration too long", bis.Index)
			}
			buf.WriteByte(bis.Index)
			buf.WriteByte(byte(len(bis.Data)))
			buf.Write(bis.Data)
		}
	}
	return buf.Bytes(), nil
}

type reader struct {
	data []byte
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data) < n {
		r.err = errors.Errorf("truncated: want %d bytes, have %d", n, len(r.data))
		return nil
	}
	ret := r.data[:n]
	r.data = r.data[n:]
	return ret
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) chunk() []byte {
	n := int(r.u8())
	return append([]byte(nil), r.take(n)...)
}

// ParseBASE decodes a structure produced by Encode
func ParseBASE(data []byte) (BASE, error) {
	r := &reader{data: data}
	var b BASE
	pd := r.take(3)
	if pd != nil {
		b.PresentationDelay = uint32(pd[0]) | uint32(pd[1])<<8 | uint32(pd[2])<<16
	}
	n := int(r.u8())
	for i := 0; i < n && r.err == nil; i++ {
		var sg Subgroup
		numBIS := int(r.u8())
		sg.Codec.ID.Format = r.u8()
		if id := r.take(4); id != nil {
			sg.Codec.ID.CompanyID = binary.LittleEndian.Uint16(id)
			sg.Codec.ID.VendorID = binary.LittleEndian.Uint16(id[2:])
		}
		sg.Codec.Data = r.chunk()
		sg.Codec.Meta = models.Metadata(r.chunk())
		for j := 0; j < numBIS && r.err == nil; j++ {
			sg.BIS = append(sg.BIS, BIS{Index: r.u8(), Data: r.chunk()})
		}
		b.Subgroups = append(b.Subgroups, sg)
	}
	if r.err != nil {
		return BASE{}, errors.Wrap(r.err, "ParseBASE issue: ")
	}
	if n == 0 {
		return BASE{}, errors.New("ParseBASE issue: no subgroups")
	}
	return b, nil
}

// Announcement wraps an encoded BASE into the service data AD structure
// published in periodic advertising
func Announcement(base []byte) []byte {
	ret := make([]byte, 0, len(base)+4)
	ret = append(ret, byte(len(base)+3), util.ServiceDataAD)
	ret = append(ret, byte(util.BasicAudioAnnouncementUUID&0xFF), byte(util.BasicAudioAnnouncementUUID>>8))
	return append(ret, base...)
}

// FindBASE extracts the BASE from periodic advertising data
func FindBASE(ad []byte) ([]byte, bool) {
	for len(ad) > 1 {
		l := int(ad[0])
		if l == 0 || len(ad) < l+1 {
			return nil, false
		}
		field := ad[1 : l+1]
		ad = ad[l+1:]
		if field[0] != util.ServiceDataAD || len(field) < 3 {
			continue
		}
		if binary.LittleEndian.Uint16(field[1:3]) == util.BasicAudioAnnouncementUUID {
			return field[3:], true
		}
	}
	return nil, false
}
