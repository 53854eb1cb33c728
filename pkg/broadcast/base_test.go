package broadcast

import (
	"testing"

	"github.com/Krajiyah/leaudio-sdk/internal"
	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"gotest.tools/assert"
)

func TestBASERoundTrip(t *testing.T) {
	base := BASE{
		PresentationDelay: 40000,
		Subgroups: []Subgroup{
			{Codec: internal.TestCodec(), BIS: []BIS{{Index: 1, Data: []byte{0x02, 0x03, 0x01}}, {Index: 2}}},
			{Codec: internal.TestCodec(), BIS: []BIS{{Index: 5}}},
		},
	}
	raw, err := base.Encode()
	assert.NilError(t, err)

	got, err := ParseBASE(raw)
	assert.NilError(t, err)
	assert.Equal(t, got.PresentationDelay, uint32(40000))
	assert.Equal(t, len(got.Subgroups), 2)
	assert.Equal(t, got.Subgroups[0].Codec.ID, models.LC3)
	assert.DeepEqual(t, got.Subgroups[0].Codec.Data, internal.TestCodec().Data)
	assert.DeepEqual(t, []byte(got.Subgroups[0].Codec.Meta), []byte(internal.TestCodec().Meta))
	assert.DeepEqual(t, got.Subgroups[0].BIS[0].Data, []byte{0x02, 0x03, 0x01})
	assert.Equal(t, got.BISBitmap(), models.BISBitmapOf(1, 2, 5))
	assert.Equal(t, got.NumBIS(), 3)

	sg, ok := got.SubgroupOf(5)
	assert.Assert(t, ok)
	assert.Equal(t, len(sg.BIS), 1)
	_, ok = got.SubgroupOf(3)
	assert.Assert(t, !ok)
}

func TestParseBASETruncated(t *testing.T) {
	raw, err := BASE{PresentationDelay: 1, Subgroups: []Subgroup{{Codec: internal.TestCodec(), BIS: []BIS{{Index: 1}}}}}.Encode()
	assert.NilError(t, err)
	for n := 0; n < len(raw); n++ {
		_, err := ParseBASE(raw[:n])
		assert.Assert(t, err != nil, "prefix of %d bytes parsed", n)
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := BASE{}.Encode()
	assert.Assert(t, models.IsInvalidArgument(err))
	_, err = BASE{PresentationDelay: 0x1000000, Subgroups: []Subgroup{{BIS: []BIS{{Index: 1}}}}}.Encode()
	assert.Assert(t, models.IsInvalidArgument(err))
	_, err = BASE{Subgroups: []Subgroup{{BIS: []BIS{{Index: 0}}}}}.Encode()
	assert.Assert(t, models.IsInvalidArgument(err))
}

func TestFindBASE(t *testing.T) {
	raw, err := BASE{Subgroups: []Subgroup{{Codec: internal.TestCodec(), BIS: []BIS{{Index: 1}}}}}.Encode()
	assert.NilError(t, err)
	flags := []byte{0x02, 0x01, 0x06}
	other := []byte{0x04, 0x16, 0x52, 0x18, 0x01}
	ad := append(append(append([]byte{}, flags...), other...), Announcement(raw)...)

	got, ok := FindBASE(ad)
	assert.Assert(t, ok)
	assert.DeepEqual(t, got, raw)

	_, ok = FindBASE(append(flags, other...))
	assert.Assert(t, !ok)
	_, ok = FindBASE([]byte{0x09, 0x16})
	assert.Assert(t, !ok)
}
