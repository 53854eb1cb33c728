package broadcast

import (
	"time"

	"github.com/Krajiyah/leaudio-sdk/internal"
	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/stream"
	"github.com/Krajiyah/leaudio-sdk/pkg/transport"
)

type fixture struct {
	hub  *transport.Hub
	tr   *internal.DummyTransport
	pool *stream.Pool
	obs  *internal.RecordingObserver
	deps Deps
}

func newFixture() *fixture {
	hub := transport.NewHub(nil)
	f := &fixture{
		hub: hub,
		tr:  internal.NewDummyTransport(hub),
		obs: internal.NewRecordingObserver(),
	}
	f.pool = stream.NewPool(4, stream.Deps{Transport: f.tr, Hub: hub, Timeout: time.Second, Observer: f.obs})
	f.deps = Deps{Pool: f.pool, Transport: f.tr, Hub: hub, Timeout: time.Second}
	return f
}

// sourceParams has a one BIS subgroup followed by a two BIS subgroup
func sourceParams() SourceParams {
	live := internal.TestCodec()
	live.Meta = models.NewMetadata(models.ContextLive)
	return SourceParams{
		ID: 0x123456,
		Subgroups: []SubgroupParams{
			{Codec: internal.TestCodec(), NumBIS: 1},
			{Codec: live, NumBIS: 2, BISData: [][]byte{{0x02, 0x03, 0x01}, {0x02, 0x03, 0x02}}},
		},
		QoS: internal.TestQoS(),
	}
}
