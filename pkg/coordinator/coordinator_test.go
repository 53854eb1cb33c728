package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Krajiyah/leaudio-sdk/internal"
	"github.com/Krajiyah/leaudio-sdk/pkg/bass"
	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/registry"
	"github.com/Krajiyah/leaudio-sdk/pkg/stream"
	"github.com/Krajiyah/leaudio-sdk/pkg/transport"
	"github.com/Krajiyah/leaudio-sdk/pkg/unicast"
	"github.com/currantlabs/ble"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

type fakeRenderer struct {
	mutex   sync.Mutex
	volumes map[models.ConnID]uint8
	mutes   map[models.ConnID]bool
	gains   map[models.ConnID]int8
	fail    map[models.ConnID]error
	block   chan struct{}
	calls   int
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		volumes: map[models.ConnID]uint8{},
		mutes:   map[models.ConnID]bool{},
		gains:   map[models.ConnID]int8{},
		fail:    map[models.ConnID]error{},
	}
}

func (r *fakeRenderer) enter(conn models.ConnID) error {
	r.mutex.Lock()
	r.calls++
	block, err := r.block, r.fail[conn]
	r.mutex.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (r *fakeRenderer) SetVolume(ctx context.Context, conn models.ConnID, volume uint8) error {
	if err := r.enter(conn); err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.volumes[conn] = volume
	return nil
}

func (r *fakeRenderer) SetMute(ctx context.Context, conn models.ConnID, mute bool) error {
	if err := r.enter(conn); err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.mutes[conn] = mute
	return nil
}

func (r *fakeRenderer) SetGain(ctx context.Context, conn models.ConnID, gain int8) error {
	if err := r.enter(conn); err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.gains[conn] = gain
	return nil
}

func (r *fakeRenderer) callCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.calls
}

var (
	left  = Member{Addr: ble.NewAddr("aa:aa:aa:aa:aa:01"), Conn: 1}
	right = Member{Addr: ble.NewAddr("aa:aa:aa:aa:aa:02"), Conn: 2}
)

func pair() Set { return Set{Type: AdHoc, Members: []Member{left, right}} }

func TestRendererCommands(t *testing.T) {
	r := newFakeRenderer()
	c := New(Deps{Renderer: r})
	ctx := context.Background()

	set := Set{Members: []Member{left, right, left}}
	assert.NilError(t, c.Run(ctx, set, VolumeSet{Volume: 200}))
	assert.Equal(t, r.callCount(), 2)
	assert.DeepEqual(t, r.volumes, map[models.ConnID]uint8{1: 200, 2: 200})

	assert.NilError(t, c.Run(ctx, pair(), MuteSet{Mute: true}))
	assert.NilError(t, c.Run(ctx, pair(), GainSet{Gain: -6}))
	assert.Equal(t, r.mutes[2], true)
	assert.Equal(t, r.gains[1], int8(-6))
}

func TestMemberFailureIsPartial(t *testing.T) {
	r := newFakeRenderer()
	r.fail[2] = errors.New("write rejected")
	c := New(Deps{Renderer: r})

	err := c.Run(context.Background(), pair(), VolumeSet{Volume: 10})
	pf, ok := models.AsPartialFailure(err)
	assert.Assert(t, ok, err)
	assert.Equal(t, pf.First.Member, right.Key())
	assert.Equal(t, len(pf.Results), 2)
	assert.DeepEqual(t, pf.Failed(), []string{right.Key()})
	assert.Equal(t, r.volumes[1], uint8(10))
}

func TestSetValidation(t *testing.T) {
	r := newFakeRenderer()
	c := New(Deps{Renderer: r})
	ctx := context.Background()

	err := c.Run(ctx, Set{Type: Coordinated, Members: []Member{left}}, VolumeSet{})
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
	err = c.Run(ctx, Set{}, VolumeSet{})
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
	err = c.Run(ctx, Set{Members: []Member{{Addr: left.Addr}}}, VolumeSet{})
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
	err = c.Run(ctx, pair(), ReceptionStop{BroadcastID: 1})
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
	err = c.Run(ctx, pair(), UnicastStop{})
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
	assert.Equal(t, r.callCount(), 0)
	assert.Equal(t, Member{Conn: 4}.Key(), "conn-4")
}

func TestCancelFanout(t *testing.T) {
	r := newFakeRenderer()
	r.block = make(chan struct{})
	c := New(Deps{Renderer: r})
	assert.Equal(t, errors.Cause(c.Cancel()), models.ErrNoOperation)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), pair(), MuteSet{Mute: true}) }()
	deadline := time.Now().Add(time.Second)
	for r.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond * 5)
	}
	err := c.Run(context.Background(), pair(), MuteSet{})
	assert.Equal(t, errors.Cause(err), models.ErrAlreadyInProgress)

	assert.NilError(t, c.Cancel())
	assert.Equal(t, errors.Cause(<-done), models.ErrCanceled)
	assert.Equal(t, errors.Cause(c.Cancel()), models.ErrNoOperation)

	close(r.block)
	assert.NilError(t, c.Run(context.Background(), pair(), MuteSet{Mute: false}))
	assert.Equal(t, r.mutes[1], false)
}

func TestContextEndsFanout(t *testing.T) {
	r := newFakeRenderer()
	r.block = make(chan struct{})
	defer close(r.block)
	c := New(Deps{Renderer: r})
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	err := c.Run(ctx, pair(), GainSet{Gain: 3})
	assert.Equal(t, errors.Cause(err), models.ErrCanceled)
}

type unicastFixture struct {
	reg   *registry.Registry
	pool  *stream.Pool
	obs   *internal.RecordingObserver
	group *unicast.Manager
	c     *Coordinator
}

func newUnicastFixture() *unicastFixture {
	hub := transport.NewHub(nil)
	tr := internal.NewDummyTransport(hub)
	f := &unicastFixture{reg: registry.New(8, nil), obs: internal.NewRecordingObserver()}
	f.pool = stream.NewPool(8, stream.Deps{Transport: tr, Registry: f.reg, Hub: hub, Timeout: time.Second, Observer: f.obs})
	f.group = unicast.NewManager(tr, 2, nil)
	orch := unicast.NewOrchestrator(f.group, f.reg, nil)
	f.c = New(Deps{Unicast: orch, Registry: f.reg})
	return f
}

func (f *unicastFixture) sink(t *testing.T, conn models.ConnID) unicast.StreamParam {
	s, err := f.pool.Alloc(models.Sink)
	assert.NilError(t, err)
	ep, err := f.reg.AddEndpoint(conn, models.Sink, nil)
	assert.NilError(t, err)
	return unicast.StreamParam{
		Stream:   s,
		Endpoint: ep,
		Codec:    internal.TestCodec(),
		QoS:      internal.TestQoS(),
		Meta:     models.NewMetadata(models.ContextMedia),
	}
}

func TestUnicastAcrossSet(t *testing.T) {
	f := newUnicastFixture()
	ctx := context.Background()
	a, b, outsider := f.sink(t, 1), f.sink(t, 2), f.sink(t, 3)
	g, err := f.group.CreateGroup([]unicast.Pair{{Sink: a.Stream}, {Sink: b.Stream}, {Sink: outsider.Stream}})
	assert.NilError(t, err)

	err = f.c.Run(ctx, pair(), UnicastStart{Group: g, Streams: []unicast.StreamParam{a, outsider}})
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
	assert.Equal(t, a.Stream.State(), models.Idle)

	assert.NilError(t, f.c.Run(ctx, pair(), UnicastStart{Group: g, Streams: []unicast.StreamParam{a, b}}))
	assert.Equal(t, a.Stream.State(), models.Streaming)
	assert.Equal(t, b.Stream.State(), models.Streaming)

	live := models.NewMetadata(models.ContextLive)
	update := UnicastUpdate{Streams: []unicast.MetadataParam{{Stream: a.Stream, Meta: live}, {Stream: b.Stream, Meta: live}}}
	assert.NilError(t, f.c.Run(ctx, pair(), update))
	assert.DeepEqual(t, b.Stream.Metadata(), live)

	err = f.c.Run(ctx, Set{Members: []Member{left}}, UnicastStop{Streams: []*stream.Stream{a.Stream, b.Stream}, Release: true})
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
	assert.NilError(t, f.c.Run(ctx, pair(), UnicastStop{Streams: []*stream.Stream{a.Stream, b.Stream}, Release: true}))
	assert.Equal(t, a.Stream.State(), models.Idle)
	assert.Equal(t, b.Stream.State(), models.Idle)
	assert.Equal(t, f.obs.Count("stopped", a.Stream.ID()), 1)
}

// syncReceiver syncs every requested BIS of a three BIS broadcast encrypted with code
type syncReceiver struct {
	code models.BroadcastCode
}

func (r syncReceiver) SyncPA(context.Context, models.ReceiveState) (bool, error) { return true, nil }

func (r syncReceiver) SyncBIS(ctx context.Context, sourceID uint8, bitmap models.BISBitmap, code *models.BroadcastCode) (models.BISBitmap, error) {
	if code == nil || *code != r.code {
		return 0, errors.Wrap(models.ErrBadCode, "mic failure")
	}
	return bitmap & models.BISBitmapOf(1, 2, 3), nil
}

func (r syncReceiver) StopBIS(context.Context, uint8) error { return nil }
func (r syncReceiver) StopPA(uint8) error                   { return nil }

func TestReceptionAcrossSet(t *testing.T) {
	code, err := models.ParseBroadcastCode("secret")
	assert.NilError(t, err)
	link := bass.Loopback{
		left.Conn:  bass.NewServer(2, syncReceiver{code: code}, nil),
		right.Conn: bass.NewServer(2, syncReceiver{code: code}, nil),
	}
	assistant := bass.NewClient(link, nil, nil)
	link.Attach(assistant)
	c := New(Deps{Assistant: assistant})
	ctx := context.Background()

	start := ReceptionStart{Source: models.AddSourceRequest{
		Addr:        ble.NewAddr("11:22:33:44:55:66"),
		BroadcastID: 0x123456,
		PAInterval:  0x50,
		PASync:      true,
		Subgroups:   []models.SubgroupRequest{{BISSync: models.BISSyncNoPreference}},
	}}
	assert.NilError(t, c.Run(ctx, pair(), start))
	for conn, server := range link {
		states := server.States()
		assert.Equal(t, len(states), 1)
		assert.Equal(t, states[0].Encryption, models.CodeRequired, "conn %d", conn)
	}

	err = c.Run(ctx, pair(), DistributeBroadcastCode{BroadcastID: 0x000001, Code: code})
	_, partial := models.AsPartialFailure(err)
	assert.Assert(t, partial)
	assert.NilError(t, c.Run(ctx, pair(), DistributeBroadcastCode{BroadcastID: 0x123456, Code: code}))
	for _, server := range link {
		rs := server.States()[0]
		assert.Equal(t, rs.Encryption, models.Decrypting)
		assert.Equal(t, rs.BISSync(), models.BISBitmapOf(1, 2, 3))
	}

	assert.NilError(t, c.Run(ctx, pair(), start))
	assert.Equal(t, len(link[left.Conn].States()), 1)

	assert.NilError(t, c.Run(ctx, pair(), ReceptionStop{BroadcastID: 0x123456}))
	for _, server := range link {
		assert.Equal(t, len(server.States()), 0)
	}
	assert.NilError(t, c.Run(ctx, pair(), ReceptionStop{BroadcastID: 0x123456}))
}

type queuedWrite struct {
	conn models.ConnID
	req  models.ControlRequest
}

// queuedLink acknowledges writes at once and applies them later in write
// order, the way the GATT acceptor runs control operations on a worker
type queuedLink struct {
	servers bass.Loopback
	queue   chan queuedWrite
	done    chan struct{}
}

func newQueuedLink(servers bass.Loopback) *queuedLink {
	l := &queuedLink{servers: servers, queue: make(chan queuedWrite, 16), done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for w := range l.queue {
			time.Sleep(10 * time.Millisecond)
			_ = l.servers.Write(context.Background(), w.conn, w.req)
		}
	}()
	return l
}

func (l *queuedLink) Write(ctx context.Context, conn models.ConnID, req models.ControlRequest) error {
	if _, ok := l.servers[conn]; !ok {
		return errors.Wrapf(models.ErrInvalidArgument, "no acceptor on conn %d", conn)
	}
	l.queue <- queuedWrite{conn: conn, req: req}
	return nil
}

func (l *queuedLink) close() {
	close(l.queue)
	<-l.done
}

func TestReceptionOverQueuedChannel(t *testing.T) {
	code, err := models.ParseBroadcastCode("secret")
	assert.NilError(t, err)
	servers := bass.Loopback{
		left.Conn:  bass.NewServer(2, syncReceiver{code: code}, nil),
		right.Conn: bass.NewServer(2, syncReceiver{code: code}, nil),
	}
	link := newQueuedLink(servers)
	defer link.close()
	assistant := bass.NewClient(link, nil, nil)
	servers.Attach(assistant)
	c := New(Deps{Assistant: assistant, Timeout: time.Second})
	ctx := context.Background()

	start := ReceptionStart{Source: models.AddSourceRequest{
		Addr:        ble.NewAddr("11:22:33:44:55:66"),
		BroadcastID: 0x123456,
		PAInterval:  0x50,
		PASync:      true,
		Subgroups:   []models.SubgroupRequest{{BISSync: models.BISSyncNoPreference}},
	}}
	assert.NilError(t, c.Run(ctx, pair(), start))
	for _, m := range pair().Members {
		_, ok := assistant.FindSource(m.Conn, 0x123456)
		assert.Assert(t, ok, "conn %d", m.Conn)
	}

	// the code follows the add straight away
	assert.NilError(t, c.Run(ctx, pair(), DistributeBroadcastCode{BroadcastID: 0x123456, Code: code}))
	for _, m := range pair().Members {
		err := assistant.Await(ctx, m.Conn, time.Second, func(states []models.ReceiveState) bool {
			return len(states) == 1 && states[0].Encryption == models.Decrypting
		})
		assert.NilError(t, err)
		assert.Equal(t, assistant.States(m.Conn)[0].BISSync(), models.BISBitmapOf(1, 2, 3))
	}

	// the synced source is unsynced before it is removed
	assert.NilError(t, c.Run(ctx, pair(), ReceptionStop{BroadcastID: 0x123456}))
	for conn, server := range servers {
		assert.Equal(t, len(server.States()), 0, "conn %d", conn)
		assert.Equal(t, len(assistant.States(conn)), 0)
	}
}

func TestReceptionTimesOutWithoutNotification(t *testing.T) {
	servers := bass.Loopback{left.Conn: bass.NewServer(1, syncReceiver{}, nil)}
	assistant := bass.NewClient(servers, nil, nil)
	// the acceptor never reports back to the assistant
	c := New(Deps{Assistant: assistant, Timeout: 50 * time.Millisecond})
	start := ReceptionStart{Source: models.AddSourceRequest{
		Addr:        ble.NewAddr("11:22:33:44:55:66"),
		BroadcastID: 0x123456,
		PAInterval:  0x50,
		Subgroups:   []models.SubgroupRequest{{}},
	}}
	err := c.Run(context.Background(), Set{Type: AdHoc, Members: []Member{left}}, start)
	pf, ok := models.AsPartialFailure(err)
	assert.Assert(t, ok, "got %v", err)
	assert.Equal(t, errors.Cause(pf.First.Err), models.ErrTimeout)
}
