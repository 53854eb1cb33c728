package bass

import (
	"context"
	"sync"
	"testing"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/currantlabs/ble"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

const (
	acceptorConn = models.ConnID(7)
	testID       = models.BroadcastID(0x123456)
)

var announcedBIS = models.BISBitmapOf(1, 2, 3)

type fakeReceiver struct {
	mutex     sync.Mutex
	encrypted bool
	code      *models.BroadcastCode
	paErr     error
	syncs     []models.BISBitmap
	bisStops  int
	paStops   int
}

func (r *fakeReceiver) SyncPA(ctx context.Context, rs models.ReceiveState) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.encrypted, r.paErr
}

func (r *fakeReceiver) SyncBIS(ctx context.Context, sourceID uint8, bitmap models.BISBitmap, code *models.BroadcastCode) (models.BISBitmap, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.syncs = append(r.syncs, bitmap)
	if r.encrypted && (code == nil || *code != *r.code) {
		return 0, errors.Wrap(models.ErrBadCode, "mic failure")
	}
	return bitmap & announcedBIS, nil
}

func (r *fakeReceiver) StopBIS(ctx context.Context, sourceID uint8) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.bisStops++
	return nil
}

func (r *fakeReceiver) StopPA(sourceID uint8) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.paStops++
	return nil
}

type stateRecorder struct {
	mutex   sync.Mutex
	changes []models.ReceiveState
	removed []uint8
}

func (r *stateRecorder) OnReceiveStateChanged(conn models.ConnID, rs models.ReceiveState) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.changes = append(r.changes, rs)
}

func (r *stateRecorder) OnReceiveStateRemoved(conn models.ConnID, sourceID uint8) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.removed = append(r.removed, sourceID)
}

func (r *stateRecorder) sawPA(state models.PASyncState) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, rs := range r.changes {
		if rs.PASync == state {
			return true
		}
	}
	return false
}

type bassFixture struct {
	recv   *fakeReceiver
	server *Server
	client *Client
	rec    *stateRecorder
}

func newBassFixture(slots int) *bassFixture {
	f := &bassFixture{recv: &fakeReceiver{}, rec: &stateRecorder{}}
	f.server = NewServer(slots, f.recv, nil)
	link := Loopback{acceptorConn: f.server}
	f.client = NewClient(link, f.rec, nil)
	link.Attach(f.client)
	return f
}

func addRequest(id models.BroadcastID, sync bool, bitmaps ...models.BISBitmap) models.AddSourceRequest {
	req := models.AddSourceRequest{
		Addr:        ble.NewAddr("11:22:33:44:55:66"),
		SID:         2,
		BroadcastID: id,
		PAInterval:  0x50,
		PASync:      sync,
	}
	for _, b := range bitmaps {
		req.Subgroups = append(req.Subgroups, models.SubgroupRequest{BISSync: b, Metadata: models.NewMetadata(models.ContextMedia)})
	}
	return req
}

func (f *bassFixture) state(t *testing.T) models.ReceiveState {
	states := f.client.States(acceptorConn)
	assert.Equal(t, len(states), 1)
	server, err := f.server.State(states[0].SourceID)
	assert.NilError(t, err)
	assert.DeepEqual(t, states[0], server)
	return states[0]
}

func TestAddSourceSyncsRequestedBIS(t *testing.T) {
	f := newBassFixture(2)
	ctx := context.Background()
	assert.NilError(t, f.client.AddSource(ctx, acceptorConn, addRequest(testID, true, models.BISBitmapOf(1), models.BISSyncNoPreference)))

	rs := f.state(t)
	assert.Equal(t, rs.PASync, models.PASynced)
	assert.Equal(t, rs.Encryption, models.NotEncrypted)
	assert.Equal(t, rs.Subgroups[0].BISSync, models.BISBitmapOf(1))
	assert.Equal(t, rs.Subgroups[1].BISSync, models.BISBitmapOf(2, 3))
	assert.Assert(t, f.rec.sawPA(models.PASyncInfoRequested))
	assert.DeepEqual(t, f.recv.syncs, []models.BISBitmap{models.BISSyncNoPreference})
}

func TestAddSourceWithoutSync(t *testing.T) {
	f := newBassFixture(2)
	assert.NilError(t, f.client.AddSource(context.Background(), acceptorConn, addRequest(testID, false, models.BISBitmapOf(1))))
	rs := f.state(t)
	assert.Equal(t, rs.PASync, models.PANotSynced)
	assert.Equal(t, rs.BISSync(), models.BISBitmap(0))
	assert.Equal(t, len(f.recv.syncs), 0)
}

func TestAddSourceRules(t *testing.T) {
	f := newBassFixture(1)
	ctx := context.Background()

	bad := addRequest(models.InvalidBroadcastID, false)
	assert.Equal(t, errors.Cause(f.client.AddSource(ctx, acceptorConn, bad)), models.ErrInvalidArgument)
	noAddr := addRequest(testID, false)
	noAddr.Addr = nil
	assert.Equal(t, errors.Cause(f.server.Handle(ctx, acceptorConn, noAddr)), models.ErrInvalidArgument)

	assert.NilError(t, f.client.AddSource(ctx, acceptorConn, addRequest(testID, false)))
	err := f.server.Handle(ctx, acceptorConn, addRequest(testID, false))
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
	err = f.client.AddSource(ctx, acceptorConn, addRequest(testID, false))
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)

	err = f.client.AddSource(ctx, acceptorConn, addRequest(0x000002, false))
	assert.Equal(t, errors.Cause(err), models.ErrNoResources)
	assert.Equal(t, len(f.server.States()), 1)
}

func TestPASyncFailure(t *testing.T) {
	f := newBassFixture(1)
	f.recv.paErr = errors.Wrap(models.ErrTimeout, "PA sync")
	assert.NilError(t, f.client.AddSource(context.Background(), acceptorConn, addRequest(testID, true, models.BISSyncNoPreference)))
	rs := f.state(t)
	assert.Equal(t, rs.PASync, models.PASyncFailed)
	assert.Equal(t, len(f.recv.syncs), 0)
}

func TestBadCodeIsRemembered(t *testing.T) {
	f := newBassFixture(1)
	ctx := context.Background()
	good, err := models.ParseBroadcastCode("secret")
	assert.NilError(t, err)
	wrong, err := models.ParseBroadcastCode("guess")
	assert.NilError(t, err)
	f.recv.encrypted = true
	f.recv.code = &good

	assert.NilError(t, f.client.AddSource(ctx, acceptorConn, addRequest(testID, true, models.BISSyncNoPreference)))
	rs := f.state(t)
	assert.Equal(t, rs.Encryption, models.CodeRequired)
	assert.Equal(t, len(f.recv.syncs), 0)

	assert.NilError(t, f.client.SetBroadcastCode(ctx, acceptorConn, rs.SourceID, wrong))
	rs = f.state(t)
	assert.Equal(t, rs.Encryption, models.BadCode)
	assert.Equal(t, rs.BISSync(), models.BISBitmap(0))

	err = f.client.SetBroadcastCode(ctx, acceptorConn, rs.SourceID, wrong)
	assert.Equal(t, errors.Cause(err), models.ErrRejected)
	assert.Equal(t, len(f.recv.syncs), 1)

	assert.NilError(t, f.client.SetBroadcastCode(ctx, acceptorConn, rs.SourceID, good))
	rs = f.state(t)
	assert.Equal(t, rs.Encryption, models.Decrypting)
	assert.Equal(t, rs.BISSync(), announcedBIS)
}

func TestModifySource(t *testing.T) {
	f := newBassFixture(1)
	ctx := context.Background()
	assert.NilError(t, f.client.AddSource(ctx, acceptorConn, addRequest(testID, true, models.BISBitmapOf(1), models.BISBitmapOf(2))))
	rs := f.state(t)

	err := f.client.ModifySource(ctx, acceptorConn, models.ModifySourceRequest{SourceID: rs.SourceID, PASync: true})
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)

	assert.NilError(t, f.client.ModifySource(ctx, acceptorConn, models.ModifySourceRequest{
		SourceID:  rs.SourceID,
		PASync:    true,
		Subgroups: []models.SubgroupRequest{{BISSync: models.BISBitmapOf(1)}, {BISSync: models.BISBitmapOf(3)}},
	}))
	rs = f.state(t)
	assert.Equal(t, f.recv.bisStops, 1)
	assert.Equal(t, rs.Subgroups[0].BISSync, models.BISBitmapOf(1))
	assert.Equal(t, rs.Subgroups[1].BISSync, models.BISBitmapOf(3))
	assert.DeepEqual(t, rs.Subgroups[1].Metadata, models.NewMetadata(models.ContextMedia))
}

func TestRemoveSourceNeedsUnsync(t *testing.T) {
	f := newBassFixture(1)
	ctx := context.Background()
	assert.NilError(t, f.client.AddSource(ctx, acceptorConn, addRequest(testID, true, models.BISSyncNoPreference)))
	rs := f.state(t)

	err := f.client.RemoveSource(ctx, acceptorConn, rs.SourceID)
	assert.Equal(t, errors.Cause(err), models.ErrInvalidState)
	err = f.server.Handle(ctx, acceptorConn, models.RemoveSourceRequest{SourceID: rs.SourceID})
	assert.Equal(t, errors.Cause(err), models.ErrInvalidState)

	assert.NilError(t, f.client.ModifySource(ctx, acceptorConn, models.ModifySourceRequest{
		SourceID:  rs.SourceID,
		Subgroups: []models.SubgroupRequest{{BISSync: 0}},
	}))
	rs = f.state(t)
	assert.Equal(t, rs.PASync, models.PANotSynced)
	assert.Equal(t, f.recv.bisStops, 1)
	assert.Equal(t, f.recv.paStops, 1)

	assert.NilError(t, f.client.RemoveSource(ctx, acceptorConn, rs.SourceID))
	assert.Equal(t, len(f.client.States(acceptorConn)), 0)
	assert.Equal(t, len(f.server.States()), 0)
	assert.DeepEqual(t, f.rec.removed, []uint8{rs.SourceID})
	_, err = f.client.State(acceptorConn, rs.SourceID)
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
}

func TestClientChecksAnnouncedBIS(t *testing.T) {
	f := newBassFixture(1)
	ctx := context.Background()
	f.client.ObserveBIS(testID, models.BISBitmapOf(1, 2))

	err := f.client.AddSource(ctx, acceptorConn, addRequest(testID, true, models.BISBitmapOf(3)))
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
	err = f.client.AddSource(ctx, acceptorConn, addRequest(testID, true, models.BISBitmapOf(1), models.BISBitmapOf(1, 2)))
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
	assert.Equal(t, len(f.server.States()), 0)

	assert.NilError(t, f.client.AddSource(ctx, acceptorConn, addRequest(testID, true, models.BISBitmapOf(1), models.BISSyncNoPreference)))
	assert.Equal(t, f.state(t).BISSync(), announcedBIS)
}

func TestLateAssistantGetsReplay(t *testing.T) {
	f := newBassFixture(2)
	ctx := context.Background()
	assert.NilError(t, f.client.AddSource(ctx, acceptorConn, addRequest(testID, false)))
	assert.NilError(t, f.client.AddSource(ctx, acceptorConn, addRequest(0x000002, false)))

	late := NewClient(Loopback{acceptorConn: f.server}, nil, nil)
	f.server.Connect(acceptorConn, late)
	states := late.States(acceptorConn)
	assert.Equal(t, len(states), 2)
	assert.Assert(t, states[0].SourceID < states[1].SourceID)
	id, ok := late.FindSource(acceptorConn, 0x000002)
	assert.Assert(t, ok)
	assert.Equal(t, id, states[1].SourceID)

	err := late.AddSource(ctx, 99, addRequest(0x000003, false))
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
}

func TestSourceLostClearsSync(t *testing.T) {
	f := newBassFixture(1)
	assert.NilError(t, f.client.AddSource(context.Background(), acceptorConn, addRequest(testID, true, models.BISSyncNoPreference)))
	rs := f.state(t)
	f.server.SourceLost(rs.SourceID, errors.New("supervision timeout"))
	rs = f.state(t)
	assert.Equal(t, rs.PASync, models.PANotSynced)
	assert.Equal(t, rs.BISSync(), models.BISBitmap(0))
	f.server.SourceLost(42, nil)
}
