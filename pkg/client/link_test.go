package client

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/bass"
	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/server"
	"github.com/currantlabs/ble"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

const (
	testAddr     = "11:22:33:44:55:66"
	acceptorConn = models.ConnID(3)
	testID       = models.BroadcastID(0x010203)
)

type mockConn struct {
	ctx context.Context
}

func (c *mockConn) Context() context.Context          { return c.ctx }
func (c *mockConn) SetContext(ctx context.Context)    { c.ctx = ctx }
func (c *mockConn) LocalAddr() ble.Addr               { return ble.NewAddr("aa:bb:cc:dd:ee:ff") }
func (c *mockConn) RemoteAddr() ble.Addr              { return ble.NewAddr(testAddr) }
func (c *mockConn) RxMTU() int                        { return 64 }
func (c *mockConn) SetRxMTU(mtu int)                  {}
func (c *mockConn) TxMTU() int                        { return 64 }
func (c *mockConn) SetTxMTU(mtu int)                  {}
func (c *mockConn) Disconnected() <-chan struct{}     { return make(chan struct{}) }
func (c *mockConn) Read(p []byte) (n int, err error)  { return 0, nil }
func (c *mockConn) Write(p []byte) (n int, err error) { return 0, nil }
func (c *mockConn) Close() error                      { return nil }

type mockRspWriter struct {
	buff   *bytes.Buffer
	status ble.ATTError
}

func (rw *mockRspWriter) Write(b []byte) (int, error)   { return rw.buff.Write(b) }
func (rw *mockRspWriter) Status() ble.ATTError          { return rw.status }
func (rw *mockRspWriter) SetStatus(status ble.ATTError) { rw.status = status }
func (rw *mockRspWriter) Len() int                      { return rw.buff.Len() }
func (rw *mockRspWriter) Cap() int                      { return rw.buff.Cap() }

type forwardingNotifier struct {
	ctx   context.Context
	h     ble.NotificationHandler
	once  sync.Once
	ready chan struct{}
}

// Context is asked for once the handler registered the notifier
func (n *forwardingNotifier) Context() context.Context {
	n.once.Do(func() { close(n.ready) })
	return n.ctx
}

func (n *forwardingNotifier) Close() error { return nil }
func (n *forwardingNotifier) Cap() int     { return 64 }
func (n *forwardingNotifier) Write(b []byte) (int, error) {
	n.h(append([]byte(nil), b...))
	return len(b), nil
}

// dummyCoreClient talks to a local GATT service the way a remote one would be reached
type dummyCoreClient struct {
	svc      *ble.Service
	conn     *mockConn
	cancel   context.CancelFunc
	writeErr error
	block    chan struct{}
	mutex    sync.Mutex
	writes   [][]byte
}

func newDummyCoreClient(svc *ble.Service) *dummyCoreClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &dummyCoreClient{svc: svc, conn: &mockConn{ctx: ctx}, cancel: cancel}
}

func (c *dummyCoreClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	return &ble.Profile{Services: []*ble.Service{c.svc}}, nil
}

func (c *dummyCoreClient) ReadCharacteristic(char *ble.Characteristic) ([]byte, error) {
	rsp := &mockRspWriter{buff: bytes.NewBuffer(nil)}
	char.ReadHandler.ServeRead(ble.NewRequest(c.conn, nil, 0), rsp)
	return rsp.buff.Bytes(), nil
}

func (c *dummyCoreClient) WriteCharacteristic(char *ble.Characteristic, value []byte, noRsp bool) error {
	c.mutex.Lock()
	c.writes = append(c.writes, value)
	c.mutex.Unlock()
	if c.block != nil {
		<-c.block
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	rsp := &mockRspWriter{buff: bytes.NewBuffer(nil)}
	char.WriteHandler.ServeWrite(ble.NewRequest(c.conn, value, 0), rsp)
	if rsp.status != ble.ErrSuccess {
		return rsp.status
	}
	return nil
}

func (c *dummyCoreClient) Subscribe(char *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	n := &forwardingNotifier{ctx: c.conn.ctx, h: h, ready: make(chan struct{})}
	go char.NotifyHandler.ServeNotify(ble.NewRequest(c.conn, nil, 0), n)
	<-n.ready
	return nil
}

type syncReceiver struct{}

func (syncReceiver) SyncPA(ctx context.Context, rs models.ReceiveState) (bool, error) {
	return false, nil
}
func (syncReceiver) SyncBIS(ctx context.Context, sourceID uint8, bitmap models.BISBitmap, code *models.BroadcastCode) (models.BISBitmap, error) {
	return bitmap & models.BISBitmapOf(1), nil
}
func (syncReceiver) StopBIS(ctx context.Context, sourceID uint8) error { return nil }
func (syncReceiver) StopPA(sourceID uint8) error                       { return nil }

type linkFixture struct {
	acceptor *bass.Server
	service  *server.Service
	core     *dummyCoreClient
	link     *Link
	client   *bass.Client
}

func newLinkFixture(t *testing.T) *linkFixture {
	f := &linkFixture{acceptor: bass.NewServer(2, syncReceiver{}, nil)}
	f.service = server.NewService(f.acceptor, 2, nil)
	f.core = newDummyCoreClient(f.service.Service())
	f.link = NewLink(time.Second, nil)
	f.client = bass.NewClient(f.link, nil, nil)
	assert.NilError(t, f.link.Attach(acceptorConn, f.core, f.client))
	return f
}

func (f *linkFixture) close() {
	f.core.cancel()
	f.service.Close()
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond * 5)
	}
}

func addSource(sync bool) models.AddSourceRequest {
	return models.AddSourceRequest{
		Addr:        ble.NewAddr(testAddr),
		SID:         1,
		BroadcastID: testID,
		PASync:      sync,
		PAInterval:  0x50,
		Subgroups:   []models.SubgroupRequest{{BISSync: models.BISSyncNoPreference, Metadata: models.NewMetadata(models.ContextMedia)}},
	}
}

func TestAttachRequiresService(t *testing.T) {
	link := NewLink(0, nil)
	core := newDummyCoreClient(ble.NewService(ble.UUID16(0x1800)))
	err := link.Attach(acceptorConn, core, nil)
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
	assert.Equal(t, link.Status(acceptorConn), Disconnected)
}

func TestAddSourceThroughLink(t *testing.T) {
	f := newLinkFixture(t)
	defer f.close()
	assert.Equal(t, f.link.Status(acceptorConn), Connected)

	assert.NilError(t, f.client.AddSource(context.Background(), acceptorConn, addSource(true)))
	eventually(t, func() bool {
		states := f.client.States(acceptorConn)
		return len(states) == 1 && states[0].BISSync() == models.BISBitmapOf(1)
	})
	states := f.client.States(acceptorConn)
	want, err := f.acceptor.State(states[0].SourceID)
	assert.NilError(t, err)
	assert.Equal(t, states[0].BroadcastID, want.BroadcastID)
	assert.Equal(t, states[0].PASync, models.PASynced)
}

func TestRemovalReachesAssistant(t *testing.T) {
	f := newLinkFixture(t)
	defer f.close()
	ctx := context.Background()
	assert.NilError(t, f.client.AddSource(ctx, acceptorConn, addSource(false)))
	eventually(t, func() bool { return len(f.client.States(acceptorConn)) == 1 })

	id, ok := f.client.FindSource(acceptorConn, testID)
	assert.Assert(t, ok)
	assert.NilError(t, f.client.RemoveSource(ctx, acceptorConn, id))
	eventually(t, func() bool { return len(f.client.States(acceptorConn)) == 0 })
}

func TestWriteFailures(t *testing.T) {
	f := newLinkFixture(t)
	defer f.close()

	err := f.link.Write(context.Background(), 99, models.RemoveSourceRequest{SourceID: 1})
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = f.link.Write(ctx, acceptorConn, models.RemoveSourceRequest{SourceID: 1})
	assert.Equal(t, errors.Cause(err), models.ErrCanceled)

	err = f.link.Write(context.Background(), acceptorConn, models.RemoveSourceRequest{SourceID: 1})
	assert.Equal(t, errors.Cause(err), models.ErrRejected)

	f.core.writeErr = errors.New("link lost")
	err = f.client.AddSource(context.Background(), acceptorConn, addSource(false))
	assert.Equal(t, errors.Cause(err), models.ErrRejected)

	f.link.Detach(acceptorConn)
	assert.Equal(t, f.link.Status(acceptorConn), Disconnected)
}

func TestWriteTimesOut(t *testing.T) {
	f := newLinkFixture(t)
	defer f.close()
	f.link.timeout = time.Millisecond * 20
	f.core.block = make(chan struct{})
	defer close(f.core.block)

	err := f.link.Write(context.Background(), acceptorConn, models.RemoveSourceRequest{SourceID: 1})
	assert.Equal(t, errors.Cause(err), models.ErrTimeout)
}
