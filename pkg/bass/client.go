package bass

import (
	"context"
	"sync"
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/bradfitz/slice"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ControlChannel carries control operations from an assistant to the
// acceptor behind conn
type ControlChannel interface {
	Write(ctx context.Context, conn models.ConnID, req models.ControlRequest) error
}

// Client is the assistant side. It caches the receive states notified by
// each acceptor and checks operations against them before writing.
type Client struct {
	mutex     sync.Mutex
	ch        ControlChannel
	states    map[models.ConnID]map[uint8]models.ReceiveState
	announced map[models.BroadcastID]models.BISBitmap
	listener  models.ReceiveStateListener
	// changed is closed and replaced on every cache update
	changed chan struct{}
	logger  *zap.SugaredLogger
}

// NewClient returns an assistant writing to ch. listener, when not nil, sees
// every notification after the cache was updated.
func NewClient(ch ControlChannel, listener models.ReceiveStateListener, logger *zap.SugaredLogger) *Client {
	return &Client{
		ch:        ch,
		states:    map[models.ConnID]map[uint8]models.ReceiveState{},
		announced: map[models.BroadcastID]models.BISBitmap{},
		listener:  listener,
		changed:   make(chan struct{}),
		logger:    util.NamedLogger(logger, "bass_client"),
	}
}

func (c *Client) OnReceiveStateChanged(conn models.ConnID, rs models.ReceiveState) {
	c.mutex.Lock()
	if c.states[conn] == nil {
		c.states[conn] = map[uint8]models.ReceiveState{}
	}
	c.states[conn][rs.SourceID] = rs.Clone()
	c.signalLocked()
	c.mutex.Unlock()
	if c.listener != nil {
		c.listener.OnReceiveStateChanged(conn, rs)
	}
}

func (c *Client) OnReceiveStateRemoved(conn models.ConnID, sourceID uint8) {
	c.mutex.Lock()
	delete(c.states[conn], sourceID)
	c.signalLocked()
	c.mutex.Unlock()
	if c.listener != nil {
		c.listener.OnReceiveStateRemoved(conn, sourceID)
	}
}

// Forget drops the cache of a disconnected acceptor
func (c *Client) Forget(conn models.ConnID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.states, conn)
	c.signalLocked()
}

func (c *Client) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Await blocks until cond holds for the cached receive states of conn. Writes
// complete before the acceptor notifies, so follow up operations wait here.
func (c *Client) Await(ctx context.Context, conn models.ConnID, timeout time.Duration, cond func([]models.ReceiveState) bool) error {
	if timeout <= 0 {
		timeout = util.DefaultRoundTripTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mutex.Lock()
		changed := c.changed
		c.mutex.Unlock()
		if cond(c.States(conn)) {
			return nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return errors.Wrapf(models.ErrTimeout, "receive state of conn %d after %s", conn, timeout)
		case <-ctx.Done():
			return errors.Wrap(models.ErrCanceled, ctx.Err().Error())
		}
	}
}

// Tracks is an Await condition holding once the acceptor reports the broadcast
func Tracks(id models.BroadcastID) func([]models.ReceiveState) bool {
	return func(states []models.ReceiveState) bool {
		for _, rs := range states {
			if rs.BroadcastID == id {
				return true
			}
		}
		return false
	}
}

// Unsynced is an Await condition holding once source id can be removed
func Unsynced(id uint8) func([]models.ReceiveState) bool {
	return func(states []models.ReceiveState) bool {
		for _, rs := range states {
			if rs.SourceID == id {
				return rs.PASync != models.PASynced && rs.BISSync() == 0
			}
		}
		return true
	}
}

// Removed is an Await condition holding once source id is gone
func Removed(id uint8) func([]models.ReceiveState) bool {
	return func(states []models.ReceiveState) bool {
		for _, rs := range states {
			if rs.SourceID == id {
				return false
			}
		}
		return true
	}
}

// ObserveBIS records the BIS indices the assistant saw announced for a broadcast
func (c *Client) ObserveBIS(id models.BroadcastID, bitmap models.BISBitmap) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.announced[id] = bitmap
}

// States returns the cached receive states of conn ordered by source id
func (c *Client) States(conn models.ConnID) []models.ReceiveState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ret := []models.ReceiveState{}
	for _, rs := range c.states[conn] {
		ret = append(ret, rs.Clone())
	}
	slice.Sort(ret, func(i, j int) bool { return ret[i].SourceID < ret[j].SourceID })
	return ret
}

// State returns the cached receive state of one source
func (c *Client) State(conn models.ConnID, sourceID uint8) (models.ReceiveState, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	rs, ok := c.states[conn][sourceID]
	if !ok {
		return models.ReceiveState{}, errors.Wrapf(models.ErrInvalidArgument, "conn %d has no source %d", conn, sourceID)
	}
	return rs.Clone(), nil
}

// FindSource looks up the source id an acceptor assigned to a broadcast
func (c *Client) FindSource(conn models.ConnID, id models.BroadcastID) (uint8, bool) {
	for _, rs := range c.States(conn) {
		if rs.BroadcastID == id {
			return rs.SourceID, true
		}
	}
	return 0, false
}

func indexSet(b models.BISBitmap) mapset.Set {
	ret := mapset.NewSet()
	for _, i := range b.Indices() {
		ret.Add(i)
	}
	return ret
}

// checkBIS verifies requested indices were announced for id when known
func (c *Client) checkBIS(id models.BroadcastID, sgs []models.SubgroupRequest) error {
	c.mutex.Lock()
	announced, ok := c.announced[id]
	c.mutex.Unlock()
	if !ok {
		return nil
	}
	known := indexSet(announced)
	seen := mapset.NewSet()
	for i, sg := range sgs {
		if sg.BISSync == models.BISSyncNoPreference {
			continue
		}
		want := indexSet(sg.BISSync)
		if !want.IsSubset(known) {
			return errors.Wrapf(models.ErrInvalidArgument, "subgroup %d asks for BIS %v outside %v", i, want.Difference(known), known)
		}
		if overlap := want.Intersect(seen); overlap.Cardinality() > 0 {
			return errors.Wrapf(models.ErrInvalidArgument, "BIS %v requested twice", overlap)
		}
		seen = seen.Union(want)
	}
	return nil
}

// AddSource asks the acceptor on conn to track a broadcast
func (c *Client) AddSource(ctx context.Context, conn models.ConnID, req models.AddSourceRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := c.checkBIS(req.BroadcastID, req.Subgroups); err != nil {
		return err
	}
	if _, ok := c.FindSource(conn, req.BroadcastID); ok {
		return errors.Wrapf(models.ErrInvalidArgument, "broadcast %#x already added", uint32(req.BroadcastID))
	}
	return c.write(ctx, conn, req)
}

// ModifySource changes the requested sync of a known source
func (c *Client) ModifySource(ctx context.Context, conn models.ConnID, req models.ModifySourceRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	rs, err := c.State(conn, req.SourceID)
	if err != nil {
		return err
	}
	if len(req.Subgroups) != len(rs.Subgroups) {
		return errors.Wrapf(models.ErrInvalidArgument, "%d subgroups for source with %d", len(req.Subgroups), len(rs.Subgroups))
	}
	if err := c.checkBIS(rs.BroadcastID, req.Subgroups); err != nil {
		return err
	}
	return c.write(ctx, conn, req)
}

// RemoveSource asks the acceptor to forget a source it is no longer synced to
func (c *Client) RemoveSource(ctx context.Context, conn models.ConnID, sourceID uint8) error {
	rs, err := c.State(conn, sourceID)
	if err != nil {
		return err
	}
	if rs.PASync == models.PASynced || rs.BISSync() != 0 {
		return errors.Wrapf(models.ErrInvalidState, "source %d still synchronized", sourceID)
	}
	return c.write(ctx, conn, models.RemoveSourceRequest{SourceID: sourceID})
}

// SetBroadcastCode hands the acceptor the code of an encrypted source
func (c *Client) SetBroadcastCode(ctx context.Context, conn models.ConnID, sourceID uint8, code models.BroadcastCode) error {
	if _, err := c.State(conn, sourceID); err != nil {
		return err
	}
	return c.write(ctx, conn, models.SetBroadcastCodeRequest{SourceID: sourceID, Code: code})
}

func (c *Client) write(ctx context.Context, conn models.ConnID, req models.ControlRequest) error {
	c.logger.Debugw("Writing control operation", "conn", conn, "op", req)
	if err := c.ch.Write(ctx, conn, req); err != nil {
		return errors.Wrap(err, "control point write issue: ")
	}
	return nil
}
