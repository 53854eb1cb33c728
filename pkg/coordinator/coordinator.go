// Package coordinator runs one command across an explicit set of devices.
// Every member executes concurrently and the outcomes are folded into one
// result; nothing beyond per member completion is guaranteed.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/bass"
	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/operation"
	"github.com/Krajiyah/leaudio-sdk/pkg/registry"
	"github.com/Krajiyah/leaudio-sdk/pkg/stream"
	"github.com/Krajiyah/leaudio-sdk/pkg/unicast"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/currantlabs/ble"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// SetType is an enum for the consistency a set provides
type SetType int

const (
	// AdHoc sets only track per member completion
	AdHoc SetType = iota
	// Coordinated sets would add ordering and rollback across members
	Coordinated
)

func (t SetType) String() string {
	return []string{"AdHoc", "Coordinated"}[t]
}

// Member is one connected device of a set
type Member struct {
	Addr ble.Addr
	Conn models.ConnID
}

// Key names the member in results
func (m Member) Key() string {
	if m.Addr != nil {
		return m.Addr.String()
	}
	return fmt.Sprintf("conn-%d", m.Conn)
}

// Set is an explicit list of members
type Set struct {
	Type    SetType
	Members []Member
}

// Renderer changes the volume, mute and microphone gain of one member
type Renderer interface {
	SetVolume(ctx context.Context, conn models.ConnID, volume uint8) error
	SetMute(ctx context.Context, conn models.ConnID, mute bool) error
	SetGain(ctx context.Context, conn models.ConnID, gain int8) error
}

// Deps are the components commands are delegated to. Commands whose
// component is missing are rejected.
type Deps struct {
	Unicast   *unicast.Orchestrator
	Registry  *registry.Registry
	Renderer  Renderer
	Assistant *bass.Client
	// Timeout bounds each wait for an acceptor to report a control operation
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

type fanout struct {
	op      *operation.Operation
	workers sync.WaitGroup
}

// Coordinator runs one command at a time
type Coordinator struct {
	mutex  sync.Mutex
	deps   Deps
	busy   bool
	cancel func() bool
	last   *fanout
	logger *zap.SugaredLogger
}

func New(deps Deps) *Coordinator {
	return &Coordinator{deps: deps, logger: util.NamedLogger(deps.Logger, "coordinator")}
}

// members validates the set and returns its members without duplicates
func members(set Set) ([]Member, error) {
	if set.Type != AdHoc {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "%s sets are not supported", set.Type)
	}
	byKey := map[string]Member{}
	keys := make([]string, 0, len(set.Members))
	for _, m := range set.Members {
		if m.Conn == 0 {
			return nil, errors.Wrapf(models.ErrInvalidArgument, "member %s is not connected", m.Key())
		}
		if _, ok := byKey[m.Key()]; !ok {
			byKey[m.Key()] = m
		}
		keys = append(keys, m.Key())
	}
	keys = funk.UniqString(keys)
	if len(keys) == 0 {
		return nil, errors.Wrap(models.ErrInvalidArgument, "empty set")
	}
	ret := make([]Member, len(keys))
	for i, k := range keys {
		ret[i] = byKey[k]
	}
	return ret, nil
}

func (c *Coordinator) begin(cancel func() bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.busy {
		return errors.Wrap(models.ErrAlreadyInProgress, "set command")
	}
	c.busy = true
	c.cancel = cancel
	return nil
}

func (c *Coordinator) end(f *fanout) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.busy = false
	c.cancel = nil
	if f != nil {
		c.last = f
	}
}

// Cancel resolves the running command with models.ErrCanceled. Members keep
// whatever state they reached.
func (c *Coordinator) Cancel() error {
	c.mutex.Lock()
	cancel := c.cancel
	c.mutex.Unlock()
	if cancel == nil {
		return errors.Wrap(models.ErrNoOperation, "set cancel")
	}
	if cancel() {
		c.logger.Infow("Canceled set command")
	}
	return nil
}

// Run executes cmd on every member of set
func (c *Coordinator) Run(ctx context.Context, set Set, cmd Command) error {
	ms, err := members(set)
	if err != nil {
		return err
	}
	c.logger.Infow("Running set command", "cmd", cmd, "members", len(ms))
	switch cmd := cmd.(type) {
	case UnicastStart:
		return c.unicastStart(ctx, ms, cmd)
	case UnicastUpdate:
		return c.unicastUpdate(ctx, ms, cmd)
	case UnicastStop:
		return c.unicastStop(ctx, ms, cmd)
	case VolumeSet, MuteSet, GainSet:
		if c.deps.Renderer == nil {
			return errors.Wrap(models.ErrInvalidArgument, "no renderer")
		}
	case ReceptionStart:
		if err := cmd.Source.Validate(); err != nil {
			return err
		}
		if c.deps.Assistant == nil {
			return errors.Wrap(models.ErrInvalidArgument, "no broadcast assistant")
		}
	case ReceptionStop, DistributeBroadcastCode:
		if c.deps.Assistant == nil {
			return errors.Wrap(models.ErrInvalidArgument, "no broadcast assistant")
		}
	default:
		return errors.Wrapf(models.ErrInvalidArgument, "unsupported command %T", cmd)
	}
	return c.fanout(ctx, ms, cmd)
}

func (c *Coordinator) fanout(ctx context.Context, ms []Member, cmd Command) error {
	keys := make([]string, len(ms))
	for i, m := range ms {
		keys[i] = m.Key()
	}
	f := &fanout{op: operation.New(keys)}
	if err := c.begin(f.op.Cancel); err != nil {
		return err
	}
	defer c.end(f)
	c.mutex.Lock()
	prev := c.last
	c.mutex.Unlock()
	if prev != nil {
		prev.workers.Wait()
	}

	for _, m := range ms {
		f.workers.Add(1)
		go func(m Member) {
			defer f.workers.Done()
			err := util.CatchErrs(func() error { return c.apply(ctx, m, cmd) })
			if err != nil {
				c.logger.Warnw("Member failed", "member", m.Key(), "cmd", cmd, "err", err)
			}
			f.op.Complete(m.Key(), err)
		}(m)
	}
	err := f.op.Wait(ctx)
	if ctx.Err() != nil && f.op.Cancel() {
		return errors.Wrap(models.ErrCanceled, ctx.Err().Error())
	}
	if ctx.Err() != nil {
		return f.op.Result()
	}
	return err
}

// apply runs cmd on one member
func (c *Coordinator) apply(ctx context.Context, m Member, cmd Command) error {
	switch cmd := cmd.(type) {
	case VolumeSet:
		return c.deps.Renderer.SetVolume(ctx, m.Conn, cmd.Volume)
	case MuteSet:
		return c.deps.Renderer.SetMute(ctx, m.Conn, cmd.Mute)
	case GainSet:
		return c.deps.Renderer.SetGain(ctx, m.Conn, cmd.Gain)
	case ReceptionStart:
		return c.receptionStart(ctx, m, cmd)
	case ReceptionStop:
		return c.receptionStop(ctx, m, cmd)
	case DistributeBroadcastCode:
		return c.distributeCode(ctx, m, cmd)
	}
	return errors.Wrapf(models.ErrInvalidArgument, "unsupported command %T", cmd)
}

// receptionStart adds the source, or resumes it when the member already tracks it
func (c *Coordinator) receptionStart(ctx context.Context, m Member, cmd ReceptionStart) error {
	a := c.deps.Assistant
	id, ok := a.FindSource(m.Conn, cmd.Source.BroadcastID)
	if !ok {
		if err := a.AddSource(ctx, m.Conn, cmd.Source); err != nil {
			return err
		}
		return a.Await(ctx, m.Conn, c.deps.Timeout, bass.Tracks(cmd.Source.BroadcastID))
	}
	return a.ModifySource(ctx, m.Conn, models.ModifySourceRequest{
		SourceID:   id,
		PASync:     true,
		PAInterval: cmd.Source.PAInterval,
		Subgroups:  cmd.Source.Subgroups,
	})
}

// receptionStop unsyncs and removes the source. Members not tracking it are done.
func (c *Coordinator) receptionStop(ctx context.Context, m Member, cmd ReceptionStop) error {
	a := c.deps.Assistant
	id, ok := a.FindSource(m.Conn, cmd.BroadcastID)
	if !ok {
		return nil
	}
	rs, err := a.State(m.Conn, id)
	if err != nil {
		return err
	}
	if rs.PASync == models.PASynced || rs.BISSync() != 0 {
		sgs := make([]models.SubgroupRequest, len(rs.Subgroups))
		if err := a.ModifySource(ctx, m.Conn, models.ModifySourceRequest{SourceID: id, Subgroups: sgs}); err != nil {
			return err
		}
		if err := a.Await(ctx, m.Conn, c.deps.Timeout, bass.Unsynced(id)); err != nil {
			return err
		}
	}
	if err := a.RemoveSource(ctx, m.Conn, id); err != nil {
		return err
	}
	return a.Await(ctx, m.Conn, c.deps.Timeout, bass.Removed(id))
}

// distributeCode hands over the code and waits for a source that asked for
// one to leave CodeRequired
func (c *Coordinator) distributeCode(ctx context.Context, m Member, cmd DistributeBroadcastCode) error {
	a := c.deps.Assistant
	id, ok := a.FindSource(m.Conn, cmd.BroadcastID)
	if !ok {
		return errors.Wrapf(models.ErrInvalidArgument, "%s does not track broadcast %#x", m.Key(), uint32(cmd.BroadcastID))
	}
	rs, err := a.State(m.Conn, id)
	if err != nil {
		return err
	}
	if err := a.SetBroadcastCode(ctx, m.Conn, id, cmd.Code); err != nil {
		return err
	}
	if rs.Encryption != models.CodeRequired {
		return nil
	}
	return a.Await(ctx, m.Conn, c.deps.Timeout, func(states []models.ReceiveState) bool {
		for _, st := range states {
			if st.SourceID == id {
				return st.Encryption != models.CodeRequired
			}
		}
		return true
	})
}

// inSet verifies every connection belongs to a member
func inSet(ms []Member, conns []models.ConnID) error {
	allowed := map[models.ConnID]bool{}
	for _, m := range ms {
		allowed[m.Conn] = true
	}
	for _, conn := range conns {
		if !allowed[conn] {
			return errors.Wrapf(models.ErrInvalidArgument, "conn %d is not a member of the set", conn)
		}
	}
	return nil
}

func (c *Coordinator) unicast() error {
	if c.deps.Unicast == nil {
		return errors.Wrap(models.ErrInvalidArgument, "no unicast orchestrator")
	}
	return nil
}

// runUnicast claims the coordinator while the orchestrator runs fn
func (c *Coordinator) runUnicast(fn func() error) error {
	if err := c.begin(func() bool { return c.deps.Unicast.Cancel() == nil }); err != nil {
		return err
	}
	defer c.end(nil)
	return fn()
}

func (c *Coordinator) unicastStart(ctx context.Context, ms []Member, cmd UnicastStart) error {
	if err := c.unicast(); err != nil {
		return err
	}
	if c.deps.Registry == nil {
		return errors.Wrap(models.ErrInvalidArgument, "no endpoint registry")
	}
	conns := []models.ConnID{}
	for _, sp := range cmd.Streams {
		ep, err := c.deps.Registry.Endpoint(sp.Endpoint)
		if err != nil {
			return errors.Wrapf(models.ErrInvalidArgument, "%s endpoint: %v", sp.Stream, err)
		}
		conns = append(conns, ep.Conn)
	}
	if err := inSet(ms, conns); err != nil {
		return err
	}
	return c.runUnicast(func() error {
		return c.deps.Unicast.Start(ctx, unicast.StartParams{Group: cmd.Group, Streams: cmd.Streams})
	})
}

func boundConns(streams []*stream.Stream) []models.ConnID {
	ret := []models.ConnID{}
	for _, s := range streams {
		if s == nil {
			continue
		}
		if conn := s.Conn(); conn != 0 {
			ret = append(ret, conn)
		}
	}
	return ret
}

func (c *Coordinator) unicastUpdate(ctx context.Context, ms []Member, cmd UnicastUpdate) error {
	if err := c.unicast(); err != nil {
		return err
	}
	streams := make([]*stream.Stream, len(cmd.Streams))
	for i, p := range cmd.Streams {
		streams[i] = p.Stream
	}
	if err := inSet(ms, boundConns(streams)); err != nil {
		return err
	}
	return c.runUnicast(func() error { return c.deps.Unicast.Update(ctx, cmd.Streams) })
}

func (c *Coordinator) unicastStop(ctx context.Context, ms []Member, cmd UnicastStop) error {
	if err := c.unicast(); err != nil {
		return err
	}
	if err := inSet(ms, boundConns(cmd.Streams)); err != nil {
		return err
	}
	return c.runUnicast(func() error { return c.deps.Unicast.Stop(ctx, cmd.Streams, cmd.Release) })
}
