package unicast

import (
	"context"
	"sync"
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/operation"
	"github.com/Krajiyah/leaudio-sdk/pkg/registry"
	"github.com/Krajiyah/leaudio-sdk/pkg/stream"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const settlePoll = 10 * time.Millisecond

// StreamParam is the configuration applied to one stream by Start
type StreamParam struct {
	Stream   *stream.Stream
	Endpoint models.EndpointID
	Codec    models.CodecConfig
	QoS      models.QoS
	Meta     models.Metadata
}

// StartParams names the group and the streams to start within it
type StartParams struct {
	Group   *Group
	Streams []StreamParam
}

// MetadataParam is the metadata applied to one stream by Update
type MetadataParam struct {
	Stream *stream.Stream
	Meta   models.Metadata
}

type run struct {
	op      *operation.Operation
	workers sync.WaitGroup
}

// Orchestrator runs at most one multi-stream procedure at a time
type Orchestrator struct {
	mutex   sync.Mutex
	groups  *Manager
	reg     *registry.Registry
	current *run
	last    *run
	logger  *zap.SugaredLogger
}

// NewOrchestrator binds an orchestrator to a group manager and endpoint registry
func NewOrchestrator(groups *Manager, reg *registry.Registry, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{groups: groups, reg: reg, logger: util.NamedLogger(logger, "unicast")}
}

// Busy reports whether a procedure is outstanding
func (o *Orchestrator) Busy() bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.current != nil
}

// begin claims the orchestrator and waits for workers of a canceled
// predecessor to drain
func (o *Orchestrator) begin(members []string) (*run, error) {
	o.mutex.Lock()
	if o.current != nil {
		o.mutex.Unlock()
		return nil, errors.Wrap(models.ErrAlreadyInProgress, "unicast procedure")
	}
	prev := o.last
	r := &run{op: operation.New(members)}
	o.current = r
	o.mutex.Unlock()
	if prev != nil {
		prev.workers.Wait()
	}
	return r, nil
}

func (o *Orchestrator) end(r *run) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.current == r {
		o.current = nil
		o.last = r
	}
}

// Cancel resolves the outstanding procedure with models.ErrCanceled.
// Streams keep whatever state they reached.
func (o *Orchestrator) Cancel() error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.current == nil {
		return errors.Wrap(models.ErrNoOperation, "unicast cancel")
	}
	if o.current.op.Cancel() {
		o.logger.Infow("Canceled procedure", "op", o.current.op.ID(), "outstanding", len(o.current.op.Outstanding()))
	}
	return nil
}

type opObserver struct {
	op      *operation.Operation
	started bool
	updated bool
}

func (w opObserver) OnStarted(id models.StreamID) {
	if w.started {
		w.op.Complete(id.String(), nil)
	}
}
func (w opObserver) OnStopped(models.StreamID, error) {}
func (w opObserver) OnMetadataUpdated(id models.StreamID) {
	if w.updated {
		w.op.Complete(id.String(), nil)
	}
}
func (w opObserver) OnReleased(models.StreamID) {}

func subscribeAll(streams []*stream.Stream, obs models.StreamObserver) func() {
	cancels := make([]func(), 0, len(streams))
	for _, s := range streams {
		cancels = append(cancels, s.Subscribe(obs))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

func keysOf(streams []*stream.Stream) []string {
	ret := make([]string, 0, len(streams))
	for _, s := range streams {
		ret = append(ret, s.ID().String())
	}
	return ret
}

func checkStreams(streams []*stream.Stream) error {
	if len(streams) == 0 {
		return errors.Wrap(models.ErrInvalidArgument, "no streams")
	}
	seen := mapset.NewSet()
	for i, s := range streams {
		if s == nil {
			return errors.Wrapf(models.ErrInvalidArgument, "stream %d is nil", i)
		}
		if s.IsBroadcast() {
			return errors.Wrapf(models.ErrInvalidArgument, "%s is a broadcast stream", s)
		}
		if !seen.Add(s.ID()) {
			return errors.Wrapf(models.ErrInvalidArgument, "%s listed twice", s)
		}
	}
	return nil
}

// validateStart checks everything that can be checked without the remote
// side and returns the streams grouped per connection
func (o *Orchestrator) validateStart(params StartParams) (map[models.ConnID][]StreamParam, error) {
	if params.Group == nil {
		return nil, errors.Wrap(models.ErrInvalidArgument, "no group")
	}
	streams := make([]*stream.Stream, 0, len(params.Streams))
	for _, sp := range params.Streams {
		streams = append(streams, sp.Stream)
	}
	if err := checkStreams(streams); err != nil {
		return nil, err
	}
	plan := map[models.ConnID][]StreamParam{}
	conns := map[models.StreamID]models.ConnID{}
	for _, sp := range params.Streams {
		s := sp.Stream
		if !params.Group.Contains(s) {
			return nil, errors.Wrapf(models.ErrInvalidArgument, "%s is not in the group", s)
		}
		if s.State() != models.Idle {
			return nil, errors.Wrapf(models.ErrInvalidState, "%s is %s", s, s.State())
		}
		if err := sp.Codec.Validate(); err != nil {
			return nil, errors.Wrapf(models.ErrInvalidArgument, "%s codec: %s", s, err)
		}
		if err := sp.QoS.Validate(); err != nil {
			return nil, errors.Wrapf(models.ErrInvalidArgument, "%s qos: %s", s, err)
		}
		if err := sp.Meta.Validate(); err != nil {
			return nil, errors.Wrapf(models.ErrInvalidArgument, "%s metadata: %s", s, err)
		}
		ep, err := o.reg.Endpoint(sp.Endpoint)
		if err != nil {
			return nil, err
		}
		if ep.Dir != s.Dir() {
			return nil, errors.Wrapf(models.ErrInvalidArgument, "%s endpoint %s has direction %s", s, ep.ID, ep.Dir)
		}
		if ep.Stream.Valid() && ep.Stream != s.ID() {
			return nil, errors.Wrapf(models.ErrNoResources, "endpoint %s is bound to %s", ep.ID, ep.Stream)
		}
		conns[s.ID()] = ep.Conn
		plan[ep.Conn] = append(plan[ep.Conn], sp)
	}
	for _, p := range params.Group.Pairs() {
		if p.Sink == nil || p.Source == nil {
			continue
		}
		a, okA := conns[p.Sink.ID()]
		b, okB := conns[p.Source.ID()]
		if okA && okB && a != b {
			return nil, errors.Wrapf(models.ErrInvalidArgument, "pair %s/%s spans connections %d and %d", p.Sink, p.Source, a, b)
		}
	}
	return plan, nil
}

// Start configures, enables and starts every stream of params. Streams on the
// same connection advance phase by phase; connections advance in parallel.
// When any stream fails every stream that moved is released again and a
// *models.PartialFailure is returned. A Cancel leaves streams as they are.
func (o *Orchestrator) Start(ctx context.Context, params StartParams) error {
	plan, err := o.validateStart(params)
	if err != nil {
		return err
	}
	streams := make([]*stream.Stream, 0, len(params.Streams))
	qos := map[models.StreamID]models.QoS{}
	for _, sp := range params.Streams {
		streams = append(streams, sp.Stream)
		qos[sp.Stream.ID()] = sp.QoS
	}
	r, err := o.begin(keysOf(streams))
	if err != nil {
		return err
	}
	defer o.end(r)
	if r.op.Canceled() {
		return r.op.Result()
	}
	if err := o.groups.ensureCIG(params.Group, qos); err != nil {
		return err
	}
	defer subscribeAll(streams, opObserver{op: r.op, started: true})()

	o.logger.Infow("Starting streams", "op", r.op.ID(), "streams", len(streams), "conns", len(plan))
	for conn, sps := range plan {
		r.workers.Add(1)
		go o.startConn(ctx, r, conn, sps)
	}
	err = o.wait(ctx, r)
	if err == nil || r.op.Canceled() {
		return err
	}
	r.workers.Wait()
	o.rollback(ctx, streams)
	return err
}

func (o *Orchestrator) wait(ctx context.Context, r *run) error {
	err := r.op.Wait(ctx)
	if ctx.Err() != nil && !r.op.Canceled() {
		if r.op.Cancel() {
			return errors.Wrap(models.ErrCanceled, ctx.Err().Error())
		}
		return r.op.Result()
	}
	return err
}

type phase func(context.Context, StreamParam) error

func (o *Orchestrator) startConn(ctx context.Context, r *run, conn models.ConnID, sps []StreamParam) {
	defer r.workers.Done()
	phases := []phase{
		func(ctx context.Context, sp StreamParam) error {
			return sp.Stream.Configure(ctx, sp.Endpoint, sp.Codec)
		},
		func(ctx context.Context, sp StreamParam) error { return sp.Stream.SetQoS(ctx, sp.QoS) },
		func(ctx context.Context, sp StreamParam) error { return sp.Stream.Enable(ctx, sp.Meta) },
		func(ctx context.Context, sp StreamParam) error { return sp.Stream.Start(ctx) },
	}
	failed := map[models.StreamID]bool{}
	for _, step := range phases {
		for _, sp := range sps {
			if r.op.Canceled() {
				return
			}
			key := sp.Stream.ID().String()
			if failed[sp.Stream.ID()] {
				continue
			}
			if r.op.Failed() {
				failed[sp.Stream.ID()] = true
				r.op.Complete(key, errors.Wrap(models.ErrCanceled, "aborted after another stream failed"))
				continue
			}
			if err := step(ctx, sp); err != nil {
				o.logger.Warnw("Stream step failed", "op", r.op.ID(), "conn", conn, "stream", key, "err", err)
				failed[sp.Stream.ID()] = true
				r.op.Complete(key, err)
			}
		}
	}
}

// rollback releases every stream that left Idle
func (o *Orchestrator) rollback(ctx context.Context, streams []*stream.Stream) {
	for _, s := range streams {
		if s.State() == models.Idle {
			continue
		}
		if err := s.Stop(ctx, true); err != nil {
			o.logger.Warnw("Rollback release failed", "stream", s.String(), "err", err)
		}
	}
}

func byConn(streams []*stream.Stream) map[models.ConnID][]*stream.Stream {
	ret := map[models.ConnID][]*stream.Stream{}
	for _, s := range streams {
		ret[s.Conn()] = append(ret[s.Conn()], s)
	}
	return ret
}

// Update applies new metadata to every stream; nothing is sent unless all
// metadata is well formed
func (o *Orchestrator) Update(ctx context.Context, params []MetadataParam) error {
	streams := make([]*stream.Stream, 0, len(params))
	for _, p := range params {
		streams = append(streams, p.Stream)
	}
	if err := checkStreams(streams); err != nil {
		return err
	}
	metas := map[models.StreamID]models.Metadata{}
	for _, p := range params {
		if err := p.Meta.Validate(); err != nil {
			return errors.Wrapf(models.ErrInvalidArgument, "%s metadata: %s", p.Stream, err)
		}
		switch p.Stream.State() {
		case models.Enabling, models.Streaming:
		default:
			return errors.Wrapf(models.ErrInvalidState, "%s is %s", p.Stream, p.Stream.State())
		}
		metas[p.Stream.ID()] = p.Meta
	}
	r, err := o.begin(keysOf(streams))
	if err != nil {
		return err
	}
	defer o.end(r)
	defer subscribeAll(streams, opObserver{op: r.op, updated: true})()

	for _, group := range byConn(streams) {
		r.workers.Add(1)
		go func(group []*stream.Stream) {
			defer r.workers.Done()
			for _, s := range group {
				if r.op.Canceled() {
					return
				}
				if err := s.UpdateMetadata(ctx, metas[s.ID()]); err != nil {
					r.op.Complete(s.ID().String(), err)
				}
			}
		}(group)
	}
	return o.wait(ctx, r)
}

// Stop disables, and with release also releases, every stream. Streams
// already Idle count as done.
func (o *Orchestrator) Stop(ctx context.Context, streams []*stream.Stream, release bool) error {
	if err := checkStreams(streams); err != nil {
		return err
	}
	r, err := o.begin(keysOf(streams))
	if err != nil {
		return err
	}
	defer o.end(r)

	// a canceled predecessor has drained, so its late completions have landed
	active := []*stream.Stream{}
	for _, s := range streams {
		if s.State() != models.Idle || s.Pending() {
			active = append(active, s)
			continue
		}
		r.op.Complete(s.ID().String(), nil)
	}
	if len(active) == 0 {
		return errors.Wrap(models.ErrAlreadyIdle, "unicast stop")
	}

	o.logger.Infow("Stopping streams", "op", r.op.ID(), "streams", len(active), "release", release)
	for _, group := range byConn(active) {
		r.workers.Add(1)
		go func(group []*stream.Stream) {
			defer r.workers.Done()
			for _, s := range group {
				if r.op.Canceled() {
					return
				}
				err := settle(ctx, s)
				if err == nil {
					err = s.Stop(ctx, release)
				}
				if errors.Cause(err) == models.ErrAlreadyIdle {
					err = nil
				}
				r.op.Complete(s.ID().String(), err)
			}
		}(group)
	}
	return o.wait(ctx, r)
}

// settle waits out a request left pending by a caller that gave up on it.
// The stream abandons such a request after its round trip timeout.
func settle(ctx context.Context, s *stream.Stream) error {
	tick := time.NewTicker(settlePoll)
	defer tick.Stop()
	for s.Pending() {
		select {
		case <-ctx.Done():
			return errors.Wrapf(models.ErrCanceled, "%s: %v", s, ctx.Err())
		case <-tick.C:
		}
	}
	return nil
}
