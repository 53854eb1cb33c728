// Package stream implements the per stream state machine shared by unicast
// and broadcast audio streams.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/registry"
	"github.com/Krajiyah/leaudio-sdk/pkg/transport"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Deps are the collaborators every stream of a pool shares
type Deps struct {
	Transport transport.Transport
	Registry  *registry.Registry
	Hub       *transport.Hub
	// Timeout bounds every remote round trip
	Timeout time.Duration
	// Observer, when set, is subscribed to every allocated stream
	Observer models.StreamObserver
	Logger   *zap.SugaredLogger
}

type pendingOp struct {
	req  transport.Request
	done chan error
}

type callback func(models.StreamObserver)

// Stream is one audio data path. It has at most one pending remote request.
type Stream struct {
	mutex     sync.Mutex
	id        models.StreamID
	dir       models.Direction
	broadcast bool
	state     models.StreamState
	ep        models.EndpointID
	conn      models.ConnID
	codec     models.CodecConfig
	qos       models.QoS
	meta      models.Metadata
	seq       uint16
	pending   *pendingOp
	observers map[int]models.StreamObserver
	nextObs   int
	deps      *Deps
	logger    *zap.SugaredLogger
}

func newStream(id models.StreamID, dir models.Direction, broadcast bool, deps *Deps) *Stream {
	s := &Stream{
		id:        id,
		dir:       dir,
		broadcast: broadcast,
		observers: map[int]models.StreamObserver{},
		deps:      deps,
		logger:    util.NamedLogger(deps.Logger, "stream"),
	}
	if deps.Observer != nil {
		s.Subscribe(deps.Observer)
	}
	return s
}

func (s *Stream) ID() models.StreamID   { return s.id }
func (s *Stream) Dir() models.Direction { return s.dir }
func (s *Stream) IsBroadcast() bool     { return s.broadcast }
func (s *Stream) String() string        { return s.id.String() }

func (s *Stream) State() models.StreamState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Conn is the connection of the bound endpoint
func (s *Stream) Conn() models.ConnID {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.conn
}

func (s *Stream) Endpoint() models.EndpointID {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.ep
}

func (s *Stream) QoS() models.QoS {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.qos
}

// Codec returns a copy of the stored codec configuration
func (s *Stream) Codec() models.CodecConfig {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.codec.Clone()
}

// Metadata returns a copy of the active metadata
func (s *Stream) Metadata() models.Metadata {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.meta.Clone()
}

// Pending reports whether a remote request is in flight
func (s *Stream) Pending() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.pending != nil
}

// Subscribe registers obs and returns a function removing it again
func (s *Stream) Subscribe(obs models.StreamObserver) func() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	key := s.nextObs
	s.nextObs++
	s.observers[key] = obs
	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		delete(s.observers, key)
	}
}

// NextSeq returns the sequence number of the next transmitted SDU
func (s *Stream) NextSeq() (uint16, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != models.Streaming {
		return 0, errors.Wrapf(models.ErrInvalidState, "%s is %s", s.id, s.state)
	}
	seq := s.seq
	s.seq++
	return seq, nil
}

func (s *Stream) setStateLocked(to models.StreamState) {
	s.logger.Debugw("State changed", "stream", s.id, "dir", s.dir, "from", s.state, "to", to)
	s.state = to
}

// checkLocked verifies there is no pending request and the state is one of allowed
func (s *Stream) checkLocked(allowed ...models.StreamState) error {
	if s.pending != nil {
		return errors.Wrapf(models.ErrAlreadyInProgress, "%s has pending %s", s.id, s.pending.req.Kind)
	}
	for _, st := range allowed {
		if s.state == st {
			return nil
		}
	}
	return errors.Wrapf(models.ErrInvalidState, "%s is %s", s.id, s.state)
}

func (s *Stream) beginLocked(req transport.Request) *pendingOp {
	req.Stream = s.id
	req.Dir = s.dir
	if !req.Endpoint.Valid() {
		req.Endpoint = s.ep
	}
	if req.Conn == 0 {
		req.Conn = s.conn
	}
	p := &pendingOp{req: req, done: make(chan error, 1)}
	s.pending = p
	return p
}

func (s *Stream) abandon(p *pendingOp) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.pending != p {
		return false
	}
	s.pending = nil
	return true
}

func (s *Stream) timeout() time.Duration {
	if s.deps.Timeout <= 0 {
		return util.DefaultRoundTripTimeout
	}
	return s.deps.Timeout
}

// roundTrip submits p and waits for its completion. A timeout is reported
// like a rejection and the late completion is dropped. When ctx ends first the
// request stays pending so a late completion still applies.
func (s *Stream) roundTrip(ctx context.Context, p *pendingOp) error {
	err := util.CatchErrs(func() error { return s.deps.Transport.Submit(p.req) })
	if err != nil {
		s.abandon(p)
		return errors.Wrapf(models.ErrRejected, "submit %s: %v", p.req, err)
	}
	timer := time.NewTimer(s.timeout())
	defer timer.Stop()
	select {
	case err = <-p.done:
	case <-timer.C:
		if s.abandon(p) {
			s.logger.Warnw("Round trip timed out", "stream", s.id, "kind", p.req.Kind)
			return errors.Wrapf(models.ErrTimeout, "%s", p.req)
		}
		err = <-p.done
	case <-ctx.Done():
		go s.expire(p)
		return errors.Wrapf(models.ErrCanceled, "%s: %v", p.req, ctx.Err())
	}
	if err != nil {
		return errors.Wrapf(models.ErrRejected, "%s: %v", p.req, err)
	}
	return nil
}

func (s *Stream) expire(p *pendingOp) {
	timer := time.NewTimer(s.timeout())
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		s.abandon(p)
	}
}

func (s *Stream) observersLocked() []models.StreamObserver {
	ret := make([]models.StreamObserver, 0, len(s.observers))
	for _, o := range s.observers {
		ret = append(ret, o)
	}
	return ret
}

func (s *Stream) fire(cb callback, obs []models.StreamObserver) {
	if cb == nil {
		return
	}
	for _, o := range obs {
		cb(o)
	}
}

func (s *Stream) started() callback {
	id := s.id
	return func(o models.StreamObserver) { o.OnStarted(id) }
}

func (s *Stream) stopped(reason error) callback {
	id := s.id
	return func(o models.StreamObserver) { o.OnStopped(id, reason) }
}

func (s *Stream) metadataUpdated() callback {
	id := s.id
	return func(o models.StreamObserver) { o.OnMetadataUpdated(id) }
}

func (s *Stream) released() callback {
	id := s.id
	return func(o models.StreamObserver) { o.OnReleased(id) }
}

// resetLocked drops the endpoint binding and configuration and goes Idle
func (s *Stream) resetLocked() {
	if s.ep.Valid() && s.deps.Registry != nil {
		s.deps.Registry.Unbind(s.ep, s.id)
	}
	s.ep = models.EndpointID{}
	s.conn = 0
	s.codec = models.CodecConfig{}
	s.qos = models.QoS{}
	s.meta = nil
	s.seq = 0
	s.setStateLocked(models.Idle)
}

// HandleEvent applies a transport event routed to this stream
func (s *Stream) HandleEvent(ev transport.Event) {
	switch e := ev.(type) {
	case transport.StreamCompleted:
		s.complete(e)
	case transport.RemoteStateChanged:
		s.HandleRemoteState(e.State)
	default:
		s.logger.Debugw("Ignoring event", "stream", s.id, "event", ev)
	}
}

func (s *Stream) complete(e transport.StreamCompleted) {
	s.mutex.Lock()
	p := s.pending
	if p == nil || p.req.Kind != e.Kind {
		s.mutex.Unlock()
		s.logger.Debugw("Dropping unexpected completion", "stream", s.id, "kind", e.Kind)
		return
	}
	s.pending = nil
	var cb callback
	var obs []models.StreamObserver
	if e.Err == nil {
		cb = s.applyLocked(p.req)
		obs = s.observersLocked()
	}
	s.mutex.Unlock()
	s.fire(cb, obs)
	p.done <- e.Err
}

// applyLocked moves the stream to the state an acknowledged request leads to
func (s *Stream) applyLocked(req transport.Request) callback {
	switch req.Kind {
	case transport.OpConfigure:
		s.codec = req.Codec
		s.seq = 0
		s.setStateLocked(models.Configured)
	case transport.OpQoS:
		s.qos = req.QoS
		s.setStateLocked(models.QoSConfigured)
	case transport.OpEnable:
		s.meta = req.Meta
		s.setStateLocked(models.Enabling)
	case transport.OpConnect:
		if s.dir == models.Sink {
			s.setStateLocked(models.Streaming)
			return s.started()
		}
	case transport.OpStart:
		s.setStateLocked(models.Streaming)
		return s.started()
	case transport.OpMetadata:
		s.meta = req.Meta
		return s.metadataUpdated()
	case transport.OpDisable:
		wasStreaming := s.state == models.Streaming
		if s.dir == models.Source {
			s.setStateLocked(models.Disabling)
		} else {
			s.setStateLocked(models.QoSConfigured)
		}
		if wasStreaming {
			return s.stopped(nil)
		}
	case transport.OpStop:
		s.setStateLocked(models.QoSConfigured)
	case transport.OpRelease:
		s.resetLocked()
		return s.released()
	}
	return nil
}
