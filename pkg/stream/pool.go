package stream

import (
	"sync"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type poolSlot struct {
	gen    uint32
	stream *Stream
}

// Pool is an arena of streams handed out as generation checked handles
type Pool struct {
	mutex  sync.Mutex
	slots  []poolSlot
	deps   *Deps
	logger *zap.SugaredLogger
}

// NewPool returns a pool of capacity streams sharing deps
func NewPool(capacity int, deps Deps) *Pool {
	return &Pool{
		slots:  make([]poolSlot, capacity),
		deps:   &deps,
		logger: util.NamedLogger(deps.Logger, "pool"),
	}
}

func (p *Pool) freeLocked() []int {
	ret := []int{}
	for i, slot := range p.slots {
		if slot.stream == nil {
			ret = append(ret, i)
		}
	}
	return ret
}

func (p *Pool) allocLocked(i int, dir models.Direction, broadcast bool) *Stream {
	slot := &p.slots[i]
	slot.gen++
	id := models.StreamID{Index: uint16(i), Gen: slot.gen}
	s := newStream(id, dir, broadcast, p.deps)
	slot.stream = s
	if p.deps.Hub != nil {
		p.deps.Hub.RegisterStream(id, s.HandleEvent)
	}
	return s
}

// Alloc hands out an idle unicast stream
func (p *Pool) Alloc(dir models.Direction) (*Stream, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	free := p.freeLocked()
	if len(free) == 0 {
		return nil, errors.Wrap(models.ErrNoResources, "stream pool exhausted")
	}
	s := p.allocLocked(free[0], dir, false)
	p.logger.Debugw("Allocated stream", "stream", s.id, "dir", dir)
	return s, nil
}

// AllocBroadcast hands out n broadcast streams or none at all
func (p *Pool) AllocBroadcast(n int, dir models.Direction) ([]*Stream, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	free := p.freeLocked()
	if n <= 0 || len(free) < n {
		return nil, errors.Wrapf(models.ErrNoResources, "%d broadcast streams requested, %d free", n, len(free))
	}
	ret := make([]*Stream, n)
	for i := range ret {
		ret[i] = p.allocLocked(free[i], dir, true)
	}
	p.logger.Debugw("Allocated broadcast streams", "count", n, "dir", dir)
	return ret, nil
}

// Get resolves a handle
func (p *Pool) Get(id models.StreamID) (*Stream, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if !id.Valid() || int(id.Index) >= len(p.slots) {
		return nil, errors.Wrapf(models.ErrStaleHandle, "%s", id)
	}
	slot := p.slots[id.Index]
	if slot.stream == nil || slot.gen != id.Gen {
		return nil, errors.Wrapf(models.ErrStaleHandle, "%s", id)
	}
	return slot.stream, nil
}

// Release returns an idle stream to the pool. Its handle becomes stale.
func (p *Pool) Release(s *Stream) error {
	s.mutex.Lock()
	state, pending := s.state, s.pending != nil
	s.mutex.Unlock()
	if pending || !(state == models.Idle || (s.broadcast && state == models.Configured)) {
		return errors.Wrapf(models.ErrInvalidState, "%s is %s", s.id, state)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if int(s.id.Index) >= len(p.slots) || p.slots[s.id.Index].stream != s {
		return errors.Wrapf(models.ErrStaleHandle, "%s", s.id)
	}
	if s.broadcast {
		s.mutex.Lock()
		s.resetLocked()
		s.mutex.Unlock()
	}
	p.slots[s.id.Index].stream = nil
	if p.deps.Hub != nil {
		p.deps.Hub.UnregisterStream(s.id)
	}
	p.logger.Debugw("Released stream", "stream", s.id)
	return nil
}

// Free counts unallocated streams
func (p *Pool) Free() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.freeLocked())
}

// Capacity is the number of stream slots
func (p *Pool) Capacity() int { return len(p.slots) }
