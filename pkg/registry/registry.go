// Package registry tracks the remote audio endpoints discovered on each connection.
package registry

import (
	"sync"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Endpoint is a remote capability slot of one connection and direction
type Endpoint struct {
	ID   models.EndpointID
	Conn models.ConnID
	Dir  models.Direction
	Caps []models.Capability
	// Stream is the stream currently bound, invalid when unbound
	Stream models.StreamID
}

type slot struct {
	gen  uint32
	used bool
	ep   Endpoint
}

// Registry is an arena of endpoints addressed by generation checked handles
type Registry struct {
	mutex  sync.Mutex
	slots  []slot
	logger *zap.SugaredLogger
}

// New returns a registry holding at most capacity endpoints
func New(capacity int, logger *zap.SugaredLogger) *Registry {
	return &Registry{slots: make([]slot, capacity), logger: util.NamedLogger(logger, "registry")}
}

// lookup must be called with the mutex held
func (r *Registry) lookup(id models.EndpointID) (*slot, error) {
	if !id.Valid() || int(id.Index) >= len(r.slots) {
		return nil, errors.Wrapf(models.ErrStaleHandle, "%s", id)
	}
	s := &r.slots[id.Index]
	if !s.used || s.gen != id.Gen {
		return nil, errors.Wrapf(models.ErrStaleHandle, "%s", id)
	}
	return s, nil
}

// AddEndpoint records a discovered endpoint
func (r *Registry) AddEndpoint(conn models.ConnID, dir models.Direction, caps []models.Capability) (models.EndpointID, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i := range r.slots {
		s := &r.slots[i]
		if s.used {
			continue
		}
		s.gen++
		s.used = true
		id := models.EndpointID{Index: uint16(i), Gen: s.gen}
		s.ep = Endpoint{ID: id, Conn: conn, Dir: dir, Caps: append([]models.Capability(nil), caps...)}
		r.logger.Debugw("Added endpoint", "endpoint", id, "conn", conn, "dir", dir)
		return id, nil
	}
	return models.EndpointID{}, errors.Wrap(models.ErrNoResources, "endpoint table full")
}

// Endpoint returns a copy of the endpoint behind id
func (r *Registry) Endpoint(id models.EndpointID) (Endpoint, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return Endpoint{}, err
	}
	return s.ep, nil
}

// Endpoints lists the endpoints of a connection and direction
func (r *Registry) Endpoints(conn models.ConnID, dir models.Direction) []models.EndpointID {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	ret := []models.EndpointID{}
	for _, s := range r.slots {
		if s.used && s.ep.Conn == conn && s.ep.Dir == dir {
			ret = append(ret, s.ep.ID)
		}
	}
	return ret
}

// FreeEndpoint returns an unbound endpoint of conn and dir
func (r *Registry) FreeEndpoint(conn models.ConnID, dir models.Direction) (models.EndpointID, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, s := range r.slots {
		if s.used && s.ep.Conn == conn && s.ep.Dir == dir && !s.ep.Stream.Valid() {
			return s.ep.ID, nil
		}
	}
	return models.EndpointID{}, errors.Wrapf(models.ErrNoResources, "no free %s endpoint on conn %d", dir, conn)
}

// Bind attaches stream to the endpoint. An endpoint serves one stream at a time.
func (r *Registry) Bind(id models.EndpointID, stream models.StreamID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if s.ep.Stream.Valid() && s.ep.Stream != stream {
		return errors.Wrapf(models.ErrNoResources, "%s bound to %s", id, s.ep.Stream)
	}
	s.ep.Stream = stream
	return nil
}

// Unbind detaches stream from the endpoint if it is the bound one
func (r *Registry) Unbind(id models.EndpointID, stream models.StreamID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return
	}
	if s.ep.Stream == stream {
		s.ep.Stream = models.StreamID{}
	}
}

// Bindings counts endpoints with a bound stream
func (r *Registry) Bindings() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.used && s.ep.Stream.Valid() {
			n++
		}
	}
	return n
}

// RemoveConn forgets every endpoint of a disconnected device and returns the
// streams that were bound to them
func (r *Registry) RemoveConn(conn models.ConnID) []models.StreamID {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	ret := []models.StreamID{}
	for i := range r.slots {
		s := &r.slots[i]
		if !s.used || s.ep.Conn != conn {
			continue
		}
		if s.ep.Stream.Valid() {
			ret = append(ret, s.ep.Stream)
		}
		s.used = false
		s.ep = Endpoint{}
	}
	r.logger.Debugw("Removed connection", "conn", conn, "boundStreams", len(ret))
	return ret
}
