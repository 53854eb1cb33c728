package transport

import (
	"sync"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"go.uber.org/zap"
)

// Handler consumes events routed to it
type Handler func(Event)

// Hub routes transport events to the handler registered for the stream or
// sync handle they are keyed by
type Hub struct {
	mutex   sync.RWMutex
	streams map[models.StreamID]Handler
	syncs   map[SyncHandle]Handler
	logger  *zap.SugaredLogger
}

// NewHub returns an empty hub
func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		streams: map[models.StreamID]Handler{},
		syncs:   map[SyncHandle]Handler{},
		logger:  util.NamedLogger(logger, "hub"),
	}
}

// RegisterStream routes events of id to h, replacing any previous handler
func (h *Hub) RegisterStream(id models.StreamID, fn Handler) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.streams[id] = fn
}

func (h *Hub) UnregisterStream(id models.StreamID) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.streams, id)
}

// RegisterSync routes events of a periodic advertising sync to fn
func (h *Hub) RegisterSync(handle SyncHandle, fn Handler) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.syncs[handle] = fn
}

func (h *Hub) UnregisterSync(handle SyncHandle) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.syncs, handle)
}

func (h *Hub) streamHandler(id models.StreamID) Handler {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.streams[id]
}

func (h *Hub) syncHandler(handle SyncHandle) Handler {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.syncs[handle]
}

// Dispatch delivers ev to its owner. Events without an owner are dropped.
func (h *Hub) Dispatch(ev Event) {
	var fn Handler
	switch e := ev.(type) {
	case StreamCompleted:
		fn = h.streamHandler(e.Stream)
	case RemoteStateChanged:
		fn = h.streamHandler(e.Stream)
	case BISEstablished:
		fn = h.streamHandler(e.Stream)
	case BISStopped:
		fn = h.streamHandler(e.Stream)
	case PASynced:
		fn = h.syncHandler(e.Sync)
	case PASyncLost:
		fn = h.syncHandler(e.Sync)
	case PeriodicData:
		fn = h.syncHandler(e.Sync)
	case BIGInfo:
		fn = h.syncHandler(e.Sync)
	}
	if fn == nil {
		h.logger.Debugw("Dropping event without owner", "event", ev)
		return
	}
	fn(ev)
}
