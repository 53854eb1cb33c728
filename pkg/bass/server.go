// Package bass relays broadcast reception between assistants and acceptors.
// The acceptor keeps a table of receive states and notifies every connected
// assistant of each change; the assistant caches those states and validates
// its control operations against them.
package bass

import (
	"context"
	"sync"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/bradfitz/slice"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Receiver does the actual reception work for an acceptor
type Receiver interface {
	// SyncPA synchronizes to the periodic advertising train of rs and reports
	// whether the broadcast is encrypted
	SyncPA(ctx context.Context, rs models.ReceiveState) (encrypted bool, err error)
	// SyncBIS joins the BIS of bitmap and returns the indices actually synced
	SyncBIS(ctx context.Context, sourceID uint8, bitmap models.BISBitmap, code *models.BroadcastCode) (models.BISBitmap, error)
	StopBIS(ctx context.Context, sourceID uint8) error
	StopPA(sourceID uint8) error
}

type source struct {
	state     models.ReceiveState
	encrypted bool
	code      *models.BroadcastCode
	badCode   *models.BroadcastCode
	requested []models.BISBitmap
}

func (s *source) wanted() models.BISBitmap {
	var ret models.BISBitmap
	for _, b := range s.requested {
		ret |= b
	}
	return ret
}

// Server is the acceptor side receive state table
type Server struct {
	// ops serializes control operations
	ops        sync.Mutex
	mutex      sync.Mutex
	slots      []*source
	nextID     uint8
	receiver   Receiver
	assistants map[models.ConnID]models.ReceiveStateListener
	logger     *zap.SugaredLogger
}

// NewServer returns an acceptor with the given number of receive state slots
func NewServer(slots int, receiver Receiver, logger *zap.SugaredLogger) *Server {
	return &Server{
		slots:      make([]*source, slots),
		receiver:   receiver,
		assistants: map[models.ConnID]models.ReceiveStateListener{},
		logger:     util.NamedLogger(logger, "bass_server"),
	}
}

// Connect subscribes an assistant connection to receive state notifications.
// The current table is replayed to it.
func (s *Server) Connect(conn models.ConnID, l models.ReceiveStateListener) {
	s.mutex.Lock()
	s.assistants[conn] = l
	s.mutex.Unlock()
	for _, rs := range s.States() {
		l.OnReceiveStateChanged(conn, rs)
	}
}

func (s *Server) Disconnect(conn models.ConnID) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.assistants, conn)
}

// States returns every receive state ordered by source id
func (s *Server) States() []models.ReceiveState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ret := []models.ReceiveState{}
	for _, src := range s.slots {
		if src != nil {
			ret = append(ret, src.state.Clone())
		}
	}
	slice.Sort(ret, func(i, j int) bool { return ret[i].SourceID < ret[j].SourceID })
	return ret
}

// State returns the receive state of sourceID
func (s *Server) State(sourceID uint8) (models.ReceiveState, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	src, err := s.lookupLocked(sourceID)
	if err != nil {
		return models.ReceiveState{}, err
	}
	return src.state.Clone(), nil
}

func (s *Server) lookupLocked(sourceID uint8) (*source, error) {
	for _, src := range s.slots {
		if src != nil && src.state.SourceID == sourceID {
			return src, nil
		}
	}
	return nil, errors.Wrapf(models.ErrInvalidArgument, "unknown source id %d", sourceID)
}

func (s *Server) lookup(sourceID uint8) (*source, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lookupLocked(sourceID)
}

// update applies fn to the receive state of src and notifies every assistant
func (s *Server) update(src *source, fn func(*models.ReceiveState)) {
	s.mutex.Lock()
	fn(&src.state)
	rs := src.state.Clone()
	assistants := s.assistantsLocked()
	s.mutex.Unlock()
	s.logger.Debugw("Receive state changed", "source_id", rs.SourceID, "pa", rs.PASync, "enc", rs.Encryption, "bis", rs.BISSync())
	for conn, l := range assistants {
		l.OnReceiveStateChanged(conn, rs)
	}
}

func (s *Server) assistantsLocked() map[models.ConnID]models.ReceiveStateListener {
	ret := make(map[models.ConnID]models.ReceiveStateListener, len(s.assistants))
	for conn, l := range s.assistants {
		ret[conn] = l
	}
	return ret
}

// Handle executes one control operation written by the assistant on conn
func (s *Server) Handle(ctx context.Context, conn models.ConnID, req models.ControlRequest) error {
	s.ops.Lock()
	defer s.ops.Unlock()
	s.logger.Debugw("Control operation", "conn", conn, "op", req)
	switch r := req.(type) {
	case models.AddSourceRequest:
		return s.addSource(ctx, r)
	case models.ModifySourceRequest:
		return s.modifySource(ctx, r)
	case models.RemoveSourceRequest:
		return s.removeSource(ctx, r)
	case models.SetBroadcastCodeRequest:
		return s.setBroadcastCode(ctx, r)
	}
	return errors.Wrapf(models.ErrInvalidArgument, "unsupported control operation %T", req)
}

func (s *Server) addSource(ctx context.Context, r models.AddSourceRequest) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mutex.Lock()
	free := -1
	for i, src := range s.slots {
		if src == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if src.state.BroadcastID == r.BroadcastID && src.state.SID == r.SID && util.AddrEqualAddr(src.state.Addr, r.Addr) {
			s.mutex.Unlock()
			return errors.Wrapf(models.ErrInvalidArgument, "broadcast %#x already added as source %d", uint32(r.BroadcastID), src.state.SourceID)
		}
	}
	if free < 0 {
		s.mutex.Unlock()
		return errors.Wrap(models.ErrNoResources, "no free receive state")
	}
	s.nextID++
	src := &source{state: models.ReceiveState{
		SourceID:    s.nextID,
		Addr:        r.Addr,
		SID:         r.SID,
		BroadcastID: r.BroadcastID,
		PAInterval:  r.PAInterval,
	}}
	for _, sg := range r.Subgroups {
		src.state.Subgroups = append(src.state.Subgroups, models.SubgroupState{Metadata: sg.Metadata.Clone()})
		src.requested = append(src.requested, sg.BISSync)
	}
	s.slots[free] = src
	s.mutex.Unlock()

	s.logger.Infow("Added source", "source_id", src.state.SourceID, "broadcast_id", r.BroadcastID)
	s.update(src, func(*models.ReceiveState) {})
	if r.PASync {
		s.syncPA(ctx, src)
	}
	return nil
}

func (s *Server) syncPA(ctx context.Context, src *source) {
	s.mutex.Lock()
	rs := src.state.Clone()
	s.mutex.Unlock()
	if rs.PASync == models.PASynced {
		s.syncBIS(ctx, src)
		return
	}
	s.update(src, func(st *models.ReceiveState) { st.PASync = models.PASyncInfoRequested })
	encrypted, err := s.receiver.SyncPA(ctx, rs)
	if err != nil {
		s.logger.Warnw("PA sync failed", "source_id", rs.SourceID, "err", err)
		s.update(src, func(st *models.ReceiveState) { st.PASync = models.PASyncFailed })
		return
	}
	s.mutex.Lock()
	src.encrypted = encrypted
	s.mutex.Unlock()
	s.update(src, func(st *models.ReceiveState) {
		st.PASync = models.PASynced
		if encrypted && st.Encryption == models.NotEncrypted {
			st.Encryption = models.CodeRequired
		}
	})
	s.syncBIS(ctx, src)
}

// syncBIS joins the requested BIS once PA is synced and a needed code is known
func (s *Server) syncBIS(ctx context.Context, src *source) {
	s.mutex.Lock()
	wanted := src.wanted()
	rs := src.state.Clone()
	encrypted, code, bad := src.encrypted, src.code, src.badCode
	s.mutex.Unlock()
	if wanted == 0 || rs.PASync != models.PASynced {
		return
	}
	if encrypted && code == nil {
		s.update(src, func(st *models.ReceiveState) { st.Encryption = models.CodeRequired })
		return
	}
	if encrypted && bad != nil && *bad == *code {
		return
	}
	synced, err := s.receiver.SyncBIS(ctx, rs.SourceID, wanted, code)
	if errors.Cause(err) == models.ErrBadCode {
		s.logger.Warnw("Bad broadcast code", "source_id", rs.SourceID)
		s.mutex.Lock()
		bad := *code
		src.badCode = &bad
		s.mutex.Unlock()
		s.update(src, func(st *models.ReceiveState) {
			st.Encryption = models.BadCode
			st.BadCode = bad
			for i := range st.Subgroups {
				st.Subgroups[i].BISSync = 0
			}
		})
		return
	}
	if err != nil {
		s.logger.Warnw("BIS sync failed", "source_id", rs.SourceID, "err", err)
	}
	s.mutex.Lock()
	perSubgroup := split(synced, src.requested)
	s.mutex.Unlock()
	s.update(src, func(st *models.ReceiveState) {
		if encrypted {
			st.Encryption = models.Decrypting
			st.BadCode = models.BroadcastCode{}
		}
		for i := range st.Subgroups {
			st.Subgroups[i].BISSync = perSubgroup[i]
		}
	})
}

// split distributes synced indices over the subgroups that asked for them.
// Indices not claimed explicitly go to the first no-preference subgroup.
func split(synced models.BISBitmap, requested []models.BISBitmap) []models.BISBitmap {
	ret := make([]models.BISBitmap, len(requested))
	rest := synced
	for i, want := range requested {
		if want != models.BISSyncNoPreference {
			ret[i] = synced & want
			rest &^= ret[i]
		}
	}
	for i, want := range requested {
		if want == models.BISSyncNoPreference {
			ret[i] = rest
			rest = 0
		}
	}
	return ret
}

func (s *Server) stopBIS(ctx context.Context, src *source) error {
	s.mutex.Lock()
	synced := src.state.BISSync()
	id := src.state.SourceID
	s.mutex.Unlock()
	if synced == 0 {
		return nil
	}
	if err := s.receiver.StopBIS(ctx, id); err != nil {
		return errors.Wrap(err, "StopBIS issue: ")
	}
	s.update(src, func(st *models.ReceiveState) {
		for i := range st.Subgroups {
			st.Subgroups[i].BISSync = 0
		}
	})
	return nil
}

func (s *Server) modifySource(ctx context.Context, r models.ModifySourceRequest) error {
	if err := r.Validate(); err != nil {
		return err
	}
	src, err := s.lookup(r.SourceID)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	if len(r.Subgroups) != len(src.state.Subgroups) {
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrInvalidArgument, "%d subgroups for source with %d", len(r.Subgroups), len(src.state.Subgroups))
	}
	prev := src.wanted()
	for i, sg := range r.Subgroups {
		src.requested[i] = sg.BISSync
	}
	next := src.wanted()
	s.mutex.Unlock()

	s.update(src, func(st *models.ReceiveState) {
		if r.PAInterval != 0 {
			st.PAInterval = r.PAInterval
		}
		for i, sg := range r.Subgroups {
			if len(sg.Metadata) > 0 {
				st.Subgroups[i].Metadata = sg.Metadata.Clone()
			}
		}
	})
	if !r.PASync {
		return s.unsync(ctx, src)
	}
	if prev != next {
		if err := s.stopBIS(ctx, src); err != nil {
			return err
		}
	}
	s.syncPA(ctx, src)
	return nil
}

// unsync leaves BIS and PA of src
func (s *Server) unsync(ctx context.Context, src *source) error {
	if err := s.stopBIS(ctx, src); err != nil {
		return err
	}
	s.mutex.Lock()
	synced := src.state.PASync == models.PASynced
	id := src.state.SourceID
	s.mutex.Unlock()
	if synced {
		if err := s.receiver.StopPA(id); err != nil {
			return errors.Wrap(err, "StopPA issue: ")
		}
	}
	s.update(src, func(st *models.ReceiveState) { st.PASync = models.PANotSynced })
	return nil
}

func (s *Server) removeSource(ctx context.Context, r models.RemoveSourceRequest) error {
	src, err := s.lookup(r.SourceID)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	busy := src.state.PASync == models.PASynced || src.state.BISSync() != 0
	if busy {
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrInvalidState, "source %d still synchronized", r.SourceID)
	}
	for i, candidate := range s.slots {
		if candidate == src {
			s.slots[i] = nil
		}
	}
	assistants := s.assistantsLocked()
	s.mutex.Unlock()
	s.logger.Infow("Removed source", "source_id", r.SourceID)
	for conn, l := range assistants {
		l.OnReceiveStateRemoved(conn, r.SourceID)
	}
	return nil
}

func (s *Server) setBroadcastCode(ctx context.Context, r models.SetBroadcastCodeRequest) error {
	src, err := s.lookup(r.SourceID)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	if src.state.Encryption == models.BadCode && src.badCode != nil && *src.badCode == r.Code {
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrRejected, "source %d: code already failed", r.SourceID)
	}
	code := r.Code
	src.code = &code
	retry := src.state.Encryption == models.CodeRequired || src.state.Encryption == models.BadCode
	s.mutex.Unlock()
	if retry {
		s.syncBIS(ctx, src)
	}
	return nil
}

// SourceLost records that the receiver lost the PA sync of sourceID
func (s *Server) SourceLost(sourceID uint8, reason error) {
	src, err := s.lookup(sourceID)
	if err != nil {
		return
	}
	s.logger.Infow("Source lost", "source_id", sourceID, "reason", reason)
	s.update(src, func(st *models.ReceiveState) {
		st.PASync = models.PANotSynced
		for i := range st.Subgroups {
			st.Subgroups[i].BISSync = 0
		}
	})
}
