package broadcast

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/operation"
	"github.com/Krajiyah/leaudio-sdk/pkg/stream"
	"github.com/Krajiyah/leaudio-sdk/pkg/transport"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/currantlabs/ble"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ScanReport is one advertising report together with the extended
// advertising fields ble.Advertisement doesn't carry
type ScanReport struct {
	Adv        ble.Advertisement
	SID        uint8
	PAInterval uint16
}

// SinkParams tune what a sink latches on to
type SinkParams struct {
	// TargetID restricts scanning to one broadcast unless models.InvalidBroadcastID
	TargetID models.BroadcastID
	// TargetName restricts scanning to a broadcast name when not empty
	TargetName string
	// Memory is how many handled broadcasts are skipped while scanning
	Memory int
	// TimeoutRatio derives the sync timeout from the PA interval
	TimeoutRatio int
}

// Sink follows one broadcast source from discovery to synchronized BIS
type Sink struct {
	mutex     sync.Mutex
	deps      Deps
	params    SinkParams
	handled   *lru.Cache
	listeners map[int]models.BroadcastSinkListener
	nextL     int
	state     models.SinkState
	found     *models.BroadcastInfo
	sync      transport.SyncHandle
	syncing   bool
	paDone    chan error
	base      *BASE
	baseRaw   []byte
	bigInfo   *transport.BIGInfo
	big       transport.BIGHandle
	bigActive bool
	streams   []*stream.Stream
	bindings  []transport.BISBinding
	op        *operation.Operation
	changed   chan struct{}
	logger    *zap.SugaredLogger
}

// NewSink returns an idle sink
func NewSink(deps Deps, params SinkParams) (*Sink, error) {
	if params.Memory <= 0 {
		params.Memory = 16
	}
	if params.TimeoutRatio <= 0 {
		params.TimeoutRatio = util.DefaultPASyncRatio
	}
	handled, err := lru.New(params.Memory)
	if err != nil {
		return nil, errors.Wrap(err, "lru.New issue: ")
	}
	return &Sink{
		deps:      deps,
		params:    params,
		handled:   handled,
		listeners: map[int]models.BroadcastSinkListener{},
		changed:   make(chan struct{}),
		logger:    util.NamedLogger(deps.Logger, "broadcast_sink"),
	}, nil
}

// Subscribe registers l and returns a function removing it again
func (s *Sink) Subscribe(l models.BroadcastSinkListener) func() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	key := s.nextL
	s.nextL++
	s.listeners[key] = l
	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		delete(s.listeners, key)
	}
}

type notification func(models.BroadcastSinkListener)

func (s *Sink) listenersLocked() []models.BroadcastSinkListener {
	ret := make([]models.BroadcastSinkListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ret = append(ret, l)
	}
	return ret
}

func notify(ls []models.BroadcastSinkListener, n notification) {
	if n == nil {
		return
	}
	for _, l := range ls {
		n(l)
	}
}

// setStateLocked returns the listener notification of the transition
func (s *Sink) setStateLocked(to models.SinkState, reason error) notification {
	if s.state == to {
		return nil
	}
	s.logger.Debugw("State change", "from", s.state, "to", to, "reason", reason)
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	return func(l models.BroadcastSinkListener) { l.OnSinkStateChanged(to, reason) }
}

func (s *Sink) State() models.SinkState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Await blocks until the sink reached one of states or ctx ends
func (s *Sink) Await(ctx context.Context, states ...models.SinkState) (models.SinkState, error) {
	for {
		s.mutex.Lock()
		state, changed := s.state, s.changed
		s.mutex.Unlock()
		for _, want := range states {
			if state == want {
				return state, nil
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return state, errors.Wrapf(models.ErrCanceled, "sink is %s: %v", state, ctx.Err())
		}
	}
}

// Found returns the latched broadcast
func (s *Sink) Found() (models.BroadcastInfo, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.found == nil {
		return models.BroadcastInfo{}, false
	}
	return *s.found, true
}

// BASE returns the last announcement received over the PA sync
func (s *Sink) BASE() (BASE, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.base == nil {
		return BASE{}, false
	}
	return *s.base, true
}

// Encrypted reports whether the announced BIG needs a broadcast code
func (s *Sink) Encrypted() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.bigInfo != nil && s.bigInfo.Encrypted
}

// Streams returns the streams bound by the last Sync
func (s *Sink) Streams() []*stream.Stream {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]*stream.Stream(nil), s.streams...)
}

// SyncedBitmap returns the BIS indices currently streaming
func (s *Sink) SyncedBitmap() models.BISBitmap {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var ret models.BISBitmap
	for i, st := range s.streams {
		if st.State() == models.Streaming {
			ret = ret.With(s.bindings[i].Index)
		}
	}
	return ret
}

func broadcastIDOf(adv ble.Advertisement) (models.BroadcastID, bool) {
	for _, sd := range adv.ServiceData() {
		if !sd.UUID.Equal(ble.UUID16(util.BroadcastAudioAnnouncementUUID)) || len(sd.Data) < 3 {
			continue
		}
		id := uint32(sd.Data[0]) | uint32(sd.Data[1])<<8 | uint32(sd.Data[2])<<16
		return models.BroadcastID(id), true
	}
	return models.InvalidBroadcastID, false
}

// HandleReport latches the first broadcast not handled before. Further
// reports are ignored until the sink is reset. It reports whether r was latched.
func (s *Sink) HandleReport(r ScanReport) bool {
	if r.Adv == nil {
		return false
	}
	id, ok := broadcastIDOf(r.Adv)
	if !ok {
		return false
	}
	s.mutex.Lock()
	if s.found != nil || (s.state != models.SinkIdle && s.state != models.SinkScanning) {
		s.mutex.Unlock()
		return false
	}
	if s.handled.Contains(id) {
		s.mutex.Unlock()
		return false
	}
	if s.params.TargetID != models.InvalidBroadcastID && s.params.TargetID != id {
		s.mutex.Unlock()
		return false
	}
	if s.params.TargetName != "" && r.Adv.LocalName() != s.params.TargetName {
		s.mutex.Unlock()
		return false
	}
	info := models.BroadcastInfo{
		ID:         id,
		Addr:       r.Adv.Address(),
		SID:        r.SID,
		PAInterval: r.PAInterval,
		Name:       r.Adv.LocalName(),
	}
	s.found = &info
	s.handled.Add(id, struct{}{})
	n := s.setStateLocked(models.SinkScanning, nil)
	ls := s.listenersLocked()
	s.mutex.Unlock()

	s.logger.Infow("Found broadcast", "broadcast_id", id, "addr", info.Addr, "sid", info.SID)
	notify(ls, n)
	notify(ls, func(l models.BroadcastSinkListener) { l.OnBroadcastFound(info) })
	return true
}

// Target latches info directly, as when an assistant names the broadcast
func (s *Sink) Target(info models.BroadcastInfo) error {
	if !info.ID.Valid() {
		return errors.Wrapf(models.ErrInvalidArgument, "broadcast id %#x", uint32(info.ID))
	}
	s.mutex.Lock()
	switch s.state {
	case models.SinkIdle, models.SinkScanning, models.SinkPASyncLost:
	default:
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrInvalidState, "sink is %s", s.state)
	}
	s.found = &info
	s.handled.Add(info.ID, struct{}{})
	ls := s.listenersLocked()
	s.mutex.Unlock()
	notify(ls, func(l models.BroadcastSinkListener) { l.OnBroadcastFound(info) })
	return nil
}

// Scan feeds reports of scanner into HandleReport until a broadcast was
// latched or ctx ends
func (s *Sink) Scan(ctx context.Context, scanner transport.Scanner) (models.BroadcastInfo, error) {
	s.mutex.Lock()
	if s.state != models.SinkIdle && s.state != models.SinkScanning {
		s.mutex.Unlock()
		return models.BroadcastInfo{}, errors.Wrapf(models.ErrInvalidState, "sink is %s", s.state)
	}
	n := s.setStateLocked(models.SinkScanning, nil)
	ls := s.listenersLocked()
	s.mutex.Unlock()
	notify(ls, n)

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	err := scanner.Scan(scanCtx, true, func(a ble.Advertisement) {
		if s.HandleReport(ScanReport{Adv: a}) {
			cancel()
		}
	})
	if info, ok := s.Found(); ok {
		return info, nil
	}
	if err == nil {
		err = ctx.Err()
	}
	return models.BroadcastInfo{}, errors.Wrap(models.ErrCanceled, "scan ended: "+errString(err))
}

func errString(err error) string {
	if err == nil {
		return "no report"
	}
	return err.Error()
}

// Reset forgets the latched broadcast so scanning can pick another one
func (s *Sink) Reset() error {
	s.mutex.Lock()
	switch s.state {
	case models.SinkIdle, models.SinkScanning, models.SinkPASyncLost:
	default:
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrInvalidState, "sink is %s", s.state)
	}
	s.found = nil
	s.base, s.baseRaw, s.bigInfo = nil, nil, nil
	n := s.setStateLocked(models.SinkIdle, nil)
	ls := s.listenersLocked()
	s.mutex.Unlock()
	notify(ls, n)
	return nil
}

// CreatePASync synchronizes to the periodic advertising train of the latched
// broadcast. A zero timeout is derived from the PA interval.
func (s *Sink) CreatePASync(ctx context.Context, skip uint16, timeout uint16) error {
	s.mutex.Lock()
	if s.found == nil {
		s.mutex.Unlock()
		return errors.Wrap(models.ErrInvalidState, "no broadcast found")
	}
	switch s.state {
	case models.SinkScanning, models.SinkIdle, models.SinkPASyncLost:
	case models.SinkPASyncing:
		s.mutex.Unlock()
		return errors.Wrap(models.ErrAlreadyInProgress, "PA sync")
	default:
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrInvalidState, "sink is %s", s.state)
	}
	if timeout == 0 {
		timeout = util.PASyncTimeout(s.found.PAInterval, s.params.TimeoutRatio)
	}
	params := transport.PASyncParams{Addr: s.found.Addr, SID: s.found.SID, Skip: skip, Timeout: timeout}
	var handle transport.SyncHandle
	err := util.CatchErrs(func() error {
		h, e := s.deps.Transport.CreatePASync(params)
		handle = h
		return e
	})
	if err != nil {
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrRejected, "CreatePASync: %v", err)
	}
	s.sync = handle
	s.syncing = true
	done := make(chan error, 1)
	s.paDone = done
	s.base, s.baseRaw, s.bigInfo = nil, nil, nil
	s.deps.Hub.RegisterSync(handle, s.handleSync)
	n := s.setStateLocked(models.SinkPASyncing, nil)
	ls := s.listenersLocked()
	s.mutex.Unlock()
	notify(ls, n)
	s.logger.Debugw("Creating PA sync", "sync", handle, "skip", skip, "timeout", timeout)

	timer := time.NewTimer(s.deps.timeout())
	defer timer.Stop()
	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(models.ErrCanceled, ctx.Err().Error())
	case <-timer.C:
		s.abortPASync(handle)
		return errors.Wrap(models.ErrTimeout, "PA sync")
	}
}

func (s *Sink) abortPASync(handle transport.SyncHandle) {
	s.mutex.Lock()
	if s.sync != handle || s.state != models.SinkPASyncing {
		s.mutex.Unlock()
		return
	}
	s.syncing = false
	s.paDone = nil
	s.deps.Hub.UnregisterSync(handle)
	n := s.setStateLocked(models.SinkScanning, errors.Wrap(models.ErrTimeout, "PA sync"))
	ls := s.listenersLocked()
	s.mutex.Unlock()
	if err := util.CatchErrs(func() error { return s.deps.Transport.TerminatePASync(handle) }); err != nil {
		s.logger.Warnw("TerminatePASync failed", "err", err)
	}
	notify(ls, n)
}

func (s *Sink) signalPALocked(err error) {
	if s.paDone != nil {
		s.paDone <- err
		s.paDone = nil
	}
}

// syncableLocked moves to Syncable once both BASE and BIGInfo are known
func (s *Sink) syncableLocked() notification {
	if s.state == models.SinkPASynced && s.base != nil && s.bigInfo != nil {
		return s.setStateLocked(models.SinkSyncable, nil)
	}
	return nil
}

func (s *Sink) handleSync(ev transport.Event) {
	s.mutex.Lock()
	var n notification
	var lost []*stream.Stream
	var reason error
	switch e := ev.(type) {
	case transport.PASynced:
		if s.state != models.SinkPASyncing {
			break
		}
		if e.Interval != 0 {
			s.found.PAInterval = e.Interval
		}
		n = s.setStateLocked(models.SinkPASynced, nil)
		s.signalPALocked(nil)
		if next := s.syncableLocked(); next != nil {
			n = chain(n, next)
		}
	case transport.PeriodicData:
		raw, ok := FindBASE(e.Data)
		if !ok || bytes.Equal(raw, s.baseRaw) {
			break
		}
		base, err := ParseBASE(raw)
		if err != nil {
			s.logger.Debugw("Ignoring malformed BASE", "err", err)
			break
		}
		s.base = &base
		s.baseRaw = append([]byte(nil), raw...)
		s.logger.Debugw("Received BASE", "subgroups", len(base.Subgroups), "bis", base.NumBIS())
		n = s.syncableLocked()
	case transport.BIGInfo:
		info := e
		s.bigInfo = &info
		n = s.syncableLocked()
	case transport.PASyncLost:
		if !s.syncing {
			break
		}
		reason = e.Reason
		if reason == nil {
			reason = errors.New("PA sync lost")
		}
		s.syncing = false
		s.deps.Hub.UnregisterSync(s.sync)
		s.signalPALocked(errors.Wrapf(models.ErrRejected, "PA sync failed: %v", reason))
		lost = s.streams
		s.bigActive = false
		s.base, s.baseRaw, s.bigInfo = nil, nil, nil
		if s.op != nil {
			s.op.Expire(reason)
		}
		n = s.setStateLocked(models.SinkPASyncLost, reason)
	}
	ls := s.listenersLocked()
	s.mutex.Unlock()
	for _, st := range lost {
		st.BroadcastStopped(reason)
	}
	notify(ls, n)
}

func chain(a, b notification) notification {
	return func(l models.BroadcastSinkListener) {
		a(l)
		b(l)
	}
}

// SyncableBitmap is the lowest announced BIS indices, as many as the pool has
// free streams
func (s *Sink) SyncableBitmap() models.BISBitmap {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.base == nil {
		return 0
	}
	free := s.deps.Pool.Free()
	var ret models.BISBitmap
	for _, index := range s.base.BISBitmap().Indices() {
		if free == 0 {
			break
		}
		ret = ret.With(index)
		free--
	}
	return ret
}

// Sync joins the BIS of bitmap, binding them in ascending index order to
// streams. It returns once every BIS started or failed.
func (s *Sink) Sync(ctx context.Context, bitmap models.BISBitmap, streams []*stream.Stream, code *models.BroadcastCode) error {
	s.mutex.Lock()
	if s.state != models.SinkSyncable && s.state != models.SinkBISSyncStopped {
		state := s.state
		s.mutex.Unlock()
		if state == models.SinkBISSynced {
			return errors.Wrap(models.ErrAlreadyInProgress, "BIG sync")
		}
		return errors.Wrapf(models.ErrInvalidState, "sink is %s", state)
	}
	if err := s.validateSyncLocked(bitmap, streams, code); err != nil {
		s.mutex.Unlock()
		return err
	}
	indices := bitmap.Indices()
	bindings := make([]transport.BISBinding, len(indices))
	for i, index := range indices {
		sg, _ := s.base.SubgroupOf(index)
		codec := sg.Codec.Clone()
		for _, bis := range sg.BIS {
			if bis.Index == index {
				codec.Data = append(codec.Data, bis.Data...)
			}
		}
		if err := streams[i].AssignBroadcast(codec); err != nil {
			s.mutex.Unlock()
			return err
		}
		bindings[i] = transport.BISBinding{Index: index, Stream: streams[i].ID()}
		s.deps.Hub.RegisterStream(streams[i].ID(), s.handleStream)
	}
	op := operation.New(keysOf(streams))
	s.op = op
	s.streams = append([]*stream.Stream(nil), streams...)
	s.bindings = bindings
	var big transport.BIGHandle
	err := util.CatchErrs(func() error {
		h, e := s.deps.Transport.CreateBIGSync(s.sync, bindings, code)
		big = h
		return e
	})
	if err != nil {
		s.op = nil
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrRejected, "CreateBIGSync: %v", err)
	}
	s.big = big
	s.bigActive = true
	s.mutex.Unlock()
	s.logger.Debugw("Creating BIG sync", "big", big, "bis", indices)

	err = await(ctx, op, s.deps.timeout())
	if errors.Cause(err) == models.ErrCanceled {
		return err
	}
	s.mutex.Lock()
	s.op = nil
	lost := s.state == models.SinkPASyncLost
	synced := s.synced()
	s.mutex.Unlock()
	if badCode(err) {
		s.stopBIG(err)
		return errors.Wrap(models.ErrBadCode, "BIG sync")
	}
	if lost {
		return err
	}
	if !synced {
		s.stopBIG(err)
		return err
	}
	s.mutex.Lock()
	n := s.setStateLocked(models.SinkBISSynced, nil)
	ls := s.listenersLocked()
	s.mutex.Unlock()
	notify(ls, n)
	return err
}

func badCode(err error) bool {
	pf, ok := models.AsPartialFailure(err)
	if !ok {
		return false
	}
	for _, r := range pf.Results {
		if errors.Cause(r.Err) == models.ErrBadCode {
			return true
		}
	}
	return false
}

func (s *Sink) synced() bool {
	for _, st := range s.streams {
		if st.State() == models.Streaming {
			return true
		}
	}
	return false
}

func (s *Sink) validateSyncLocked(bitmap models.BISBitmap, streams []*stream.Stream, code *models.BroadcastCode) error {
	if bitmap == 0 {
		return errors.Wrap(models.ErrInvalidArgument, "empty BIS bitmap")
	}
	if bitmap&^s.base.BISBitmap() != 0 {
		return errors.Wrapf(models.ErrInvalidArgument, "BIS bitmap %#x not announced", uint32(bitmap))
	}
	if len(streams) != bitmap.Count() {
		return errors.Wrapf(models.ErrInvalidArgument, "%d streams for %d BIS", len(streams), bitmap.Count())
	}
	for _, st := range streams {
		if st == nil || !st.IsBroadcast() {
			return errors.Wrap(models.ErrInvalidArgument, "sync needs broadcast streams")
		}
		if st.State() != models.Idle {
			return errors.Wrapf(models.ErrInvalidState, "%s is %s", st, st.State())
		}
	}
	if s.bigInfo.Encrypted && code == nil {
		return errors.Wrap(models.ErrInvalidArgument, "encrypted broadcast needs a code")
	}
	return nil
}

func (s *Sink) handleStream(ev transport.Event) {
	s.mutex.Lock()
	op := s.op
	var st *stream.Stream
	var id models.StreamID
	switch e := ev.(type) {
	case transport.BISEstablished:
		id = e.Stream
	case transport.BISStopped:
		id = e.Stream
	}
	for _, candidate := range s.streams {
		if candidate.ID() == id {
			st = candidate
		}
	}
	s.mutex.Unlock()
	if st == nil {
		return
	}
	switch e := ev.(type) {
	case transport.BISEstablished:
		err := e.Err
		if err == nil {
			err = st.BroadcastStarted()
		}
		if op != nil {
			op.Complete(st.ID().String(), err)
		}
	case transport.BISStopped:
		if st.BroadcastStopped(e.Reason) {
			if op != nil {
				op.Complete(st.ID().String(), nil)
			}
		} else if op != nil {
			op.Complete(st.ID().String(), errors.Wrapf(models.ErrRejected, "BIS stopped: %v", e.Reason))
		}
	}
}

// stopBIG terminates the BIG sync and forces every bound stream back to Idle
func (s *Sink) stopBIG(reason error) {
	s.mutex.Lock()
	if !s.bigActive {
		s.mutex.Unlock()
		return
	}
	big := s.big
	s.bigActive = false
	streams := s.streams
	s.mutex.Unlock()
	if err := util.CatchErrs(func() error { return s.deps.Transport.TerminateBIGSync(big) }); err != nil {
		s.logger.Warnw("TerminateBIGSync failed", "err", err)
	}
	for _, st := range streams {
		st.BroadcastStopped(reason)
	}
}

// StopSync leaves the BIG while keeping the PA sync
func (s *Sink) StopSync(ctx context.Context) error {
	s.mutex.Lock()
	if s.state != models.SinkBISSynced {
		state := s.state
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrInvalidState, "sink is %s", state)
	}
	streaming := []*stream.Stream{}
	for _, st := range s.streams {
		if st.State() == models.Streaming {
			streaming = append(streaming, st)
		}
	}
	op := operation.New(keysOf(streaming))
	s.op = op
	big := s.big
	s.bigActive = false
	s.mutex.Unlock()

	if err := util.CatchErrs(func() error { return s.deps.Transport.TerminateBIGSync(big) }); err != nil {
		op.Cancel()
		return errors.Wrapf(models.ErrRejected, "TerminateBIGSync: %v", err)
	}
	err := await(ctx, op, s.deps.timeout())
	if errors.Cause(err) == models.ErrCanceled {
		return err
	}
	for _, st := range streaming {
		st.BroadcastStopped(nil)
	}
	s.mutex.Lock()
	s.op = nil
	var n notification
	if s.state == models.SinkBISSynced {
		n = s.setStateLocked(models.SinkBISSyncStopped, nil)
	}
	ls := s.listenersLocked()
	s.mutex.Unlock()
	notify(ls, n)
	return nil
}

// TerminatePASync leaves the BIG and the PA sync and returns to Idle
func (s *Sink) TerminatePASync() error {
	s.mutex.Lock()
	if !s.syncing {
		s.mutex.Unlock()
		return errors.Wrap(models.ErrInvalidState, "not synchronized")
	}
	s.mutex.Unlock()
	s.stopBIG(nil)

	s.mutex.Lock()
	handle := s.sync
	s.syncing = false
	s.deps.Hub.UnregisterSync(handle)
	s.signalPALocked(errors.Wrap(models.ErrCanceled, "PA sync terminated"))
	s.base, s.baseRaw, s.bigInfo = nil, nil, nil
	s.found = nil
	n := s.setStateLocked(models.SinkIdle, nil)
	ls := s.listenersLocked()
	s.mutex.Unlock()
	if err := util.CatchErrs(func() error { return s.deps.Transport.TerminatePASync(handle) }); err != nil {
		return errors.Wrapf(models.ErrRejected, "TerminatePASync: %v", err)
	}
	notify(ls, n)
	return nil
}
