package broadcast

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/operation"
	"github.com/Krajiyah/leaudio-sdk/pkg/stream"
	"github.com/Krajiyah/leaudio-sdk/pkg/transport"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SourceState is the lifecycle state of a broadcast source
type SourceState int

const (
	SourceCreated SourceState = iota
	SourceStarted
	SourceUpdating
	SourceStopped
	SourceDeleted
)

func (s SourceState) String() string {
	return []string{"created", "started", "updating", "stopped", "deleted"}[s]
}

// SubgroupParams configure the BIS of one subgroup
type SubgroupParams struct {
	Codec  models.CodecConfig
	NumBIS int
	// BISData optionally overrides codec configuration per BIS
	BISData [][]byte
}

// SourceParams describe a broadcast source to create
type SourceParams struct {
	// ID is drawn at random when models.InvalidBroadcastID
	ID        models.BroadcastID
	Subgroups []SubgroupParams
	QoS       models.QoS
	Packing   uint8
	Encrypt   bool
	Code      models.BroadcastCode
}

func (p SourceParams) validate() error {
	if len(p.Subgroups) == 0 {
		return errors.Wrap(models.ErrInvalidArgument, "no subgroups")
	}
	if p.ID != models.InvalidBroadcastID && !p.ID.Valid() {
		return errors.Wrapf(models.ErrInvalidArgument, "broadcast id %#x", uint32(p.ID))
	}
	total := 0
	for i, sg := range p.Subgroups {
		if sg.NumBIS <= 0 {
			return errors.Wrapf(models.ErrInvalidArgument, "subgroup %d has no BIS", i)
		}
		if len(sg.BISData) > sg.NumBIS {
			return errors.Wrapf(models.ErrInvalidArgument, "subgroup %d has %d BIS overrides", i, len(sg.BISData))
		}
		if err := sg.Codec.Validate(); err != nil {
			return errors.Wrapf(models.ErrInvalidArgument, "subgroup %d codec: %s", i, err)
		}
		if err := sg.Codec.Meta.Validate(); err != nil {
			return errors.Wrapf(models.ErrInvalidMetadata, "subgroup %d: %s", i, err)
		}
		total += sg.NumBIS
	}
	if total > models.MaxBISIndex {
		return errors.Wrapf(models.ErrInvalidArgument, "%d BIS exceed a group", total)
	}
	return p.QoS.Validate()
}

func randomBroadcastID() models.BroadcastID {
	id := uuid.New()
	return models.BroadcastID(binary.LittleEndian.Uint32(id[:4]) & 0xFFFFFF)
}

// Source is a local broadcast source and the BIS streams it transmits
type Source struct {
	mutex    sync.Mutex
	deps     Deps
	instance uuid.UUID
	id       models.BroadcastID
	params   SourceParams
	streams  []*stream.Stream
	subgroup map[models.StreamID]int
	state    SourceState
	adv      transport.AdvHandle
	big      transport.BIGHandle
	op       *operation.Operation
	logger   *zap.SugaredLogger
}

// NewSource validates params and allocates every stream or none
func NewSource(deps Deps, params SourceParams) (*Source, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	total := 0
	for _, sg := range params.Subgroups {
		total += sg.NumBIS
	}
	params.Subgroups = append([]SubgroupParams(nil), params.Subgroups...)
	streams, err := deps.Pool.AllocBroadcast(total, models.Source)
	if err != nil {
		return nil, err
	}
	s := &Source{
		deps:     deps,
		instance: uuid.New(),
		id:       params.ID,
		params:   params,
		streams:  streams,
		subgroup: map[models.StreamID]int{},
		state:    SourceCreated,
	}
	if s.id == models.InvalidBroadcastID {
		s.id = randomBroadcastID()
	}
	s.logger = util.NamedLogger(deps.Logger, "broadcast_source").With("source", s.instance.String())
	if err := s.configureStreams(); err != nil {
		s.releaseStreams()
		return nil, err
	}
	for _, st := range streams {
		deps.Hub.RegisterStream(st.ID(), s.handleEvent)
	}
	s.logger.Infow("Created broadcast source", "broadcast_id", s.id, "bis", total)
	return s, nil
}

func (s *Source) configureStreams() error {
	i := 0
	for g, sg := range s.params.Subgroups {
		for n := 0; n < sg.NumBIS; n++ {
			st := s.streams[i]
			if err := st.ConfigureBroadcast(sg.Codec, s.params.QoS); err != nil {
				return err
			}
			s.subgroup[st.ID()] = g
			i++
		}
	}
	return nil
}

func (s *Source) releaseStreams() {
	for _, st := range s.streams {
		if err := s.deps.Pool.Release(st); err != nil {
			s.logger.Warnw("Release stream failed", "stream", st.String(), "err", err)
		}
	}
}

// ID identifies this source instance in logs
func (s *Source) ID() string { return s.instance.String() }

func (s *Source) BroadcastID() models.BroadcastID { return s.id }

func (s *Source) State() SourceState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Streams returns the BIS streams in BIS index order
func (s *Source) Streams() []*stream.Stream {
	return append([]*stream.Stream(nil), s.streams...)
}

// BASE describes the current configuration of the source
func (s *Source) BASE() BASE {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.baseLocked(nil)
}

// baseLocked builds the BASE, taking subgroup metadata from metas when given
func (s *Source) baseLocked(metas []models.Metadata) BASE {
	b := BASE{PresentationDelay: s.params.QoS.PresentationDelay}
	index := uint8(1)
	i := 0
	for g, sg := range s.params.Subgroups {
		codec := sg.Codec.Clone()
		if metas != nil {
			codec.Meta = metas[g].Clone()
		} else {
			codec.Meta = s.streams[i].Metadata()
		}
		out := Subgroup{Codec: codec}
		for n := 0; n < sg.NumBIS; n++ {
			bis := BIS{Index: index}
			if n < len(sg.BISData) {
				bis.Data = append([]byte(nil), sg.BISData[n]...)
			}
			out.BIS = append(out.BIS, bis)
			index++
			i++
		}
		b.Subgroups = append(b.Subgroups, out)
	}
	return b
}

// Announcement encodes the BASE as periodic advertising data
func (s *Source) Announcement() ([]byte, error) {
	raw, err := s.BASE().Encode()
	if err != nil {
		return nil, err
	}
	return Announcement(raw), nil
}

// Reconfigure replaces codec configuration and QoS while not started. The
// number of BIS per subgroup can't change.
func (s *Source) Reconfigure(codecs []models.CodecConfig, qos models.QoS) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.idleLocked(); err != nil {
		return err
	}
	if len(codecs) != len(s.params.Subgroups) {
		return errors.Wrapf(models.ErrInvalidArgument, "%d codecs for %d subgroups", len(codecs), len(s.params.Subgroups))
	}
	next := s.params
	next.Subgroups = append([]SubgroupParams(nil), s.params.Subgroups...)
	for i := range next.Subgroups {
		next.Subgroups[i].Codec = codecs[i]
	}
	next.QoS = qos
	if err := next.validate(); err != nil {
		return err
	}
	s.params = next
	return s.configureStreams()
}

func (s *Source) idleLocked() error {
	switch s.state {
	case SourceCreated, SourceStopped:
		return nil
	case SourceDeleted:
		return errors.Wrap(models.ErrAlreadyDeleted, "broadcast source")
	}
	return errors.Wrapf(models.ErrInvalidState, "broadcast source is %s", s.state)
}

// Start creates the BIG on the advertising set adv and waits for every BIS.
// Whether adv already advertises is up to the caller.
func (s *Source) Start(ctx context.Context, adv transport.AdvHandle) error {
	s.mutex.Lock()
	switch s.state {
	case SourceStarted, SourceUpdating:
		s.mutex.Unlock()
		return errors.Wrap(models.ErrAlreadyInProgress, "broadcast source already started")
	}
	if err := s.idleLocked(); err != nil {
		s.mutex.Unlock()
		return err
	}
	prev := s.state
	op := operation.New(keysOf(s.streams))
	s.op = op
	s.adv = adv
	params := transport.BIGParams{Adv: adv, QoS: s.params.QoS, Packing: s.params.Packing}
	for _, st := range s.streams {
		params.Streams = append(params.Streams, st.ID())
	}
	if s.params.Encrypt {
		code := s.params.Code
		params.Code = &code
	}
	var big transport.BIGHandle
	err := util.CatchErrs(func() error {
		h, e := s.deps.Transport.CreateBIG(params)
		big = h
		return e
	})
	if err != nil {
		s.op = nil
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrRejected, "CreateBIG: %v", err)
	}
	s.big = big
	s.state = SourceStarted
	s.mutex.Unlock()
	s.logger.Debugw("Created BIG", "big", big, "adv", adv)

	err = await(ctx, op, s.deps.timeout())
	if err == nil || errors.Cause(err) == models.ErrCanceled {
		return err
	}
	s.logger.Warnw("BIG establishment failed", "err", err)
	s.teardown(prev, err)
	return err
}

// teardown terminates the BIG after a failed start and returns to prev
func (s *Source) teardown(prev SourceState, reason error) {
	s.mutex.Lock()
	big := s.big
	s.mutex.Unlock()
	if err := util.CatchErrs(func() error { return s.deps.Transport.TerminateBIG(big) }); err != nil {
		s.logger.Warnw("TerminateBIG failed", "err", err)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.op = nil
	for _, st := range s.streams {
		st.BroadcastStopped(reason)
	}
	if err := s.configureStreams(); err != nil {
		s.logger.Warnw("Restoring stream configuration failed", "err", err)
	}
	s.state = prev
}

func (s *Source) handleEvent(ev transport.Event) {
	var id models.StreamID
	switch e := ev.(type) {
	case transport.BISEstablished:
		id = e.Stream
	case transport.BISStopped:
		id = e.Stream
	default:
		return
	}
	s.mutex.Lock()
	op := s.op
	var st *stream.Stream
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
		if e.Err != nil {
			s.complete(op, st, e.Err)
			return
		}
		s.complete(op, st, st.BroadcastStarted())
	case transport.BISStopped:
		st.BroadcastStopped(e.Reason)
		s.mutex.Lock()
		g := s.subgroup[st.ID()]
		codec, qos := s.params.Subgroups[g].Codec, s.params.QoS
		codec.Meta = st.Metadata()
		s.mutex.Unlock()
		if err := st.ConfigureBroadcast(codec, qos); err != nil {
			s.logger.Warnw("Restoring stream configuration failed", "stream", st.String(), "err", err)
		}
		s.complete(op, st, nil)
	}
}

func (s *Source) complete(op *operation.Operation, st *stream.Stream, err error) {
	if op != nil {
		op.Complete(st.ID().String(), err)
	}
}

// UpdateMetadata replaces the metadata of every subgroup. A started source
// republishes its BASE and reports SourceUpdating until the transport is done.
func (s *Source) UpdateMetadata(ctx context.Context, metas []models.Metadata) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(metas) != len(s.params.Subgroups) {
		return errors.Wrapf(models.ErrInvalidArgument, "%d metadata for %d subgroups", len(metas), len(s.params.Subgroups))
	}
	for i, m := range metas {
		if err := m.Validate(); err != nil {
			return errors.Wrapf(models.ErrInvalidMetadata, "subgroup %d: %s", i, err)
		}
	}
	switch s.state {
	case SourceUpdating:
		return errors.Wrap(models.ErrAlreadyInProgress, "broadcast metadata update")
	case SourceDeleted:
		return errors.Wrap(models.ErrAlreadyDeleted, "broadcast source")
	case SourceStarted:
		raw, err := s.baseLocked(metas).Encode()
		if err != nil {
			return errors.Wrapf(models.ErrRejected, "UpdateBASE: %v", err)
		}
		s.state = SourceUpdating
		adv := s.adv
		s.mutex.Unlock()
		err = util.CatchErrs(func() error { return s.deps.Transport.UpdateBASE(adv, Announcement(raw)) })
		s.mutex.Lock()
		s.state = SourceStarted
		if err != nil {
			return errors.Wrapf(models.ErrRejected, "UpdateBASE: %v", err)
		}
	}
	for _, st := range s.streams {
		g := s.subgroup[st.ID()]
		if err := st.SetBroadcastMetadata(metas[g]); err != nil {
			return err
		}
		s.params.Subgroups[g].Codec.Meta = metas[g].Clone()
	}
	s.logger.Debugw("Updated metadata", "subgroups", len(metas))
	return nil
}

// Stop terminates the BIG and waits until every stream stopped
func (s *Source) Stop(ctx context.Context) error {
	s.mutex.Lock()
	switch s.state {
	case SourceUpdating:
		s.mutex.Unlock()
		return errors.Wrap(models.ErrAlreadyInProgress, "broadcast metadata update")
	case SourceDeleted:
		s.mutex.Unlock()
		return errors.Wrap(models.ErrAlreadyDeleted, "broadcast source")
	case SourceCreated, SourceStopped:
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrInvalidState, "broadcast source is %s", s.state)
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
	s.mutex.Unlock()

	if err := util.CatchErrs(func() error { return s.deps.Transport.TerminateBIG(big) }); err != nil {
		op.Cancel()
		return errors.Wrapf(models.ErrRejected, "TerminateBIG: %v", err)
	}
	err := await(ctx, op, s.deps.timeout())
	if errors.Cause(err) == models.ErrCanceled {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err != nil {
		// streams whose stop never arrived are stopped locally
		for _, st := range streaming {
			if st.BroadcastStopped(err) {
				g := s.subgroup[st.ID()]
				codec := s.params.Subgroups[g].Codec
				if e := st.ConfigureBroadcast(codec, s.params.QoS); e != nil {
					s.logger.Warnw("Restoring stream configuration failed", "stream", st.String(), "err", e)
				}
			}
		}
	}
	s.op = nil
	s.state = SourceStopped
	s.logger.Infow("Stopped broadcast source", "err", err)
	return nil
}

// Delete releases every stream of a source that is not started
func (s *Source) Delete() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.idleLocked(); err != nil {
		return err
	}
	s.releaseStreams()
	s.state = SourceDeleted
	s.logger.Infow("Deleted broadcast source")
	return nil
}
