// Package unicast groups connected isochronous streams and drives them
// through their lifecycle across one or more devices.
package unicast

import (
	"sync"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/stream"
	"github.com/Krajiyah/leaudio-sdk/pkg/transport"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Pair is the sink and source stream sharing one CIS. Either may be nil.
type Pair struct {
	Sink   *stream.Stream
	Source *stream.Stream
}

func (p Pair) streams() []*stream.Stream {
	ret := []*stream.Stream{}
	if p.Sink != nil {
		ret = append(ret, p.Sink)
	}
	if p.Source != nil {
		ret = append(ret, p.Source)
	}
	return ret
}

// Group is a set of stream pairs scheduled together in one CIG
type Group struct {
	mutex      sync.Mutex
	pairs      []Pair
	cig        transport.GroupHandle
	cigCreated bool
	deleted    bool
}

// Streams returns every stream of the group
func (g *Group) Streams() []*stream.Stream {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	ret := []*stream.Stream{}
	for _, p := range g.pairs {
		ret = append(ret, p.streams()...)
	}
	return ret
}

// Pairs returns a copy of the group pairs
func (g *Group) Pairs() []Pair {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return append([]Pair(nil), g.pairs...)
}

// Contains reports whether s belongs to the group
func (g *Group) Contains(s *stream.Stream) bool {
	for _, member := range g.Streams() {
		if member == s {
			return true
		}
	}
	return false
}

// Usable reports whether every stream reached at least Configured
func (g *Group) Usable() bool {
	for _, s := range g.Streams() {
		switch s.State() {
		case models.Idle, models.Releasing:
			return false
		}
	}
	return true
}

func (g *Group) active() bool {
	for _, s := range g.Streams() {
		switch s.State() {
		case models.Enabling, models.Streaming, models.Disabling:
			return true
		}
	}
	return false
}

// Manager owns every unicast group and guarantees a stream is in at most one
type Manager struct {
	mutex   sync.Mutex
	tr      transport.Transport
	members mapset.Set
	groups  mapset.Set
	max     int
	logger  *zap.SugaredLogger
}

// NewManager returns a manager allowing maxGroups concurrent groups
func NewManager(tr transport.Transport, maxGroups int, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		tr:      tr,
		members: mapset.NewSet(),
		groups:  mapset.NewSet(),
		max:     maxGroups,
		logger:  util.NamedLogger(logger, "unicast_group"),
	}
}

// validatePairsLocked checks pairs against the current membership
func (m *Manager) validatePairsLocked(pairs []Pair) error {
	if len(pairs) == 0 {
		return errors.Wrap(models.ErrInvalidArgument, "no stream pairs")
	}
	seen := mapset.NewSet()
	for i, p := range pairs {
		streams := p.streams()
		if len(streams) == 0 {
			return errors.Wrapf(models.ErrInvalidArgument, "pair %d is empty", i)
		}
		if p.Sink != nil && p.Sink.Dir() != models.Sink {
			return errors.Wrapf(models.ErrInvalidArgument, "pair %d sink %s has direction %s", i, p.Sink, p.Sink.Dir())
		}
		if p.Source != nil && p.Source.Dir() != models.Source {
			return errors.Wrapf(models.ErrInvalidArgument, "pair %d source %s has direction %s", i, p.Source, p.Source.Dir())
		}
		for _, s := range streams {
			if s.IsBroadcast() {
				return errors.Wrapf(models.ErrInvalidArgument, "%s is a broadcast stream", s)
			}
			if !seen.Add(s.ID()) {
				return errors.Wrapf(models.ErrInvalidArgument, "%s listed twice", s)
			}
			if m.members.Contains(s.ID()) {
				return errors.Wrapf(models.ErrInvalidArgument, "%s already in a group", s)
			}
		}
	}
	return nil
}

// CreateGroup builds a group out of streams not yet grouped
func (m *Manager) CreateGroup(pairs []Pair) (*Group, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.groups.Cardinality() >= m.max {
		return nil, errors.Wrap(models.ErrNoResources, "unicast group limit reached")
	}
	if err := m.validatePairsLocked(pairs); err != nil {
		return nil, err
	}
	g := &Group{pairs: append([]Pair(nil), pairs...)}
	for _, s := range g.Streams() {
		m.members.Add(s.ID())
	}
	m.groups.Add(g)
	m.logger.Debugw("Created group", "pairs", len(pairs))
	return g, nil
}

// AddPairs extends a group while none of its streams is active
func (m *Manager) AddPairs(g *Group, pairs []Pair) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.groups.Contains(g) {
		return errors.Wrap(models.ErrAlreadyDeleted, "group")
	}
	if g.active() {
		return errors.Wrap(models.ErrGroupInUse, "group has active streams")
	}
	if err := m.validatePairsLocked(pairs); err != nil {
		return err
	}
	g.mutex.Lock()
	g.pairs = append(g.pairs, pairs...)
	recreate := g.cigCreated
	g.mutex.Unlock()
	for _, p := range pairs {
		for _, s := range p.streams() {
			m.members.Add(s.ID())
		}
	}
	if recreate {
		return m.terminateCIG(g)
	}
	return nil
}

// DeleteGroup frees a group whose streams are all Idle
func (m *Manager) DeleteGroup(g *Group) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.groups.Contains(g) {
		return errors.Wrap(models.ErrAlreadyDeleted, "group")
	}
	for _, s := range g.Streams() {
		if s.State() != models.Idle {
			return errors.Wrapf(models.ErrGroupInUse, "%s is %s", s, s.State())
		}
	}
	if err := m.terminateCIG(g); err != nil {
		return err
	}
	for _, s := range g.Streams() {
		m.members.Remove(s.ID())
	}
	m.groups.Remove(g)
	g.mutex.Lock()
	g.deleted = true
	g.mutex.Unlock()
	m.logger.Debugw("Deleted group")
	return nil
}

func (m *Manager) terminateCIG(g *Group) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if !g.cigCreated {
		return nil
	}
	if err := util.CatchErrs(func() error { return m.tr.TerminateCISGroup(g.cig) }); err != nil {
		return errors.Wrap(err, "TerminateCISGroup issue: ")
	}
	g.cigCreated = false
	return nil
}

// ensureCIG creates the isochronous group on first use
func (m *Manager) ensureCIG(g *Group, qos map[models.StreamID]models.QoS) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.deleted {
		return errors.Wrap(models.ErrAlreadyDeleted, "group")
	}
	if g.cigCreated {
		return nil
	}
	pairs := make([]transport.CISPair, 0, len(g.pairs))
	for _, p := range g.pairs {
		cis := transport.CISPair{}
		if p.Sink != nil {
			cis.Sink = p.Sink.ID()
			cis.QoS = qos[p.Sink.ID()]
		}
		if p.Source != nil {
			cis.Source = p.Source.ID()
			if cis.QoS == (models.QoS{}) {
				cis.QoS = qos[p.Source.ID()]
			}
		}
		pairs = append(pairs, cis)
	}
	var handle transport.GroupHandle
	err := util.CatchErrs(func() error {
		h, e := m.tr.CreateCISGroup(pairs)
		handle = h
		return e
	})
	if err != nil {
		return errors.Wrap(models.ErrNoResources, err.Error())
	}
	g.cig = handle
	g.cigCreated = true
	m.logger.Debugw("Created CIG", "handle", handle, "cis", len(pairs))
	return nil
}
