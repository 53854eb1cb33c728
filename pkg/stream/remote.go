package stream

import "github.com/Krajiyah/leaudio-sdk/pkg/models"

// validRemoteTransition reports whether a remote endpoint may notify to
// after from. Sinks never pass through Disabling.
func validRemoteTransition(dir models.Direction, from, to models.StreamState) bool {
	in := func(states ...models.StreamState) bool {
		for _, st := range states {
			if from == st {
				return true
			}
		}
		return false
	}
	switch to {
	case models.Idle:
		return true
	case models.Configured:
		return in(models.Idle, models.Configured, models.QoSConfigured, models.Releasing)
	case models.QoSConfigured:
		if dir == models.Source {
			return in(models.Configured, models.QoSConfigured, models.Streaming, models.Disabling)
		}
		return in(models.Configured, models.QoSConfigured, models.Enabling, models.Streaming)
	case models.Enabling:
		return in(models.QoSConfigured, models.Enabling)
	case models.Streaming:
		return in(models.Enabling, models.Streaming)
	case models.Disabling:
		return dir == models.Source && in(models.Enabling, models.Streaming)
	case models.Releasing:
		if dir == models.Source && from == models.Disabling {
			return true
		}
		return in(models.Configured, models.QoSConfigured, models.Enabling, models.Streaming)
	}
	return false
}

// HandleRemoteState applies an unsolicited state notification of the bound
// endpoint. Invalid transitions are dropped.
func (s *Stream) HandleRemoteState(to models.StreamState) {
	s.mutex.Lock()
	from := s.state
	if s.broadcast || !s.ep.Valid() {
		s.mutex.Unlock()
		return
	}
	if !validRemoteTransition(s.dir, from, to) {
		s.mutex.Unlock()
		s.logger.Warnw("Invalid remote state transition", "stream", s.id, "dir", s.dir, "from", from, "to", to)
		return
	}
	if from == to {
		s.mutex.Unlock()
		return
	}
	var cb callback
	switch {
	case to == models.Idle:
		s.resetLocked()
		cb = s.released()
	case to == models.Streaming:
		s.setStateLocked(to)
		cb = s.started()
	case from == models.Streaming:
		s.setStateLocked(to)
		cb = s.stopped(nil)
	default:
		s.setStateLocked(to)
	}
	obs := s.observersLocked()
	s.mutex.Unlock()
	s.fire(cb, obs)
}
