package stream

import (
	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/pkg/errors"
)

func (s *Stream) requireBroadcastLocked() error {
	if !s.broadcast {
		return errors.Wrapf(models.ErrInvalidState, "%s is a unicast stream", s.id)
	}
	return nil
}

// ConfigureBroadcast stores the configuration of a local broadcast stream.
// There is no remote negotiation for broadcast streams.
func (s *Stream) ConfigureBroadcast(codec models.CodecConfig, qos models.QoS) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.requireBroadcastLocked(); err != nil {
		return err
	}
	if err := s.checkLocked(models.Idle, models.Configured); err != nil {
		return err
	}
	s.codec = codec.Clone()
	s.meta = codec.Meta.Clone()
	s.qos = qos
	s.setStateLocked(models.Configured)
	return nil
}

// AssignBroadcast stores the configuration a synchronized BIS will carry
// without leaving Idle
func (s *Stream) AssignBroadcast(codec models.CodecConfig) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.requireBroadcastLocked(); err != nil {
		return err
	}
	if err := s.checkLocked(models.Idle); err != nil {
		return err
	}
	s.codec = codec.Clone()
	s.meta = codec.Meta.Clone()
	return nil
}

// BroadcastStarted marks the BIS of this stream as established
func (s *Stream) BroadcastStarted() error {
	s.mutex.Lock()
	if err := s.requireBroadcastLocked(); err != nil {
		s.mutex.Unlock()
		return err
	}
	if err := s.checkLocked(models.Idle, models.Configured); err != nil {
		s.mutex.Unlock()
		return err
	}
	s.seq = 0
	s.setStateLocked(models.Streaming)
	obs := s.observersLocked()
	s.mutex.Unlock()
	s.fire(s.started(), obs)
	return nil
}

// BroadcastStopped moves a streaming BIS back to Idle. It reports whether the
// stream was streaming; only then observers get a stopped callback.
func (s *Stream) BroadcastStopped(reason error) bool {
	s.mutex.Lock()
	if !s.broadcast || s.state != models.Streaming {
		s.mutex.Unlock()
		return false
	}
	s.setStateLocked(models.Idle)
	obs := s.observersLocked()
	s.mutex.Unlock()
	s.fire(s.stopped(reason), obs)
	return true
}

// SetBroadcastMetadata replaces the metadata of a broadcast stream in place
func (s *Stream) SetBroadcastMetadata(meta models.Metadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	s.mutex.Lock()
	if err := s.requireBroadcastLocked(); err != nil {
		s.mutex.Unlock()
		return err
	}
	if err := s.checkLocked(models.Configured, models.Streaming); err != nil {
		s.mutex.Unlock()
		return err
	}
	s.meta = meta.Clone()
	s.codec.Meta = meta.Clone()
	obs := s.observersLocked()
	s.mutex.Unlock()
	s.fire(s.metadataUpdated(), obs)
	return nil
}

// ResetBroadcast drops the stored configuration of an idle or configured broadcast stream
func (s *Stream) ResetBroadcast() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.requireBroadcastLocked(); err != nil {
		return err
	}
	if err := s.checkLocked(models.Idle, models.Configured); err != nil {
		return err
	}
	s.resetLocked()
	return nil
}
