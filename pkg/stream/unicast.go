package stream

import (
	"context"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/transport"
	"github.com/pkg/errors"
)

func (s *Stream) requireUnicastLocked() error {
	if s.broadcast {
		return errors.Wrapf(models.ErrInvalidState, "%s is a broadcast stream", s.id)
	}
	return nil
}

// Configure binds the stream to ep and negotiates codec. Reconfiguring a
// Configured or QoSConfigured stream keeps its endpoint.
func (s *Stream) Configure(ctx context.Context, ep models.EndpointID, codec models.CodecConfig) error {
	if err := codec.Validate(); err != nil {
		return errors.Wrap(models.ErrConfigRejected, err.Error())
	}
	s.mutex.Lock()
	if err := s.requireUnicastLocked(); err != nil {
		s.mutex.Unlock()
		return err
	}
	if err := s.checkLocked(models.Idle, models.Configured, models.QoSConfigured); err != nil {
		s.mutex.Unlock()
		return err
	}
	if s.state != models.Idle && ep != s.ep {
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrInvalidArgument, "%s is bound to %s", s.id, s.ep)
	}
	endpoint, err := s.deps.Registry.Endpoint(ep)
	if err != nil {
		s.mutex.Unlock()
		return err
	}
	if endpoint.Dir != s.dir {
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrInvalidArgument, "%s endpoint for %s stream", endpoint.Dir, s.dir)
	}
	if err := s.deps.Registry.Bind(ep, s.id); err != nil {
		s.mutex.Unlock()
		return err
	}
	s.ep = ep
	s.conn = endpoint.Conn
	p := s.beginLocked(transport.Request{Kind: transport.OpConfigure, Codec: codec.Clone()})
	s.mutex.Unlock()

	if err := s.roundTrip(ctx, p); err != nil {
		s.mutex.Lock()
		if s.state == models.Idle && s.pending == nil {
			s.deps.Registry.Unbind(ep, s.id)
			s.ep = models.EndpointID{}
			s.conn = 0
		}
		s.mutex.Unlock()
		if errors.Cause(err) == models.ErrRejected {
			return errors.Wrap(models.ErrConfigRejected, err.Error())
		}
		return err
	}
	return nil
}

// SetQoS negotiates qos after validating it locally
func (s *Stream) SetQoS(ctx context.Context, qos models.QoS) error {
	if err := qos.Validate(); err != nil {
		return err
	}
	s.mutex.Lock()
	err := s.requireUnicastLocked()
	if err == nil {
		err = s.checkLocked(models.Configured, models.QoSConfigured)
	}
	if err != nil {
		s.mutex.Unlock()
		return err
	}
	p := s.beginLocked(transport.Request{Kind: transport.OpQoS, QoS: qos})
	s.mutex.Unlock()
	return s.roundTrip(ctx, p)
}

// Enable asks the remote side to prepare the stream with meta
func (s *Stream) Enable(ctx context.Context, meta models.Metadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	s.mutex.Lock()
	err := s.requireUnicastLocked()
	if err == nil {
		err = s.checkLocked(models.QoSConfigured)
	}
	if err != nil {
		s.mutex.Unlock()
		return err
	}
	p := s.beginLocked(transport.Request{Kind: transport.OpEnable, Meta: meta.Clone()})
	s.mutex.Unlock()
	return s.roundTrip(ctx, p)
}

// Start connects the isochronous channel. Source streams additionally wait
// for the remote start acknowledgement before Streaming.
func (s *Stream) Start(ctx context.Context) error {
	if err := s.step(ctx, transport.Request{Kind: transport.OpConnect}, models.Enabling); err != nil {
		return err
	}
	if s.dir == models.Sink {
		return nil
	}
	return s.step(ctx, transport.Request{Kind: transport.OpStart}, models.Enabling)
}

// UpdateMetadata replaces the metadata of an enabling or streaming stream.
// Metadata without a streaming context fails before anything is sent.
func (s *Stream) UpdateMetadata(ctx context.Context, meta models.Metadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	return s.step(ctx, transport.Request{Kind: transport.OpMetadata, Meta: meta.Clone()}, models.Enabling, models.Streaming)
}

func (s *Stream) step(ctx context.Context, req transport.Request, allowed ...models.StreamState) error {
	s.mutex.Lock()
	err := s.requireUnicastLocked()
	if err == nil {
		err = s.checkLocked(allowed...)
	}
	if err != nil {
		s.mutex.Unlock()
		return err
	}
	p := s.beginLocked(req)
	s.mutex.Unlock()
	return s.roundTrip(ctx, p)
}

// Stop disables the stream, leaving it QoSConfigured, or releases it back to
// Idle when release is set
func (s *Stream) Stop(ctx context.Context, release bool) error {
	s.mutex.Lock()
	if err := s.requireUnicastLocked(); err != nil {
		s.mutex.Unlock()
		return err
	}
	if s.state == models.Idle {
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrAlreadyIdle, "%s", s.id)
	}
	if s.pending != nil || s.state == models.Releasing {
		s.mutex.Unlock()
		return errors.Wrapf(models.ErrAlreadyInProgress, "%s is %s", s.id, s.state)
	}
	if release {
		return s.releaseLocked(ctx)
	}
	state := s.state
	s.mutex.Unlock()

	switch state {
	case models.Configured, models.QoSConfigured:
		return nil
	case models.Enabling, models.Streaming:
		err := s.step(ctx, transport.Request{Kind: transport.OpDisable}, models.Enabling, models.Streaming)
		if err != nil || s.dir == models.Sink {
			return err
		}
	}
	return s.step(ctx, transport.Request{Kind: transport.OpStop}, models.Disabling)
}

// releaseLocked is entered with the mutex held and releases it
func (s *Stream) releaseLocked(ctx context.Context) error {
	var cb callback
	if s.state == models.Streaming {
		cb = s.stopped(nil)
	}
	s.setStateLocked(models.Releasing)
	p := s.beginLocked(transport.Request{Kind: transport.OpRelease})
	obs := s.observersLocked()
	s.mutex.Unlock()
	s.fire(cb, obs)

	err := s.roundTrip(ctx, p)
	if err == nil {
		return nil
	}
	if errors.Cause(err) == models.ErrCanceled {
		// the release stays pending and a late completion still lands
		return err
	}
	s.logger.Warnw("Release failed, releasing locally", "stream", s.id, "error", err)
	s.mutex.Lock()
	if s.state != models.Releasing || s.pending != nil {
		s.mutex.Unlock()
		return nil
	}
	s.resetLocked()
	obs = s.observersLocked()
	s.mutex.Unlock()
	s.fire(s.released(), obs)
	return nil
}
