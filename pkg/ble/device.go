// Package ble runs broadcast discovery on an HCI device.
package ble

import (
	"context"
	"sync"
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/currantlabs/ble"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type coreMethods interface {
	NewDevice() (ble.Device, error)
}

type realCoreMethods struct{}

func (realCoreMethods) NewDevice() (ble.Device, error) { return util.NewDevice() }

// Scanner is a transport.Scanner that reopens its device when a scan fails
type Scanner struct {
	mutex      sync.Mutex
	device     ble.Device
	methods    coreMethods
	resetDelay time.Duration
	logger     *zap.SugaredLogger
}

func NewScanner(logger *zap.SugaredLogger) *Scanner {
	return &Scanner{methods: realCoreMethods{}, resetDelay: stopDelay, logger: util.NamedLogger(logger, "hci")}
}

func (s *Scanner) getDevice() (ble.Device, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.device != nil {
		return s.device, nil
	}
	d, err := s.methods.NewDevice()
	if err != nil {
		return nil, errors.Wrap(err, "NewDevice issue: ")
	}
	s.device = d
	return d, nil
}

// resetDevice stops the current device so the next attempt opens a new one
func (s *Scanner) resetDevice() {
	s.mutex.Lock()
	d := s.device
	s.device = nil
	s.mutex.Unlock()
	if d == nil {
		return
	}
	if err := util.CatchErrs(d.Stop); err != nil {
		s.logger.Warnw("Stop issue", "err", err)
	}
	time.Sleep(s.resetDelay)
}

// Scan delivers advertising reports to h until ctx ends
func (s *Scanner) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return retry(ctx, s.logger, func() error {
		d, err := s.getDevice()
		if err != nil {
			return err
		}
		err = util.CatchErrs(func() error { return d.Scan(ctx, allowDup, h) })
		if err == nil || ctx.Err() != nil {
			return nil
		}
		s.resetDevice()
		return errors.Wrap(err, "Scan issue: ")
	})
}

// Close stops the device
func (s *Scanner) Close() error {
	s.mutex.Lock()
	d := s.device
	s.device = nil
	s.mutex.Unlock()
	if d == nil {
		return nil
	}
	return d.Stop()
}
