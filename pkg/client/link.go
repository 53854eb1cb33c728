// Package client carries broadcast audio scan control operations to remote
// acceptors over GATT.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/bass"
	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/currantlabs/ble"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// GATT is the part of ble.Client a link needs
type GATT interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
}

type peer struct {
	gatt     GATT
	control  *ble.Characteristic
	states   []*ble.Characteristic
	last     []uint8
	listener models.ReceiveStateListener
}

// Link is a bass.ControlChannel over GATT connections to acceptors
type Link struct {
	mutex   sync.Mutex
	peers   map[models.ConnID]*peer
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// NewLink bounds every GATT procedure by timeout, the default round trip timeout when zero
func NewLink(timeout time.Duration, logger *zap.SugaredLogger) *Link {
	if timeout <= 0 {
		timeout = util.DefaultRoundTripTimeout
	}
	return &Link{
		peers:   map[models.ConnID]*peer{},
		timeout: timeout,
		logger:  util.NamedLogger(logger, "bass_link"),
	}
}

var _ bass.ControlChannel = (*Link)(nil)

func findService(p *ble.Profile) *ble.Service {
	if p == nil {
		return nil
	}
	uuid := ble.UUID16(util.BASSUUID)
	for _, s := range p.Services {
		if s.UUID.Equal(uuid) {
			return s
		}
	}
	return nil
}

// Attach discovers the broadcast audio scan service behind gatt, subscribes
// to every receive state and replays the current ones to listener
func (l *Link) Attach(conn models.ConnID, gatt GATT, listener models.ReceiveStateListener) error {
	var profile *ble.Profile
	err := util.Timeout(func() error {
		var err error
		profile, err = gatt.DiscoverProfile(true)
		return err
	}, l.timeout)
	if err != nil {
		return errors.Wrap(err, "discover profile issue: ")
	}
	svc := findService(profile)
	if svc == nil {
		return errors.Wrapf(models.ErrInvalidArgument, "conn %d has no broadcast audio scan service", conn)
	}
	p := &peer{gatt: gatt, listener: listener}
	for _, c := range svc.Characteristics {
		switch {
		case c.UUID.Equal(ble.UUID16(util.BASControlPointUUID)):
			p.control = c
		case c.UUID.Equal(ble.UUID16(util.BroadcastReceiveStateUUID)):
			p.states = append(p.states, c)
		}
	}
	if p.control == nil {
		return errors.Wrapf(models.ErrInvalidArgument, "conn %d has no control point", conn)
	}
	p.last = make([]uint8, len(p.states))

	l.mutex.Lock()
	l.peers[conn] = p
	l.mutex.Unlock()

	for i, c := range p.states {
		i := i
		if err := gatt.Subscribe(c, false, func(data []byte) { l.handle(conn, p, i, data) }); err != nil {
			l.Detach(conn)
			return errors.Wrap(err, "subscribe issue: ")
		}
		var data []byte
		err := util.Timeout(func() error {
			var err error
			data, err = gatt.ReadCharacteristic(c)
			return err
		}, l.timeout)
		if err != nil {
			l.Detach(conn)
			return errors.Wrap(err, "read receive state issue: ")
		}
		l.handle(conn, p, i, data)
	}
	l.logger.Infow("Attached acceptor", "conn", conn, "slots", len(p.states))
	return nil
}

// Detach forgets conn. Later notifications of it are dropped.
func (l *Link) Detach(conn models.ConnID) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.peers, conn)
}

func (l *Link) Status(conn models.ConnID) LinkStatus {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if _, ok := l.peers[conn]; ok {
		return Connected
	}
	return Disconnected
}

func (l *Link) handle(conn models.ConnID, p *peer, i int, data []byte) {
	rs, ok, err := bass.DecodeReceiveState(data)
	if err != nil {
		l.logger.Warnw("Malformed receive state", "conn", conn, "characteristic", i, "err", err)
		return
	}
	l.mutex.Lock()
	if l.peers[conn] != p {
		l.mutex.Unlock()
		return
	}
	prev := p.last[i]
	if ok {
		p.last[i] = rs.SourceID
	} else {
		p.last[i] = 0
	}
	l.mutex.Unlock()

	if p.listener == nil {
		return
	}
	switch {
	case ok:
		if prev != 0 && prev != rs.SourceID {
			p.listener.OnReceiveStateRemoved(conn, prev)
		}
		p.listener.OnReceiveStateChanged(conn, rs)
	case prev != 0:
		p.listener.OnReceiveStateRemoved(conn, prev)
	}
}

func (l *Link) Write(ctx context.Context, conn models.ConnID, req models.ControlRequest) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(models.ErrCanceled, "%v", err)
	}
	l.mutex.Lock()
	p, ok := l.peers[conn]
	l.mutex.Unlock()
	if !ok {
		return errors.Wrapf(models.ErrInvalidArgument, "no acceptor on conn %d", conn)
	}
	data, err := bass.EncodeControl(req)
	if err != nil {
		return err
	}
	err = util.Timeout(func() error { return p.gatt.WriteCharacteristic(p.control, data, false) }, l.timeout)
	switch {
	case errors.Cause(err) == models.ErrTimeout:
		return err
	case err != nil:
		return errors.Wrapf(models.ErrRejected, "write control point: %v", err)
	}
	return nil
}
