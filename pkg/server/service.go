// Package server exposes a broadcast audio scan acceptor as a GATT service.
package server

import (
	"context"
	"strings"
	"sync"

	"github.com/Krajiyah/leaudio-sdk/pkg/bass"
	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/currantlabs/ble"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	errOpcodeNotSupported ble.ATTError = 0x80
	errInvalidSourceID    ble.ATTError = 0x81

	queueSize = 16
)

type job struct {
	conn models.ConnID
	req  models.ControlRequest
}

// Service serves the control point and one receive state characteristic per
// acceptor slot. Control operations run in write order on a worker.
type Service struct {
	mutex     sync.Mutex
	acceptor  *bass.Server
	svc       *ble.Service
	conns     map[string]models.ConnID
	nextConn  models.ConnID
	values    [][]byte
	sources   []uint8
	index     map[uint8]int
	notifiers map[models.ConnID]map[int]ble.Notifier
	queue     chan job
	closed    bool
	logger    *zap.SugaredLogger
}

// NewService builds the GATT service of acceptor with slots receive state characteristics
func NewService(acceptor *bass.Server, slots int, logger *zap.SugaredLogger) *Service {
	s := &Service{
		acceptor:  acceptor,
		conns:     map[string]models.ConnID{},
		values:    make([][]byte, slots),
		sources:   make([]uint8, slots),
		index:     map[uint8]int{},
		notifiers: map[models.ConnID]map[int]ble.Notifier{},
		queue:     make(chan job, queueSize),
		logger:    util.NamedLogger(logger, "bass_gatt"),
	}
	s.svc = ble.NewService(ble.UUID16(util.BASSUUID))
	s.svc.NewCharacteristic(ble.UUID16(util.BASControlPointUUID)).HandleWrite(ble.WriteHandlerFunc(s.handleWrite))
	for i := 0; i < slots; i++ {
		// slots share a UUID, which AddCharacteristic refuses
		c := &ble.Characteristic{UUID: ble.UUID16(util.BroadcastReceiveStateUUID)}
		c.HandleRead(ble.ReadHandlerFunc(s.readHandler(i)))
		c.HandleNotify(ble.NotifyHandlerFunc(s.notifyHandler(i)))
		s.svc.Characteristics = append(s.svc.Characteristics, c)
	}
	go s.work()
	return s
}

// Service is what gets added to the local device
func (s *Service) Service() *ble.Service { return s.svc }

// Close stops the worker once queued operations ran
func (s *Service) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

func (s *Service) work() {
	for j := range s.queue {
		if err := s.acceptor.Handle(context.Background(), j.conn, j.req); err != nil {
			s.logger.Warnw("Control operation failed", "conn", j.conn, "op", j.req, "err", err)
		}
	}
}

func addrOf(c ble.Conn) string {
	return strings.ToUpper(c.RemoteAddr().String())
}

// connOf names the assistant behind c, subscribing it on first contact
func (s *Service) connOf(c ble.Conn) models.ConnID {
	key := addrOf(c)
	s.mutex.Lock()
	conn, ok := s.conns[key]
	if !ok {
		s.nextConn++
		conn = s.nextConn
		s.conns[key] = conn
	}
	s.mutex.Unlock()
	if !ok {
		s.logger.Infow("Assistant connected", "addr", key, "conn", conn)
		s.acceptor.Connect(conn, s)
		go s.watch(c, key, conn)
	}
	return conn
}

func (s *Service) watch(c ble.Conn, key string, conn models.ConnID) {
	<-c.Disconnected()
	s.mutex.Lock()
	delete(s.conns, key)
	delete(s.notifiers, conn)
	s.mutex.Unlock()
	s.acceptor.Disconnect(conn)
	s.logger.Infow("Assistant disconnected", "addr", key, "conn", conn)
}

func sourceOf(req models.ControlRequest) (uint8, bool) {
	switch r := req.(type) {
	case models.ModifySourceRequest:
		return r.SourceID, true
	case models.RemoveSourceRequest:
		return r.SourceID, true
	case models.SetBroadcastCodeRequest:
		return r.SourceID, true
	}
	return 0, false
}

func (s *Service) handleWrite(req ble.Request, rsp ble.ResponseWriter) {
	conn := s.connOf(req.Conn())
	op, err := bass.DecodeControl(req.Data())
	if errors.Cause(err) == bass.ErrOpcodeNotSupported {
		rsp.SetStatus(errOpcodeNotSupported)
		return
	}
	if err != nil {
		s.logger.Debugw("Malformed control operation", "conn", conn, "err", err)
		rsp.SetStatus(ble.ErrInvalAttrValueLen)
		return
	}
	if op == nil {
		return
	}
	if id, ok := sourceOf(op); ok {
		if _, err := s.acceptor.State(id); err != nil {
			rsp.SetStatus(errInvalidSourceID)
			return
		}
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		rsp.SetStatus(ble.ErrUnlikely)
		return
	}
	select {
	case s.queue <- job{conn: conn, req: op}:
	default:
		rsp.SetStatus(ble.ErrInsuffResources)
	}
}

func (s *Service) readHandler(i int) func(ble.Request, ble.ResponseWriter) {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		s.connOf(req.Conn())
		s.mutex.Lock()
		value := s.values[i]
		s.mutex.Unlock()
		rsp.Write(value)
	}
}

func (s *Service) notifyHandler(i int) func(ble.Request, ble.Notifier) {
	return func(req ble.Request, n ble.Notifier) {
		conn := s.connOf(req.Conn())
		s.mutex.Lock()
		if s.notifiers[conn] == nil {
			s.notifiers[conn] = map[int]ble.Notifier{}
		}
		s.notifiers[conn][i] = n
		s.mutex.Unlock()
		<-n.Context().Done()
		s.mutex.Lock()
		if s.notifiers[conn][i] == n {
			delete(s.notifiers[conn], i)
		}
		s.mutex.Unlock()
	}
}

// slotLocked finds the characteristic of sourceID or claims a free one
func (s *Service) slotLocked(sourceID uint8) (int, bool) {
	if i, ok := s.index[sourceID]; ok && s.sources[i] == sourceID {
		return i, true
	}
	for i, id := range s.sources {
		if id == 0 {
			for old, j := range s.index {
				if j == i {
					delete(s.index, old)
				}
			}
			s.sources[i] = sourceID
			s.index[sourceID] = i
			return i, true
		}
	}
	return 0, false
}

func (s *Service) notify(conn models.ConnID, i int, value []byte) {
	s.mutex.Lock()
	n := s.notifiers[conn][i]
	s.mutex.Unlock()
	if n == nil {
		return
	}
	if _, err := n.Write(value); err != nil {
		s.logger.Warnw("Notification failed", "conn", conn, "characteristic", i, "err", err)
	}
}

func (s *Service) OnReceiveStateChanged(conn models.ConnID, rs models.ReceiveState) {
	value, err := bass.EncodeReceiveState(rs)
	if err != nil {
		s.logger.Warnw("Unencodable receive state", "source_id", rs.SourceID, "err", err)
		return
	}
	s.mutex.Lock()
	i, ok := s.slotLocked(rs.SourceID)
	if ok {
		s.values[i] = value
	}
	s.mutex.Unlock()
	if !ok {
		s.logger.Warnw("No receive state characteristic left", "source_id", rs.SourceID)
		return
	}
	s.notify(conn, i, value)
}

func (s *Service) OnReceiveStateRemoved(conn models.ConnID, sourceID uint8) {
	s.mutex.Lock()
	i, ok := s.index[sourceID]
	if ok && s.sources[i] == sourceID {
		s.sources[i] = 0
		s.values[i] = nil
	}
	s.mutex.Unlock()
	if ok {
		s.notify(conn, i, []byte{})
	}
}
