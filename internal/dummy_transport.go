package internal

import (
	"sync"
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/transport"
	"github.com/pkg/errors"
)

type requestKey struct {
	stream models.StreamID
	kind   transport.Kind
}

// DummyTransport acknowledges every request asynchronously through a hub
// unless told to reject, hold or drop it
type DummyTransport struct {
	mutex     sync.Mutex
	hub       *transport.Hub
	requests  []transport.Request
	rejects   map[requestKey]error
	kindErrs  map[transport.Kind]error
	holds     map[requestKey]bool
	drops     map[requestKey]bool
	held      []transport.StreamCompleted
	groups    []transport.CISPair
	nextGroup transport.GroupHandle
	closed    []transport.GroupHandle
	nextSync  transport.SyncHandle
	paSyncs   []transport.PASyncParams
	nextBIG   transport.BIGHandle
	bigs      []transport.BIGParams
	bisFail   map[models.StreamID]error
	bigSyncs  map[transport.BIGHandle][]transport.BISBinding
	bigOwned  map[transport.BIGHandle][]models.StreamID
	bases     [][]byte

	// Code is the code the broadcast was encrypted with. A BIG sync with another
	// code fails every BIS with models.ErrBadCode.
	Code *models.BroadcastCode
	// SubmitErr makes Submit fail synchronously
	SubmitErr error
	// Inline delivers BIG terminations before TerminateBIG returns
	Inline bool
	// OnUpdateBASE runs before UpdateBASE returns
	OnUpdateBASE func()
}

// NewDummyTransport returns a transport delivering its events to hub
func NewDummyTransport(hub *transport.Hub) *DummyTransport {
	return &DummyTransport{
		hub:      hub,
		rejects:  map[requestKey]error{},
		kindErrs: map[transport.Kind]error{},
		holds:    map[requestKey]bool{},
		drops:    map[requestKey]bool{},
		bisFail:  map[models.StreamID]error{},
		bigSyncs: map[transport.BIGHandle][]transport.BISBinding{},
		bigOwned: map[transport.BIGHandle][]models.StreamID{},
	}
}

// Reject makes kind requests of stream complete with err
func (d *DummyTransport) Reject(stream models.StreamID, kind transport.Kind, err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.rejects[requestKey{stream, kind}] = err
}

// RejectKind makes every kind request complete with err
func (d *DummyTransport) RejectKind(kind transport.Kind, err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.kindErrs[kind] = err
}

// Hold keeps the completion of kind requests of stream until ReleaseHeld
func (d *DummyTransport) Hold(stream models.StreamID, kind transport.Kind) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.holds[requestKey{stream, kind}] = true
}

// Drop never completes kind requests of stream
func (d *DummyTransport) Drop(stream models.StreamID, kind transport.Kind) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.drops[requestKey{stream, kind}] = true
}

// FailBIS makes the BIS of stream fail to establish with err
func (d *DummyTransport) FailBIS(stream models.StreamID, err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.bisFail[stream] = err
}

// ReleaseHeld delivers every held completion in order and stops holding
func (d *DummyTransport) ReleaseHeld() {
	d.mutex.Lock()
	held := d.held
	d.held = nil
	d.holds = map[requestKey]bool{}
	d.mutex.Unlock()
	for _, ev := range held {
		d.hub.Dispatch(ev)
	}
}

// HeldCount is the number of completions waiting for ReleaseHeld
func (d *DummyTransport) HeldCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.held)
}

// WaitHeld polls until n completions are held
func (d *DummyTransport) WaitHeld(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d.HeldCount() >= n {
			return true
		}
		time.Sleep(time.Millisecond * 5)
	}
	return false
}

// Requests returns every submitted stream request
func (d *DummyTransport) Requests() []transport.Request {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]transport.Request(nil), d.requests...)
}

// RequestsFor returns the request kinds submitted for stream in order
func (d *DummyTransport) RequestsFor(stream models.StreamID) []transport.Kind {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	ret := []transport.Kind{}
	for _, r := range d.requests {
		if r.Stream == stream {
			ret = append(ret, r.Kind)
		}
	}
	return ret
}

func (d *DummyTransport) CreateCISGroup(pairs []transport.CISPair) (transport.GroupHandle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.groups = append(d.groups, pairs...)
	d.nextGroup++
	return d.nextGroup, nil
}

func (d *DummyTransport) TerminateCISGroup(h transport.GroupHandle) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.closed = append(d.closed, h)
	return nil
}

// CISGroups reports how many groups were created and terminated
func (d *DummyTransport) CISGroups() (created int, terminated int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return int(d.nextGroup), len(d.closed)
}

func (d *DummyTransport) Submit(req transport.Request) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.SubmitErr != nil {
		return d.SubmitErr
	}
	d.requests = append(d.requests, req)
	key := requestKey{req.Stream, req.Kind}
	err := d.rejects[key]
	if err == nil {
		err = d.kindErrs[req.Kind]
	}
	ev := transport.StreamCompleted{Stream: req.Stream, Kind: req.Kind, Err: err}
	switch {
	case d.drops[key]:
	case d.holds[key]:
		d.held = append(d.held, ev)
	default:
		go d.hub.Dispatch(ev)
	}
	return nil
}

func (d *DummyTransport) CreatePASync(p transport.PASyncParams) (transport.SyncHandle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.paSyncs = append(d.paSyncs, p)
	d.nextSync++
	return d.nextSync, nil
}

// PASyncs returns every periodic advertising sync request
func (d *DummyTransport) PASyncs() []transport.PASyncParams {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]transport.PASyncParams(nil), d.paSyncs...)
}

func (d *DummyTransport) TerminatePASync(transport.SyncHandle) error { return nil }

func (d *DummyTransport) CreateBIGSync(sync transport.SyncHandle, bis []transport.BISBinding, code *models.BroadcastCode) (transport.BIGHandle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.nextBIG++
	d.bigSyncs[d.nextBIG] = bis
	var codeErr error
	if d.Code != nil && (code == nil || *code != *d.Code) {
		codeErr = errors.Wrap(models.ErrBadCode, "mic failure")
	}
	for _, b := range bis {
		err := codeErr
		if err == nil {
			err = d.bisFail[b.Stream]
		}
		go d.hub.Dispatch(transport.BISEstablished{Stream: b.Stream, Err: err})
	}
	return d.nextBIG, nil
}

// TerminateBIGSync reports every BIS of the group stopped before returning
func (d *DummyTransport) TerminateBIGSync(h transport.BIGHandle) error {
	d.mutex.Lock()
	bis, ok := d.bigSyncs[h]
	delete(d.bigSyncs, h)
	d.mutex.Unlock()
	if !ok {
		return errors.Errorf("unknown big sync %d", h)
	}
	for _, b := range bis {
		d.hub.Dispatch(transport.BISStopped{Stream: b.Stream})
	}
	return nil
}

// BIGSyncs counts the synchronized groups not yet terminated
func (d *DummyTransport) BIGSyncs() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.bigSyncs)
}

func (d *DummyTransport) CreateBIG(p transport.BIGParams) (transport.BIGHandle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.nextBIG++
	d.bigs = append(d.bigs, p)
	d.bigOwned[d.nextBIG] = append([]models.StreamID(nil), p.Streams...)
	for _, s := range p.Streams {
		go d.hub.Dispatch(transport.BISEstablished{Stream: s, Err: d.bisFail[s]})
	}
	return d.nextBIG, nil
}

// BIGs returns the parameters of every created BIG
func (d *DummyTransport) BIGs() []transport.BIGParams {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]transport.BIGParams(nil), d.bigs...)
}

func (d *DummyTransport) TerminateBIG(h transport.BIGHandle) error {
	d.mutex.Lock()
	streams, ok := d.bigOwned[h]
	if !ok {
		d.mutex.Unlock()
		return errors.Errorf("unknown big %d", h)
	}
	delete(d.bigOwned, h)
	inline := d.Inline
	d.mutex.Unlock()
	for _, s := range streams {
		ev := transport.BISStopped{Stream: s}
		if inline {
			d.hub.Dispatch(ev)
		} else {
			go d.hub.Dispatch(ev)
		}
	}
	return nil
}

func (d *DummyTransport) UpdateBASE(adv transport.AdvHandle, base []byte) error {
	d.mutex.Lock()
	d.bases = append(d.bases, append([]byte(nil), base...))
	hook := d.OnUpdateBASE
	d.mutex.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// BASEs returns every published announcement
func (d *DummyTransport) BASEs() [][]byte {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([][]byte(nil), d.bases...)
}
