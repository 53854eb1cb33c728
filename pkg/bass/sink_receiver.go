package bass

import (
	"context"
	"sync"

	"github.com/Krajiyah/leaudio-sdk/pkg/broadcast"
	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/stream"
	"github.com/pkg/errors"
)

// SinkReceiver serves one receive state at a time with a local broadcast sink
type SinkReceiver struct {
	mutex   sync.Mutex
	sink    *broadcast.Sink
	pool    *stream.Pool
	skip    uint16
	active  uint8
	streams []*stream.Stream
	lost    func(uint8, error)
}

// NewSinkReceiver drives sink, taking BIS streams from pool
func NewSinkReceiver(sink *broadcast.Sink, pool *stream.Pool, skip uint16) *SinkReceiver {
	r := &SinkReceiver{sink: sink, pool: pool, skip: skip}
	sink.Subscribe(r)
	return r
}

// MirrorSink makes s follow PA sync losses of the sink behind r
func (s *Server) MirrorSink(r *SinkReceiver) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.lost = s.SourceLost
}

func (r *SinkReceiver) OnBroadcastFound(models.BroadcastInfo) {}

func (r *SinkReceiver) OnSinkStateChanged(state models.SinkState, reason error) {
	if state != models.SinkPASyncLost {
		return
	}
	r.mutex.Lock()
	id, lost := r.active, r.lost
	r.active = 0
	r.mutex.Unlock()
	r.releaseStreams()
	if id != 0 && lost != nil {
		lost(id, reason)
	}
}

func (r *SinkReceiver) claim(sourceID uint8) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.active != 0 && r.active != sourceID {
		return errors.Wrapf(models.ErrNoResources, "sink busy with source %d", r.active)
	}
	r.active = sourceID
	return nil
}

func (r *SinkReceiver) SyncPA(ctx context.Context, rs models.ReceiveState) (bool, error) {
	if err := r.claim(rs.SourceID); err != nil {
		return false, err
	}
	err := r.sink.Target(models.BroadcastInfo{ID: rs.BroadcastID, Addr: rs.Addr, SID: rs.SID, PAInterval: rs.PAInterval})
	if err == nil {
		err = r.sink.CreatePASync(ctx, r.skip, 0)
	}
	if err == nil {
		_, err = r.sink.Await(ctx, models.SinkSyncable, models.SinkPASyncLost)
	}
	if err == nil && r.sink.State() != models.SinkSyncable {
		err = errors.Wrap(models.ErrRejected, "PA sync lost before BIGInfo")
	}
	if err != nil {
		r.mutex.Lock()
		r.active = 0
		r.mutex.Unlock()
		return false, err
	}
	return r.sink.Encrypted(), nil
}

func (r *SinkReceiver) SyncBIS(ctx context.Context, sourceID uint8, bitmap models.BISBitmap, code *models.BroadcastCode) (models.BISBitmap, error) {
	if err := r.claim(sourceID); err != nil {
		return 0, err
	}
	syncable := r.sink.SyncableBitmap()
	if bitmap == models.BISSyncNoPreference {
		bitmap = syncable
	}
	bitmap &= syncable
	if bitmap == 0 {
		return 0, errors.Wrap(models.ErrNoResources, "no requested BIS can be synced")
	}
	streams, err := r.pool.AllocBroadcast(bitmap.Count(), models.Sink)
	if err != nil {
		return 0, err
	}
	err = r.sink.Sync(ctx, bitmap, streams, code)
	if errors.Cause(err) == models.ErrBadCode || r.sink.State() != models.SinkBISSynced {
		r.release(streams)
		return 0, err
	}
	r.mutex.Lock()
	r.streams = streams
	r.mutex.Unlock()
	return r.sink.SyncedBitmap(), err
}

func (r *SinkReceiver) StopBIS(ctx context.Context, sourceID uint8) error {
	if r.sink.State() == models.SinkBISSynced {
		if err := r.sink.StopSync(ctx); err != nil {
			return err
		}
	}
	r.releaseStreams()
	return nil
}

func (r *SinkReceiver) StopPA(sourceID uint8) error {
	err := r.sink.TerminatePASync()
	r.releaseStreams()
	r.mutex.Lock()
	r.active = 0
	r.mutex.Unlock()
	return err
}

func (r *SinkReceiver) releaseStreams() {
	r.mutex.Lock()
	streams := r.streams
	r.streams = nil
	r.mutex.Unlock()
	r.release(streams)
}

func (r *SinkReceiver) release(streams []*stream.Stream) {
	for _, st := range streams {
		if err := r.pool.Release(st); err != nil && errors.Cause(err) != models.ErrStaleHandle {
			// a stream still streaming is stopped by the sink shortly
			st.BroadcastStopped(nil)
			r.pool.Release(st)
		}
	}
}
