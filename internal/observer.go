package internal

import (
	"sync"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
)

// RecordingObserver counts stream callbacks
type RecordingObserver struct {
	mutex   sync.Mutex
	Started map[models.StreamID]int
	Stopped map[models.StreamID]int
	Updated map[models.StreamID]int
	Release map[models.StreamID]int
	Order   []string
}

func NewRecordingObserver() *RecordingObserver {
	return &RecordingObserver{
		Started: map[models.StreamID]int{},
		Stopped: map[models.StreamID]int{},
		Updated: map[models.StreamID]int{},
		Release: map[models.StreamID]int{},
	}
}

func (o *RecordingObserver) record(m map[models.StreamID]int, id models.StreamID, what string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	m[id]++
	o.Order = append(o.Order, what+" "+id.String())
}

func (o *RecordingObserver) OnStarted(id models.StreamID) { o.record(o.Started, id, "started") }
func (o *RecordingObserver) OnStopped(id models.StreamID, _ error) {
	o.record(o.Stopped, id, "stopped")
}
func (o *RecordingObserver) OnMetadataUpdated(id models.StreamID) {
	o.record(o.Updated, id, "updated")
}
func (o *RecordingObserver) OnReleased(id models.StreamID) { o.record(o.Release, id, "released") }

// Count returns how often the callback kind fired for id
func (o *RecordingObserver) Count(kind string, id models.StreamID) int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	switch kind {
	case "started":
		return o.Started[id]
	case "stopped":
		return o.Stopped[id]
	case "updated":
		return o.Updated[id]
	case "released":
		return o.Release[id]
	}
	return 0
}

// Total returns how often the callback kind fired for any stream
func (o *RecordingObserver) Total(kind string) int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	n := 0
	for _, entry := range o.Order {
		if len(entry) > len(kind) && entry[:len(kind)] == kind {
			n++
		}
	}
	return n
}
