// Package operation tracks one logical operation fanned out across many
// members. It resolves when every member completed or when canceled.
package operation

import (
	"context"
	"sync"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/bradfitz/slice"
	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Operation is a future over the completions of a known set of members
type Operation struct {
	id       uuid.UUID
	mutex    sync.Mutex
	members  []string
	pending  mapset.Set
	results  map[string]error
	first    *models.MemberResult
	canceled bool
	resolved bool
	done     chan struct{}
	settled  chan struct{}
}

// New starts an operation expecting one completion per member
func New(members []string) *Operation {
	o := &Operation{
		id:      uuid.New(),
		pending: mapset.NewSet(),
		results: map[string]error{},
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}
	for _, m := range members {
		if o.pending.Add(m) {
			o.members = append(o.members, m)
		}
	}
	if o.pending.Cardinality() == 0 {
		o.resolved = true
		close(o.done)
		close(o.settled)
	}
	return o
}

// ID identifies the operation in logs
func (o *Operation) ID() string { return o.id.String() }

// Complete records the outcome of member. Completions arriving after a cancel
// are still recorded. Unknown or repeated members are ignored.
func (o *Operation) Complete(member string, err error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if !o.pending.Contains(member) {
		return
	}
	o.pending.Remove(member)
	o.results[member] = err
	if err != nil && o.first == nil {
		o.first = &models.MemberResult{Member: member, Err: err}
	}
	if o.pending.Cardinality() > 0 {
		return
	}
	close(o.settled)
	if !o.resolved {
		o.resolved = true
		close(o.done)
	}
}

// Expire completes every outstanding member with err
func (o *Operation) Expire(err error) {
	for _, m := range o.Outstanding() {
		o.Complete(m, err)
	}
}

// Cancel resolves the operation early with models.ErrCanceled. It reports
// false when the operation had already resolved.
func (o *Operation) Cancel() bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.resolved {
		return false
	}
	o.canceled = true
	o.resolved = true
	close(o.done)
	return true
}

// Canceled reports whether Cancel won against completion
func (o *Operation) Canceled() bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.canceled
}

// Failed reports whether any member completed with an error
func (o *Operation) Failed() bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.first != nil
}

// Done is closed once the operation resolved
func (o *Operation) Done() <-chan struct{} { return o.done }

// Settled is closed once every member reported, even after a cancel
func (o *Operation) Settled() <-chan struct{} { return o.settled }

// Outstanding lists members that have not reported yet
func (o *Operation) Outstanding() []string {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	ret := []string{}
	for _, m := range o.members {
		if o.pending.Contains(m) {
			ret = append(ret, m)
		}
	}
	return ret
}

// Wait blocks until the operation resolved or ctx is done
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Result()
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait operation issue: ")
	}
}

// Result is nil when every member succeeded, models.ErrCanceled after a
// cancel and a *models.PartialFailure otherwise
func (o *Operation) Result() error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.canceled {
		return errors.Wrapf(models.ErrCanceled, "operation %s", o.id)
	}
	if !o.resolved {
		return errors.Wrapf(models.ErrAlreadyInProgress, "operation %s", o.id)
	}
	if o.first == nil {
		return nil
	}
	return &models.PartialFailure{Results: o.sortedResults(), First: *o.first}
}

// Results returns every recorded member result ordered by member
func (o *Operation) Results() []models.MemberResult {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.sortedResults()
}

func (o *Operation) sortedResults() []models.MemberResult {
	ret := make([]models.MemberResult, 0, len(o.results))
	for m, err := range o.results {
		ret = append(ret, models.MemberResult{Member: m, Err: err})
	}
	slice.Sort(ret, func(i, j int) bool { return ret[i].Member < ret[j].Member })
	return ret
}
