package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/transport"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func TestSourceLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	src, err := NewSource(f.deps, sourceParams())
	assert.NilError(t, err)
	assert.Equal(t, src.State(), SourceCreated)
	assert.Equal(t, src.BroadcastID(), models.BroadcastID(0x123456))
	assert.Equal(t, f.pool.Free(), 1)
	for _, s := range src.Streams() {
		assert.Equal(t, s.State(), models.Configured)
	}

	assert.Equal(t, errors.Cause(src.Stop(ctx)), models.ErrInvalidState)

	assert.NilError(t, src.Start(ctx, transport.AdvHandle(1)))
	assert.Equal(t, src.State(), SourceStarted)
	assert.Equal(t, f.obs.Total("started"), 3)
	bigs := f.tr.BIGs()
	assert.Equal(t, len(bigs), 1)
	assert.Equal(t, len(bigs[0].Streams), 3)
	assert.Assert(t, bigs[0].Code == nil)

	assert.Equal(t, errors.Cause(src.Start(ctx, 1)), models.ErrAlreadyInProgress)
	assert.Equal(t, errors.Cause(src.Delete()), models.ErrInvalidState)

	assert.NilError(t, src.Stop(ctx))
	assert.Equal(t, src.State(), SourceStopped)
	assert.Equal(t, f.obs.Total("stopped"), 3)
	for _, s := range src.Streams() {
		assert.Equal(t, s.State(), models.Configured)
	}

	assert.NilError(t, src.Delete())
	assert.Equal(t, src.State(), SourceDeleted)
	assert.Equal(t, f.pool.Free(), 4)
	assert.Equal(t, errors.Cause(src.Delete()), models.ErrAlreadyDeleted)
	assert.Equal(t, errors.Cause(src.Start(ctx, 1)), models.ErrAlreadyDeleted)
}

func TestSourceRestartAfterStop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	src, err := NewSource(f.deps, sourceParams())
	assert.NilError(t, err)
	assert.NilError(t, src.Start(ctx, 1))
	assert.NilError(t, src.Stop(ctx))
	assert.NilError(t, src.Start(ctx, 1))
	assert.Equal(t, f.obs.Total("started"), 6)
	assert.Equal(t, len(f.tr.BIGs()), 2)
}

func TestSourceCreateValidation(t *testing.T) {
	f := newFixture()
	params := sourceParams()
	params.Subgroups[1].Codec.Meta = nil
	_, err := NewSource(f.deps, params)
	assert.Equal(t, errors.Cause(err), models.ErrInvalidMetadata)

	params = sourceParams()
	params.Subgroups[0].NumBIS = 0
	_, err = NewSource(f.deps, params)
	assert.Assert(t, models.IsInvalidArgument(err))

	params = sourceParams()
	params.Subgroups[0].NumBIS = 3
	_, err = NewSource(f.deps, params)
	assert.Equal(t, errors.Cause(err), models.ErrNoResources)

	params = sourceParams()
	params.ID = 0x1000000
	_, err = NewSource(f.deps, params)
	assert.Assert(t, models.IsInvalidArgument(err))

	assert.Equal(t, f.pool.Free(), 4)
	assert.Equal(t, len(f.tr.BIGs()), 0)
}

func TestSourceRandomBroadcastID(t *testing.T) {
	f := newFixture()
	params := sourceParams()
	params.ID = models.InvalidBroadcastID
	src, err := NewSource(f.deps, params)
	assert.NilError(t, err)
	assert.Assert(t, src.BroadcastID().Valid())
}

func TestSourceStartFailureRestoresConfiguration(t *testing.T) {
	f := newFixture()
	src, err := NewSource(f.deps, sourceParams())
	assert.NilError(t, err)
	failing := src.Streams()[2]
	f.tr.FailBIS(failing.ID(), errors.New("no channel"))

	err = src.Start(context.Background(), 1)
	pf, ok := models.AsPartialFailure(err)
	assert.Assert(t, ok, "got %v", err)
	assert.Equal(t, pf.First.Member, failing.ID().String())
	assert.Equal(t, src.State(), SourceCreated)
	for _, s := range src.Streams() {
		assert.Equal(t, s.State(), models.Configured)
	}
	assert.NilError(t, src.Delete())
}

func TestSourceEncryptedStart(t *testing.T) {
	f := newFixture()
	params := sourceParams()
	params.Encrypt = true
	code, err := models.ParseBroadcastCode("secret")
	assert.NilError(t, err)
	params.Code = code
	src, err := NewSource(f.deps, params)
	assert.NilError(t, err)
	assert.NilError(t, src.Start(context.Background(), 1))
	bigs := f.tr.BIGs()
	assert.Assert(t, bigs[0].Code != nil)
	assert.Equal(t, *bigs[0].Code, code)
}

func TestSourceUpdateMetadata(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	src, err := NewSource(f.deps, sourceParams())
	assert.NilError(t, err)

	metas := []models.Metadata{models.NewMetadata(models.ContextMedia), models.NewMetadata(models.ContextGame)}
	// not started: applied locally, nothing published
	assert.NilError(t, src.UpdateMetadata(ctx, metas))
	assert.Equal(t, len(f.tr.BASEs()), 0)

	assert.NilError(t, src.Start(ctx, 1))
	metas[1] = models.NewMetadata(models.ContextConversational)
	assert.NilError(t, src.UpdateMetadata(ctx, metas))
	assert.Equal(t, src.State(), SourceStarted)
	published := f.tr.BASEs()
	assert.Equal(t, len(published), 1)

	raw, ok := FindBASE(published[0])
	assert.Assert(t, ok)
	base, err := ParseBASE(raw)
	assert.NilError(t, err)
	got, ok := base.Subgroups[1].Codec.Meta.StreamingContext()
	assert.Assert(t, ok)
	assert.Equal(t, got, models.ContextConversational)
	assert.Equal(t, base.BISBitmap(), models.BISBitmapOf(1, 2, 3))
	assert.DeepEqual(t, base.Subgroups[1].BIS[1].Data, []byte{0x02, 0x03, 0x02})
	for _, s := range src.Streams()[1:] {
		assert.Equal(t, f.obs.Count("updated", s.ID()), 2)
	}

	err = src.UpdateMetadata(ctx, []models.Metadata{models.NewMetadata(0), metas[1]})
	assert.Equal(t, errors.Cause(err), models.ErrInvalidMetadata)
	err = src.UpdateMetadata(ctx, metas[:1])
	assert.Assert(t, models.IsInvalidArgument(err))
	assert.Equal(t, len(f.tr.BASEs()), 1)
}

func TestSourceReportsUpdatingWhilePublishing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	src, err := NewSource(f.deps, sourceParams())
	assert.NilError(t, err)
	assert.NilError(t, src.Start(ctx, 1))

	var during SourceState
	var stopErr, again error
	metas := []models.Metadata{models.NewMetadata(models.ContextMedia), models.NewMetadata(models.ContextGame)}
	f.tr.OnUpdateBASE = func() {
		during = src.State()
		stopErr = src.Stop(ctx)
		again = src.UpdateMetadata(ctx, metas)
	}
	assert.NilError(t, src.UpdateMetadata(ctx, metas))
	assert.Equal(t, during, SourceUpdating)
	assert.Equal(t, errors.Cause(stopErr), models.ErrAlreadyInProgress)
	assert.Equal(t, errors.Cause(again), models.ErrAlreadyInProgress)
	assert.Equal(t, src.State(), SourceStarted)
	assert.Equal(t, len(f.tr.BASEs()), 1)
}

func TestSourceStartFailureWithInlineTermination(t *testing.T) {
	f := newFixture()
	f.tr.Inline = true
	src, err := NewSource(f.deps, sourceParams())
	assert.NilError(t, err)
	f.tr.FailBIS(src.Streams()[0].ID(), errors.New("no channel"))

	done := make(chan error, 1)
	go func() { done <- src.Start(context.Background(), 1) }()
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("start never returned")
	}
	_, ok := models.AsPartialFailure(err)
	assert.Assert(t, ok, "got %v", err)
	assert.Equal(t, src.State(), SourceCreated)
	for _, s := range src.Streams() {
		assert.Equal(t, s.State(), models.Configured)
	}
}
