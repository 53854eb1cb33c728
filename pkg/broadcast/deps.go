package broadcast

import (
	"context"
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/operation"
	"github.com/Krajiyah/leaudio-sdk/pkg/stream"
	"github.com/Krajiyah/leaudio-sdk/pkg/transport"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Deps are the collaborators shared by sources and sinks
type Deps struct {
	Pool      *stream.Pool
	Transport transport.Transport
	Hub       *transport.Hub
	// Timeout bounds waiting for every BIS of a group; zero means the default
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

func (d Deps) timeout() time.Duration {
	if d.Timeout <= 0 {
		return util.DefaultRoundTripTimeout
	}
	return d.Timeout
}

func keysOf(streams []*stream.Stream) []string {
	ret := make([]string, 0, len(streams))
	for _, s := range streams {
		ret = append(ret, s.ID().String())
	}
	return ret
}

// await waits until op resolved. Members still outstanding after d expire
// with models.ErrTimeout. When ctx ends first op is canceled.
func await(ctx context.Context, op *operation.Operation, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-op.Done():
	case <-timer.C:
		op.Expire(errors.Wrapf(models.ErrTimeout, "after %s", d))
	case <-ctx.Done():
		if op.Cancel() {
			return errors.Wrap(models.ErrCanceled, ctx.Err().Error())
		}
	}
	return op.Result()
}
