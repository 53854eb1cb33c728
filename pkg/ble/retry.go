package ble

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	maxRetryAttempts = 5
	stopDelay        = time.Millisecond * 500
)

func retry(ctx context.Context, logger *zap.SugaredLogger, fn func() error) error {
	err := errors.New("not error")
	attempts := 0
	for err != nil && attempts < maxRetryAttempts {
		if attempts > 0 {
			if ctx.Err() != nil {
				return errors.Wrap(err, "Canceled retry issue: ")
			}
			logger.Infow("Retrying", "attempt", attempts, "err", err)
		}
		attempts++
		err = fn()
	}
	if err != nil {
		return errors.Wrap(err, "Exceeded attempts issue: ")
	}
	return nil
}
