package util

import (
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/pkg/errors"
)

// Timeout is a utility method used to timeout function calls after the specified interval
func Timeout(fn func() error, duration time.Duration) error {
	ch := make(chan error, 1)
	go func() {
		ch <- CatchErrs(fn)
	}()
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return errors.Wrapf(models.ErrTimeout, "after %s", duration)
	}
}
