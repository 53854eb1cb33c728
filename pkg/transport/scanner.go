package transport

import (
	"context"

	"github.com/currantlabs/ble"
)

// Scanner delivers legacy and extended advertising reports. ble.Device satisfies it.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
}
