package util

import (
	"github.com/currantlabs/ble"
	"github.com/currantlabs/ble/linux"
	"github.com/pkg/errors"
)

// NewDevice will return the HCI backed ble.Device used for scanning
func NewDevice() (ble.Device, error) {
	d, err := linux.NewDevice()
	if err != nil {
		return nil, errors.Wrap(err, "linux.NewDevice issue: ")
	}
	return d, nil
}
