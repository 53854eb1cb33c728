package internal

import (
	"context"
	"time"

	"github.com/currantlabs/ble"
)

// DummyDevice is a ble.Device whose scan replays canned advertisements
type DummyDevice struct {
	Advs  []ble.Advertisement
	Delay time.Duration
}

func (d DummyDevice) AddService(svc *ble.Service) error     { return nil }
func (d DummyDevice) RemoveAllServices() error              { return nil }
func (d DummyDevice) SetServices(svcs []*ble.Service) error { return nil }
func (d DummyDevice) Stop() error                           { return nil }
func (d DummyDevice) AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error {
	return nil
}
func (d DummyDevice) AdvertiseMfgData(ctx context.Context, id uint16, b []byte) error { return nil }
func (d DummyDevice) AdvertiseServiceData16(ctx context.Context, id uint16, b []byte) error {
	return nil
}
func (d DummyDevice) AdvertiseIBeaconData(ctx context.Context, b []byte) error { return nil }
func (d DummyDevice) AdvertiseIBeacon(ctx context.Context, u ble.UUID, major, minor uint16, pwr int8) error {
	return nil
}
func (d DummyDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) { return nil, nil }

// Scan delivers every canned advertisement unless ctx ends first
func (d DummyDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	for _, a := range d.Advs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.Delay):
		}
		h(a)
	}
	return nil
}
