// Package goble implements the BLE transports on top of github.com/go-ble/ble:
// GATT connections for streaming devices and passive advertisement listening
// for devices that publish readings in manufacturer data.
package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/dart/internal/device"
)

// DeviceFactory creates the host controller. It is a variable so tests can replace it.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDefaultDevice

var (
	hostMu sync.Mutex
	host   ble.Device
)

// hostDevice returns the process-wide controller, creating it on first use.
// Only one controller may be open at a time, so every transport shares it.
func hostDevice() (ble.Device, error) {
	hostMu.Lock()
	defer hostMu.Unlock()
	if host != nil {
		return host, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	host = dev
	return host, nil
}

// CloseHost stops the shared controller. A later transport call opens a new one.
func CloseHost() error {
	hostMu.Lock()
	defer hostMu.Unlock()
	if host == nil {
		return nil
	}
	err := host.Stop()
	host = nil
	return err
}

// Scan runs a duplicate-reporting scan on the shared controller until ctx ends.
func Scan(ctx context.Context, handler func(device.Advertisement)) error {
	dev, err := hostDevice()
	if err != nil {
		return err
	}
	err = dev.Scan(ctx, true, func(adv ble.Advertisement) {
		handler(NewAdvertisement(adv))
	})
	if ctx.Err() != nil {
		return nil
	}
	return NormalizeError(err)
}

// dial connects to address through the shared controller.
func dial(ctx context.Context, address string) (gattClient, error) {
	dev, err := hostDevice()
	if err != nil {
		return nil, err
	}
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, NormalizeError(err)
	}
	return client, nil
}
