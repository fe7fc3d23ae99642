package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/dart/internal/device"
)

// NormalizeError maps known go-ble error strings onto the device sentinels so the
// reconnect policy can classify them. The original error stays wrapped.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", device.ErrTimeout, err)
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %w", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %w", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "device not connected"),
		device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %w", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %w", device.ErrAlreadyConnected, err)
	case device.ContainsIgnoreCase(msg, "timed out"), device.ContainsIgnoreCase(msg, "timeout"):
		return fmt.Errorf("%w: %w", device.ErrTimeout, err)
	case device.ContainsIgnoreCase(msg, "not supported"), device.ContainsIgnoreCase(msg, "not permitted"):
		return fmt.Errorf("%w: %w", device.ErrUnsupported, err)
	default:
		return err
	}
}
