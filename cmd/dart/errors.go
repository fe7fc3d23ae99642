package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/srg/dart/internal/device"
	"github.com/srg/dart/internal/session"
	"github.com/srg/dart/pkg/config"
)

// FormatUserError turns an error chain into a message for the terminal. Known
// conditions get a hint; everything else prints as is.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var verr *config.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}

	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var lines []string
		for _, e := range joined.Unwrap() {
			lines = append(lines, FormatUserError(e))
		}
		return strings.Join(lines, "\n")
	}

	var fatal *session.FatalError
	if errors.As(err, &fatal) {
		return fmt.Sprintf("%s could not be reached after %d attempts (last error: %s)", fatal.Device, fatal.Attempts, fatal.Last)
	}

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and try again"
	case errors.Is(err, os.ErrPermission):
		return fmt.Sprintf("%s (check that your user may open the device)", err)
	case errors.Is(err, os.ErrNotExist):
		return fmt.Sprintf("%s (check the path)", err)
	case errors.Is(err, session.ErrUnsupportedKind):
		return fmt.Sprintf("%s; wearables are recorded by their own program", err)
	}
	return err.Error()
}
