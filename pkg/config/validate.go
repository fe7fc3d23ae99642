package config

import (
	"fmt"
	"strings"

	"github.com/srg/dart/internal/device"
	"github.com/srg/dart/internal/frame"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return "invalid configuration:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// Validate checks timings, payload shapes and every device entry.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.PollInterval <= 0 {
		add("poll_interval must be positive")
	}
	if c.DiscoveryTimeout <= 0 {
		add("discovery_timeout must be positive")
	}
	if c.ConnectTimeout <= 0 {
		add("connect_timeout must be positive")
	}
	if c.StaleTimeout < 0 {
		add("stale_timeout must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		add("retry.max_attempts must not be negative")
	}
	if c.Broadcast.Enabled && (c.Broadcast.Port <= 0 || c.Broadcast.Port > 65535) {
		add("broadcast.port %d out of range", c.Broadcast.Port)
	}
	for name, shape := range c.Broadcast.Payload {
		if _, err := frame.ParseChannel(name); err != nil {
			add("broadcast.payload: %v", err)
		}
		switch shape {
		case "values", "scalars", "raw":
		default:
			add("broadcast.payload.%s: unknown shape %q", name, shape)
		}
	}

	seen := map[string]bool{}
	for i := range c.Devices {
		dc := &c.Devices[i]
		descs, err := dc.Resolve()
		if err != nil {
			if ve, ok := err.(*ValidationError); ok {
				problems = append(problems, ve.Problems...)
			} else {
				add("%s: %v", dc.Device, err)
			}
			continue
		}
		for _, d := range descs {
			if seen[d.Key()] {
				add("device %s configured twice", d.Key())
			}
			seen[d.Key()] = true
			problems = append(problems, validateDescriptor(d)...)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validateDescriptor(d DeviceDescriptor) []string {
	var problems []string
	switch d.Transport {
	case device.BLEGATT:
		if d.Target.Address == "" && d.Target.ServiceUUID == "" {
			problems = append(problems, fmt.Sprintf("%s: service_uuid or address required", d.Key()))
		}
		if d.Target.ServiceUUID != "" {
			if _, err := device.ValidateUUID(d.Target.ServiceUUID); err != nil {
				problems = append(problems, fmt.Sprintf("%s: service_uuid: %v", d.Key(), err))
			}
		}
		if _, err := device.ValidateUUID(d.Target.Endpoints...); err != nil {
			problems = append(problems, fmt.Sprintf("%s: characteristics: %v", d.Key(), err))
		}
	case device.BLEAdvertisement:
		if d.Target.LocalName == "" && d.Target.Address == "" {
			problems = append(problems, fmt.Sprintf("%s: local_name or address required", d.Key()))
		}
	case device.Serial:
		if d.Target.Address == "" {
			problems = append(problems, fmt.Sprintf("%s: port required", d.Key()))
		}
		if d.Target.BaudRate <= 0 {
			problems = append(problems, fmt.Sprintf("%s: baud_rate must be positive", d.Key()))
		}
	default:
		problems = append(problems, fmt.Sprintf("%s: unknown transport %q", d.Key(), d.Transport))
	}
	return problems
}
