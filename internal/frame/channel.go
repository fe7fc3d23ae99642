package frame

import (
	"fmt"
	"strings"
)

// ChannelID identifies one logical data source within a device.
type ChannelID int

const (
	Capacitive ChannelID = iota
	Strain
	Piezo
	Thermal
	Environmental

	// NumChannels sizes every per-channel table.
	NumChannels
)

var channelNames = [NumChannels]string{
	Capacitive:    "capacitive",
	Strain:        "strain",
	Piezo:         "piezo",
	Thermal:       "thermal",
	Environmental: "environmental",
}

// EnvironmentalFields lists the environmental values in the order they appear in Values().
var EnvironmentalFields = []string{"Pm1p0", "Pm2p5", "Pm10", "Temperature", "Humidity", "VOC", "NOx"}

func (c ChannelID) String() string {
	if !c.Valid() {
		return fmt.Sprintf("channel(%d)", int(c))
	}
	return channelNames[c]
}

// Valid reports whether c is one of the known channels.
func (c ChannelID) Valid() bool {
	return c >= 0 && c < NumChannels
}

// ParseChannel resolves a channel name (case-insensitive).
func ParseChannel(s string) (ChannelID, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range channelNames {
		if n == name {
			return ChannelID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", s)
}

// MarshalText renders the channel by name, so channel-keyed maps serialize readably.
func (c ChannelID) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid channel %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText parses a channel name.
func (c *ChannelID) UnmarshalText(text []byte) error {
	id, err := ParseChannel(string(text))
	if err != nil {
		return err
	}
	*c = id
	return nil
}

// ValueNames returns a label for every element of Values() of a frame on channel c.
func (c ChannelID) ValueNames() []string {
	var prefix string
	var n int
	switch c {
	case Capacitive:
		prefix, n = "c", CapacitiveCells
	case Strain:
		prefix, n = "s", StrainGauges
	case Piezo:
		prefix, n = "p", PiezoSensors
	case Thermal:
		prefix, n = "t", ThermalPixels
	case Environmental:
		return append([]string(nil), EnvironmentalFields...)
	default:
		return nil
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return names
}
