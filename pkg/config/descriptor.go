package config

import (
	"fmt"
	"strings"

	"github.com/srg/dart/internal/device"
	"github.com/srg/dart/internal/frame"
)

// DeviceDescriptor is the resolved identity of one physical device instance.
// It is immutable once built.
type DeviceDescriptor struct {
	Kind      device.Kind
	Instance  int
	Transport device.TransportKind
	Target    device.Target
	// Channels lists the logical channels of the device in acquisition order.
	Channels []frame.ChannelID
	// Endpoints maps each channel to its transport endpoint (characteristic UUID, or "" for streams).
	Endpoints [frame.NumChannels]string
}

// Key names the instance: the bare kind for the first one, "<kind>_<n>" after that.
func (d DeviceDescriptor) Key() string {
	if d.Instance <= 1 {
		return d.Kind.String()
	}
	return fmt.Sprintf("%s_%d", d.Kind, d.Instance)
}

func (d DeviceDescriptor) String() string {
	return fmt.Sprintf("%s@%s(%s)", d.Key(), d.Target, d.Transport)
}

// Profile is how a device kind is acquired: its channels in acquisition order and
// the transport used when the configuration names none. Each channel decodes with
// frame.NewDecoder.
type Profile struct {
	Channels  []frame.ChannelID
	Transport device.TransportKind
}

var profiles = map[device.Kind]Profile{
	device.WoodPlank:     {Channels: []frame.ChannelID{frame.Capacitive, frame.Strain, frame.Piezo}, Transport: device.BLEGATT},
	device.ThermalGrid:   {Channels: []frame.ChannelID{frame.Thermal}, Transport: device.BLEGATT},
	device.Environmental: {Channels: []frame.ChannelID{frame.Environmental}, Transport: device.BLEAdvertisement},
}

// ProfileOf returns the acquisition profile of kind. Kinds acquired outside a
// session, such as the wearable, are a configuration error.
func ProfileOf(kind device.Kind) (Profile, error) {
	p, ok := profiles[kind]
	if !ok {
		return Profile{}, &ValidationError{Problems: []string{fmt.Sprintf("%s is acquired by an external program, not by a session", kind)}}
	}
	return Profile{Channels: append([]frame.ChannelID(nil), p.Channels...), Transport: p.Transport}, nil
}

// Descriptors resolves every configured device instance.
func (c *Config) Descriptors() ([]DeviceDescriptor, error) {
	var out []DeviceDescriptor
	for i := range c.Devices {
		descs, err := c.Devices[i].Resolve()
		if err != nil {
			return nil, err
		}
		out = append(out, descs...)
	}
	return out, nil
}

// Find returns the descriptor with the given key.
func (c *Config) Find(key string) (DeviceDescriptor, error) {
	descs, err := c.Descriptors()
	if err != nil {
		return DeviceDescriptor{}, err
	}
	for _, d := range descs {
		if strings.EqualFold(d.Key(), key) {
			return d, nil
		}
	}
	return DeviceDescriptor{}, &ValidationError{Problems: []string{fmt.Sprintf("device %q is not configured", key)}}
}

// Resolve expands the entry into one descriptor per instance.
func (dc *DeviceConfig) Resolve() ([]DeviceDescriptor, error) {
	kind, err := device.ParseKind(dc.Device)
	if err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	profile, err := ProfileOf(kind)
	if err != nil {
		return nil, err
	}
	channels := profile.Channels

	transport := profile.Transport
	if dc.Transport != "" {
		transport = device.TransportKind(strings.ToLower(dc.Transport))
	}

	var endpoints [frame.NumChannels]string
	var endpointList []string
	if transport == device.BLEGATT {
		for _, ch := range channels {
			uuid, ok := lookupChannel(dc.Characteristics, ch)
			if !ok {
				return nil, &ValidationError{Problems: []string{fmt.Sprintf("%s: missing %s characteristic", dc.Device, ch)}}
			}
			endpoints[ch] = device.NormalizeUUID(uuid)
			endpointList = append(endpointList, endpoints[ch])
		}
	}

	amount := dc.Amount
	if amount < 1 {
		amount = 1
	}
	if transport == device.Serial && amount > 1 {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("%s: one serial port cannot serve %d instances", dc.Device, amount)}}
	}
	localName := dc.LocalName
	if localName == "" && transport == device.BLEAdvertisement {
		localName = kind.String()
	}
	out := make([]DeviceDescriptor, 0, amount)
	for i := 1; i <= amount; i++ {
		target := device.Target{
			ServiceUUID: device.NormalizeUUID(dc.ServiceUUID),
			LocalName:   localName,
			Endpoints:   endpointList,
			BaudRate:    dc.BaudRate,
		}
		switch {
		case transport == device.Serial:
			target.Address = dc.Port
		case i <= len(dc.Addresses):
			target.Address = dc.Addresses[i-1]
		}
		out = append(out, DeviceDescriptor{
			Kind:      kind,
			Instance:  i,
			Transport: transport,
			Target:    target,
			Channels:  append([]frame.ChannelID(nil), channels...),
			Endpoints: endpoints,
		})
	}
	return out, nil
}

func lookupChannel(m map[string]string, ch frame.ChannelID) (string, bool) {
	for name, uuid := range m {
		if parsed, err := frame.ParseChannel(name); err == nil && parsed == ch && uuid != "" {
			return uuid, true
		}
	}
	return "", false
}
