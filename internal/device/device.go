package device

import (
	"context"
	"fmt"
	"strings"
)

// Kind is the sensor family of a device.
type Kind int

const (
	WoodPlank Kind = iota
	ThermalGrid
	Environmental
	// Wearable sensors are driven by an external executable and have no acquisition core session.
	Wearable
)

var kindNames = map[Kind]string{
	WoodPlank:     "Connected_Wood_Plank",
	ThermalGrid:   "GridEYE",
	Environmental: "SEN55",
	Wearable:      "Myo_Sensor",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind accepts the device names used in configuration files.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if strings.EqualFold(n, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown device kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// TransportKind names the physical link a device is reached over.
type TransportKind string

const (
	// BLEGATT connects to a peripheral and reads characteristics.
	BLEGATT TransportKind = "ble"
	// BLEAdvertisement listens to manufacturer data in advertisements without connecting.
	BLEAdvertisement TransportKind = "ble-adv"
	// Serial reads a byte stream from a serial port.
	Serial TransportKind = "serial"
)

// Target tells a transport what to look for and what to open.
type Target struct {
	// Address is a BLE address or a serial port path. Empty means "find by ServiceUUID or LocalName".
	Address     string
	ServiceUUID string
	LocalName   string
	// Endpoints are the characteristic UUIDs the session will use. Stream transports ignore them.
	Endpoints []string
	// BaudRate applies to serial transports only.
	BaudRate int
}

func (t Target) String() string {
	switch {
	case t.Address != "":
		return t.Address
	case t.LocalName != "":
		return t.LocalName
	default:
		return t.ServiceUUID
	}
}

// Transport finds devices and opens links to them.
type Transport interface {
	Kind() TransportKind
	// Discover blocks until a device matching target is seen and returns its address.
	Discover(ctx context.Context, target Target) (string, error)
	// Connect opens a link to the device at address.
	Connect(ctx context.Context, address string, target Target) (Link, error)
}

// Link is an open connection to one physical device. Endpoints are characteristic
// UUIDs for GATT links; stream links expose a single endpoint "".
type Link interface {
	Address() string

	// SupportsPush reports whether endpoint can deliver data without being read.
	SupportsPush(endpoint string) (bool, error)
	// Subscribe registers handler for pushed chunks. The handler runs on the
	// transport's goroutine and must not block; the chunk is owned by the handler.
	Subscribe(endpoint string, handler func(chunk []byte)) error
	Unsubscribe(endpoint string) error
	// Read performs one synchronous read of endpoint.
	Read(ctx context.Context, endpoint string) ([]byte, error)

	// Done is closed when the link drops on its own; Err then tells why.
	Done() <-chan struct{}
	Err() error
	// Close tears the link down. Calling it more than once is harmless.
	Close() error
}

// Advertisement is the subset of a BLE advertisement the transports match on
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	RSSI() int
	Addr() string
}
