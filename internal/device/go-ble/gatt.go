package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/dart/internal/device"
	"github.com/srg/dart/internal/groutine"
)

// gattClient is the part of ble.Client a link needs.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// GATTTransport discovers peripherals by advertisement and connects to them.
// An address stays claimed while a link to it is open, so several instances of
// one kind never end up on the same peripheral.
type GATTTransport struct {
	hub     *Hub
	logger  *logrus.Logger
	dial    func(ctx context.Context, address string) (gattClient, error)
	claimed *claims
}

var _ device.Transport = (*GATTTransport)(nil)

func NewGATTTransport(hub *Hub, logger *logrus.Logger) *GATTTransport {
	if logger == nil {
		logger = logrus.New()
	}
	return &GATTTransport{
		hub:     hub,
		logger:  logger,
		dial:    dial,
		claimed: newClaims(),
	}
}

func (t *GATTTransport) Kind() device.TransportKind { return device.BLEGATT }

func (t *GATTTransport) Discover(ctx context.Context, target device.Target) (string, error) {
	match := MatchTarget(target)
	advs, errs, stop := t.hub.Watch(func(adv device.Advertisement) bool {
		return match(adv) && !t.isClaimed(adv.Addr())
	})
	defer stop()

	t.logger.WithField("target", target.String()).Debug("Waiting for advertisement")
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err := <-errs:
			return "", err
		case adv := <-advs:
			if t.isClaimed(adv.Addr()) {
				continue
			}
			t.logger.WithFields(logrus.Fields{
				"address": adv.Addr(),
				"name":    adv.LocalName(),
				"rssi":    adv.RSSI(),
			}).Debug("Matching advertisement")
			return adv.Addr(), nil
		}
	}
}

func (t *GATTTransport) Connect(ctx context.Context, address string, target device.Target) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	if !t.claimed.take(address) {
		return nil, fmt.Errorf("%s: %w", address, device.ErrAlreadyConnected)
	}
	release := func() { t.claimed.release(address) }

	t.logger.WithField("address", address).Info("Connecting to BLE device...")
	client, err := t.dial(ctx, address)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, err)
	}
	link, err := newGATTLink(client, address, t.logger, release)
	if err != nil {
		release()
		return nil, err
	}
	for _, ep := range target.Endpoints {
		if _, err := link.characteristic(ep); err != nil {
			_ = link.Close()
			return nil, err
		}
	}
	return link, nil
}

func (t *GATTTransport) isClaimed(address string) bool {
	return t.claimed.held(address)
}

// ----------------------------
// GATT link
// ----------------------------

type gattLink struct {
	address string
	client  gattClient
	logger  *logrus.Entry
	release func()

	chars map[string]*ble.Characteristic

	mu         sync.Mutex
	subscribed map[string]bool // endpoint -> subscribed with indications
	err        error

	done      chan struct{}
	dropOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func newGATTLink(client gattClient, address string, logger *logrus.Logger, release func()) (*gattLink, error) {
	entry := logger.WithField("address", address)
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		entry.WithField("error", err).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			entry.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	l := &gattLink{
		address:    address,
		client:     client,
		logger:     entry,
		release:    release,
		chars:      make(map[string]*ble.Characteristic),
		subscribed: make(map[string]bool),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			l.chars[device.NormalizeUUID(c.UUID.String())] = c
		}
	}

	// Only some backends report disconnection; elsewhere a drop surfaces as a failed read.
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				l.logger.Warn("Peripheral disconnected")
				l.drop(device.ErrNotConnected)
			case <-l.closed:
			}
		})
	}

	entry.WithFields(logrus.Fields{
		"services":        len(profile.Services),
		"characteristics": len(l.chars),
	}).Info("BLE device connected successfully")
	return l, nil
}

func (l *gattLink) characteristic(endpoint string) (*ble.Characteristic, error) {
	c, ok := l.chars[device.NormalizeUUID(endpoint)]
	if !ok {
		return nil, fmt.Errorf("%w: %w", device.ErrProtocol, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{endpoint}})
	}
	return c, nil
}

func (l *gattLink) Address() string { return l.address }

func (l *gattLink) SupportsPush(endpoint string) (bool, error) {
	c, err := l.characteristic(endpoint)
	if err != nil {
		return false, err
	}
	return c.Property&(ble.CharNotify|ble.CharIndicate) != 0, nil
}

func (l *gattLink) Subscribe(endpoint string, handler func([]byte)) error {
	c, err := l.characteristic(endpoint)
	if err != nil {
		return err
	}
	// Prefer notifications; fall back to indications when that is all the peripheral offers.
	ind := c.Property&ble.CharNotify == 0
	err = l.client.Subscribe(c, ind, func(data []byte) {
		select {
		case <-l.closed:
			return
		default:
		}
		handler(append([]byte(nil), data...))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", endpoint, NormalizeError(err))
	}

	l.mu.Lock()
	l.subscribed[endpoint] = ind
	l.mu.Unlock()
	l.logger.WithFields(logrus.Fields{"char_uuid": endpoint, "indicate": ind}).Debug("Subscribed")
	return nil
}

func (l *gattLink) Unsubscribe(endpoint string) error {
	l.mu.Lock()
	ind, ok := l.subscribed[endpoint]
	delete(l.subscribed, endpoint)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	c, err := l.characteristic(endpoint)
	if err != nil {
		return err
	}
	return NormalizeError(l.client.Unsubscribe(c, ind))
}

// Read performs the GATT read on its own goroutine so ctx can abandon a peripheral
// that stopped answering.
func (l *gattLink) Read(ctx context.Context, endpoint string) ([]byte, error) {
	c, err := l.characteristic(endpoint)
	if err != nil {
		return nil, err
	}

	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		data, err := l.client.ReadCharacteristic(c)
		resultCh <- readResult{data: data, err: err}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", endpoint, NormalizeError(result.err))
		}
		return result.data, nil
	case <-l.done:
		return nil, l.Err()
	case <-ctx.Done():
		return nil, fmt.Errorf("read %s: %w", endpoint, NormalizeError(ctx.Err()))
	}
}

func (l *gattLink) Done() <-chan struct{} { return l.done }

func (l *gattLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *gattLink) drop(err error) {
	l.dropOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *gattLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = NormalizeError(l.client.CancelConnection())
		if l.release != nil {
			l.release()
		}
		l.logger.Info("BLE device disconnected")
	})
	return err
}
