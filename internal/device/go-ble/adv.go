package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/dart/internal/device"
	"github.com/srg/dart/internal/groutine"
)

// companyIDLen is the Bluetooth SIG company identifier leading manufacturer data.
const companyIDLen = 2

// AdvertisementTransport serves devices that publish their readings in the
// manufacturer data of advertisements. Nothing is ever dialed: a link is a scan
// watcher filtered to one address, and every advertisement is a pushed chunk.
type AdvertisementTransport struct {
	hub     *Hub
	logger  *logrus.Logger
	claimed *claims
}

var _ device.Transport = (*AdvertisementTransport)(nil)

func NewAdvertisementTransport(hub *Hub, logger *logrus.Logger) *AdvertisementTransport {
	if logger == nil {
		logger = logrus.New()
	}
	return &AdvertisementTransport{hub: hub, logger: logger, claimed: newClaims()}
}

func (t *AdvertisementTransport) Kind() device.TransportKind { return device.BLEAdvertisement }

func (t *AdvertisementTransport) Discover(ctx context.Context, target device.Target) (string, error) {
	match := MatchTarget(target)
	advs, errs, stop := t.hub.Watch(func(adv device.Advertisement) bool {
		return !t.claimed.held(adv.Addr()) && match(adv) && len(adv.ManufacturerData()) > companyIDLen
	})
	defer stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errs:
		return "", err
	case adv := <-advs:
		return adv.Addr(), nil
	}
}

func (t *AdvertisementTransport) Connect(_ context.Context, address string, _ device.Target) (device.Link, error) {
	if !t.claimed.take(address) {
		return nil, fmt.Errorf("%s: %w", address, device.ErrAlreadyConnected)
	}

	advs, errs, stop := t.hub.Watch(func(adv device.Advertisement) bool {
		return strings.EqualFold(adv.Addr(), address)
	})
	l := &advLink{
		address: address,
		logger:  t.logger.WithField("address", address),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
		release: func() {
			stop()
			t.claimed.release(address)
		},
	}
	groutine.Go(context.Background(), "ble-adv-"+address, func(context.Context) {
		l.pump(advs, errs)
	})
	l.logger.Info("Listening to advertisements")
	return l, nil
}

type advLink struct {
	address string
	logger  *logrus.Entry
	release func()

	mu      sync.Mutex
	handler func([]byte)
	err     error

	done      chan struct{}
	dropOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *advLink) pump(advs <-chan device.Advertisement, errs <-chan error) {
	for {
		select {
		case <-l.closed:
			return
		case err := <-errs:
			l.drop(err)
			return
		case adv := <-advs:
			data := adv.ManufacturerData()
			if len(data) <= companyIDLen {
				continue
			}
			l.mu.Lock()
			h := l.handler
			l.mu.Unlock()
			if h != nil {
				h(append([]byte(nil), data[companyIDLen:]...))
			}
		}
	}
}

func (l *advLink) Address() string { return l.address }

// SupportsPush is always true: advertisements are the only way data arrives.
func (l *advLink) SupportsPush(string) (bool, error) { return true, nil }

func (l *advLink) Subscribe(_ string, handler func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
	return nil
}

func (l *advLink) Unsubscribe(string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = nil
	return nil
}

func (l *advLink) Read(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("advertisement data cannot be read on demand: %w", device.ErrUnsupported)
}

func (l *advLink) Done() <-chan struct{} { return l.done }

func (l *advLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *advLink) drop(err error) {
	l.dropOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *advLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.release()
		l.logger.Debug("Stopped listening to advertisements")
	})
	return nil
}
