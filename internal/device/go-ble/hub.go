package goble

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/dart/internal/device"
	"github.com/srg/dart/internal/groutine"
)

// ScanFunc delivers advertisements until ctx ends or scanning fails.
type ScanFunc func(ctx context.Context, handler func(device.Advertisement)) error

const watcherBuffer = 16

type watcher struct {
	match func(device.Advertisement) bool
	advs  chan device.Advertisement
	errs  chan error
}

// Hub multiplexes one scan among every party waiting for advertisements. The
// scan runs while at least one watcher is registered.
type Hub struct {
	scan   ScanFunc
	logger *logrus.Logger

	// watchers is replaced, never mutated, so dispatch iterates a stable snapshot.
	watchers atomic.Pointer[[]*watcher]
	wmu      sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	gen     uint64
}

func NewHub(scan ScanFunc, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	h := &Hub{scan: scan, logger: logger}
	h.watchers.Store(&[]*watcher{})
	return h
}

// Watch registers match and returns the advertisements it accepts together with
// scan failures. The returned function unregisters the watcher.
func (h *Hub) Watch(match func(device.Advertisement) bool) (<-chan device.Advertisement, <-chan error, func()) {
	w := &watcher{
		match: match,
		advs:  make(chan device.Advertisement, watcherBuffer),
		errs:  make(chan error, 1),
	}
	h.update(func(ws []*watcher) []*watcher { return append(ws, w) })
	h.ensureScanning()

	var once sync.Once
	return w.advs, w.errs, func() {
		once.Do(func() {
			h.update(func(ws []*watcher) []*watcher {
				return slices.DeleteFunc(ws, func(x *watcher) bool { return x == w })
			})
			h.maybeStop()
		})
	}
}

// update installs a modified copy of the watcher list.
func (h *Hub) update(fn func([]*watcher) []*watcher) {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	next := fn(slices.Clone(*h.watchers.Load()))
	h.watchers.Store(&next)
}

// Watchers returns the number of registered watchers.
func (h *Hub) Watchers() int { return len(*h.watchers.Load()) }

func (h *Hub) ensureScanning() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.running = true
	h.gen++
	gen := h.gen
	h.logger.Debug("Starting BLE scan")

	groutine.Go(ctx, "ble-scan-hub", func(ctx context.Context) {
		err := h.scan(ctx, h.dispatch)
		h.mu.Lock()
		if h.gen == gen {
			h.running = false
		}
		h.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("scan ended: %w", device.ErrClosed)
		}
		h.logger.WithField("error", err).Warn("BLE scan stopped")
		h.fail(err)
	})
}

func (h *Hub) maybeStop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Watchers() > 0 || !h.running {
		return
	}
	h.logger.Debug("Stopping BLE scan, no watchers left")
	h.cancel()
	h.running = false
}

func (h *Hub) dispatch(adv device.Advertisement) {
	for _, w := range *h.watchers.Load() {
		if !w.match(adv) {
			continue
		}
		select {
		case w.advs <- adv:
		default:
			// Slow watcher: advertisements repeat, dropping one loses nothing durable.
		}
	}
}

func (h *Hub) fail(err error) {
	for _, w := range *h.watchers.Load() {
		select {
		case w.errs <- err:
		default:
		}
	}
}

// MatchTarget accepts advertisements of the device described by target: by
// address when one is set, otherwise by service UUID or local name.
func MatchTarget(target device.Target) func(device.Advertisement) bool {
	service := ""
	if target.ServiceUUID != "" {
		service = device.NormalizeUUID(target.ServiceUUID)
	}
	return func(adv device.Advertisement) bool {
		if target.Address != "" {
			return strings.EqualFold(adv.Addr(), target.Address)
		}
		if service != "" {
			for _, s := range adv.Services() {
				if device.NormalizeUUID(s) == service {
					return true
				}
			}
		}
		return target.LocalName != "" && adv.LocalName() == target.LocalName
	}
}
