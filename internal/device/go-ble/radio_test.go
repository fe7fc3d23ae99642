package goble

import (
	"context"
	"sync"

	"github.com/srg/dart/internal/device"
)

type fakeAdv struct {
	addr     string
	name     string
	services []string
	mfg      []byte
}

func (a fakeAdv) LocalName() string        { return a.name }
func (a fakeAdv) ManufacturerData() []byte { return a.mfg }
func (a fakeAdv) Services() []string       { return a.services }
func (a fakeAdv) RSSI() int                { return -60 }
func (a fakeAdv) Addr() string             { return a.addr }

// fakeRadio is a ScanFunc whose advertisements are injected by the test.
type fakeRadio struct {
	mu      sync.Mutex
	handler func(device.Advertisement)
	starts  int
	fail    chan error
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{fail: make(chan error, 1)}
}

func (r *fakeRadio) scan(ctx context.Context, handler func(device.Advertisement)) error {
	r.mu.Lock()
	r.handler = handler
	r.starts++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.handler = nil
		r.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-r.fail:
		return err
	}
}

// advertise reports false while no scan is running.
func (r *fakeRadio) advertise(adv device.Advertisement) bool {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h(adv)
	return true
}

func (r *fakeRadio) scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler != nil
}

func (r *fakeRadio) scans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}
