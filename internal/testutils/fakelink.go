package testutils

import (
	"context"
	"sync"

	"github.com/srg/dart/internal/device"
)

// FakeLink is a programmable device.Link. Push endpoints deliver chunks through
// Emit; poll endpoints serve queued or repeating reads.
type FakeLink struct {
	address string

	mu           sync.Mutex
	push         map[string]bool
	pushQueryErr     error
	subscribeErr map[string]error
	handlers     map[string]func([]byte)
	queued       map[string][][]byte
	forever      map[string][]byte
	readErr      error
	failAfter    int
	reads        int
	unsubscribed []string
	closed       bool

	done     chan struct{}
	dropOnce sync.Once
	err      error
}

var _ device.Link = (*FakeLink)(nil)

func NewFakeLink(address string) *FakeLink {
	return &FakeLink{
		address:      address,
		push:         map[string]bool{},
		subscribeErr: map[string]error{},
		handlers:     map[string]func([]byte){},
		queued:       map[string][][]byte{},
		forever:      map[string][]byte{},
		done:         make(chan struct{}),
	}
}

// WithPush marks endpoints as able to notify.
func (l *FakeLink) WithPush(endpoints ...string) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range endpoints {
		l.push[e] = true
	}
	return l
}

// WithPushQueryError makes SupportsPush fail for every endpoint.
func (l *FakeLink) WithPushQueryError(err error) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pushQueryErr = err
	return l
}

// WithSubscribeError makes Subscribe on endpoint fail even though it advertises push.
func (l *FakeLink) WithSubscribeError(endpoint string, err error) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribeErr[endpoint] = err
	return l
}

// QueueReads appends chunks returned, in order, by successive reads of endpoint.
func (l *FakeLink) QueueReads(endpoint string, chunks ...[]byte) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queued[endpoint] = append(l.queued[endpoint], chunks...)
	return l
}

// ReadForever makes endpoint return chunk once its queue is empty.
func (l *FakeLink) ReadForever(endpoint string, chunk []byte) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forever[endpoint] = chunk
	return l
}

// FailReads makes every following read fail with err.
func (l *FakeLink) FailReads(err error) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failAfter = 0
	l.readErr = err
	return l
}

// FailReadsAfter lets n reads through, then fails every following one with err.
func (l *FakeLink) FailReadsAfter(n int, err error) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failAfter = n
	l.readErr = err
	return l
}

// Emit pushes chunk to the subscriber of endpoint. It reports false when nobody listens.
func (l *FakeLink) Emit(endpoint string, chunk []byte) bool {
	l.mu.Lock()
	h := l.handlers[endpoint]
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(append([]byte(nil), chunk...))
	return true
}

// Drop simulates the peer going away.
func (l *FakeLink) Drop(err error) {
	l.dropOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *FakeLink) Subscribed(endpoint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handlers[endpoint] != nil
}

func (l *FakeLink) Unsubscribed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.unsubscribed...)
}

func (l *FakeLink) Reads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads
}

func (l *FakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// ----------------------------
// device.Link
// ----------------------------

func (l *FakeLink) Address() string { return l.address }

func (l *FakeLink) SupportsPush(endpoint string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pushQueryErr != nil {
		return false, l.pushQueryErr
	}
	return l.push[endpoint], nil
}

func (l *FakeLink) Subscribe(endpoint string, handler func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return device.ErrNotConnected
	}
	if err := l.subscribeErr[endpoint]; err != nil {
		return err
	}
	if !l.push[endpoint] {
		return device.ErrUnsupported
	}
	l.handlers[endpoint] = handler
	return nil
}

func (l *FakeLink) Unsubscribe(endpoint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, endpoint)
	l.unsubscribed = append(l.unsubscribed, endpoint)
	return nil
}

func (l *FakeLink) Read(ctx context.Context, endpoint string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if l.closed {
		return nil, device.ErrNotConnected
	}
	if l.readErr != nil && l.reads > l.failAfter {
		return nil, l.readErr
	}
	if q := l.queued[endpoint]; len(q) > 0 {
		l.queued[endpoint] = q[1:]
		return append([]byte(nil), q[0]...), nil
	}
	if chunk, ok := l.forever[endpoint]; ok {
		return append([]byte(nil), chunk...), nil
	}
	return nil, nil
}

func (l *FakeLink) Done() <-chan struct{} { return l.done }

func (l *FakeLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *FakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handlers = map[string]func([]byte){}
	return nil
}

// ----------------------------
// FakeTransport
// ----------------------------

// FakeTransport hands out FakeLinks. Hooks receive the 1-based call number and may
// inject failures; without hooks every call succeeds with a fresh link.
type FakeTransport struct {
	Address string

	// OnDiscover returning a non-nil error fails that discovery.
	OnDiscover func(n int) error
	// OnConnect builds the link for connection n.
	OnConnect func(n int) (*FakeLink, error)
	// BlockDiscover makes Discover wait for its context instead of returning.
	BlockDiscover bool

	mu        sync.Mutex
	discovers int
	links     []*FakeLink
	connects  int
}

var _ device.Transport = (*FakeTransport)(nil)

func NewFakeTransport(address string, onConnect func(n int) (*FakeLink, error)) *FakeTransport {
	return &FakeTransport{Address: address, OnConnect: onConnect}
}

func (t *FakeTransport) Kind() device.TransportKind { return device.BLEGATT }

func (t *FakeTransport) Discover(ctx context.Context, _ device.Target) (string, error) {
	t.mu.Lock()
	t.discovers++
	n := t.discovers
	t.mu.Unlock()

	if t.BlockDiscover {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if t.OnDiscover != nil {
		if err := t.OnDiscover(n); err != nil {
			return "", err
		}
	}
	return t.Address, nil
}

func (t *FakeTransport) Connect(ctx context.Context, address string, _ device.Target) (device.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.connects++
	n := t.connects
	t.mu.Unlock()

	link := NewFakeLink(address)
	if t.OnConnect != nil {
		var err error
		if link, err = t.OnConnect(n); err != nil {
			return nil, err
		}
	}
	t.mu.Lock()
	t.links = append(t.links, link)
	t.mu.Unlock()
	return link, nil
}

func (t *FakeTransport) Discovers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discovers
}

func (t *FakeTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Links returns every link handed out so far.
func (t *FakeTransport) Links() []*FakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FakeLink(nil), t.links...)
}

// LastLink returns the most recent link or nil.
func (t *FakeTransport) LastLink() *FakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.links) == 0 {
		return nil
	}
	return t.links[len(t.links)-1]
}
