// Package broadcast publishes the latest samples as UDP JSON datagrams for live
// displays on the local network.
package broadcast

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/dart/internal/frame"
	"github.com/srg/dart/internal/groutine"
	"github.com/srg/dart/internal/metrics"
	"github.com/srg/dart/internal/recording"
	"github.com/srg/dart/pkg/config"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Shape selects how a channel's samples are rendered.
type Shape string

const (
	// ShapeValues sends one datagram per sample with every value keyed by name.
	ShapeValues Shape = "values"
	// ShapeScalars sends one datagram per value.
	ShapeScalars Shape = "scalars"
	// ShapeRaw sends the hex-encoded frame as received.
	ShapeRaw Shape = "raw"
)

const (
	DefaultQueueSize   = 1024
	DefaultMinInterval = 100 * time.Millisecond
)

type Options struct {
	Address     string
	Port        int
	MinInterval time.Duration
	Shapes      map[frame.ChannelID]Shape
	QueueSize   uint32
	RunID       string
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
}

// OptionsFromConfig maps the broadcast section of the configuration. Channel
// names were validated with the configuration.
func OptionsFromConfig(cfg config.BroadcastConfig) Options {
	shapes := make(map[frame.ChannelID]Shape, len(cfg.Payload))
	for name, shape := range cfg.Payload {
		if ch, err := frame.ParseChannel(name); err == nil {
			shapes[ch] = Shape(shape)
		}
	}
	return Options{
		Address:     cfg.Address,
		Port:        cfg.Port,
		MinInterval: cfg.MinInterval,
		Shapes:      shapes,
	}
}

// datagram is one rendered message; key identifies what it reports on so that only
// the latest message per key is sent and unchanged content is skipped.
type datagram struct {
	key     string
	content string
	payload []byte
}

// Broadcaster is a recording.Sink. Consume only enqueues into an overlapped ring,
// so a slow network never holds up the drain; a sender goroutine empties the ring
// every MinInterval.
type Broadcaster struct {
	opts   Options
	logger *logrus.Logger
	conn   *net.UDPConn
	dest   *net.UDPAddr

	queue       mpmc.RichOverlappedRingBuffer[recording.Sample]
	overwritten atomic.Int64
	sent        atomic.Int64

	// last maps a datagram key to the content last sent. Owned by the sender goroutine.
	last map[string]string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ recording.Sink = (*Broadcaster)(nil)

func New(opts Options) (*Broadcaster, error) {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	dest, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(opts.Address, strconv.Itoa(opts.Port)))
	if err != nil {
		return nil, fmt.Errorf("broadcast address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("broadcast socket: %w", err)
	}
	return &Broadcaster{
		opts:   opts,
		logger: opts.Logger,
		conn:   conn,
		dest:   dest,
		queue:  mpmc.NewOverlappedRingBuffer[recording.Sample](opts.QueueSize),
		last:   make(map[string]string),
	}, nil
}

func (b *Broadcaster) Name() string { return "broadcast" }

// Consume enqueues samples for the sender. When the ring is full the oldest
// samples are overwritten.
func (b *Broadcaster) Consume(_ context.Context, samples []recording.Sample) error {
	for _, s := range samples {
		overwrites, err := b.queue.EnqueueM(s)
		if err != nil {
			return fmt.Errorf("broadcast queue: %w", err)
		}
		b.overwritten.Add(int64(overwrites))
	}
	return nil
}

// Start launches the sender. It runs until ctx ends or Close is called.
func (b *Broadcaster) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	done := b.done

	b.logger.WithFields(logrus.Fields{
		"destination": b.dest.String(),
		"interval":    b.opts.MinInterval,
	}).Info("Broadcasting samples")

	groutine.Go(ctx, "broadcast-sender", func(ctx context.Context) {
		defer close(done)
		ticker := time.NewTicker(b.opts.MinInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Flush()
			}
		}
	})
}

// Flush sends the newest datagram of every key whose content changed since it was
// last sent, and returns how many datagrams went out.
func (b *Broadcaster) Flush() int {
	var order []string
	latest := map[string]datagram{}
	for !b.queue.IsEmpty() {
		s, err := b.queue.Dequeue()
		if err != nil {
			break
		}
		for _, d := range b.render(s) {
			if _, seen := latest[d.key]; !seen {
				order = append(order, d.key)
			}
			latest[d.key] = d
		}
	}

	n := 0
	for _, key := range order {
		d := latest[key]
		if d.payload == nil || b.last[key] == d.content {
			continue
		}
		if _, err := b.conn.WriteToUDP(d.payload, b.dest); err != nil {
			b.logger.WithFields(logrus.Fields{"key": key, "error": err}).Warn("Failed to send broadcast datagram")
			continue
		}
		b.last[key] = d.content
		b.opts.Metrics.BroadcastSent()
		n++
	}
	b.sent.Add(int64(n))
	return n
}

// Overwritten reports how many samples were lost to a full queue.
func (b *Broadcaster) Overwritten() int64 { return b.overwritten.Load() }

// Sent reports how many datagrams went out.
func (b *Broadcaster) Sent() int64 { return b.sent.Load() }

// Close stops the sender, sends what is still queued and closes the socket.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	b.Flush()
	return b.conn.Close()
}

func (b *Broadcaster) shape(ch frame.ChannelID) Shape {
	if s, ok := b.opts.Shapes[ch]; ok {
		return s
	}
	return ShapeValues
}

func (b *Broadcaster) header(s recording.Sample) *orderedmap.OrderedMap[string, any] {
	m := orderedmap.New[string, any]()
	if b.opts.RunID != "" {
		m.Set("run", b.opts.RunID)
	}
	m.Set("device", s.Device)
	m.Set("channel", s.Channel.String())
	m.Set("timestamp", s.Timestamp.UTC().Format(time.RFC3339Nano))
	return m
}

func (b *Broadcaster) render(s recording.Sample) []datagram {
	base := s.Device + "/" + s.Channel.String()
	switch b.shape(s.Channel) {
	case ShapeRaw:
		raw := hex.EncodeToString(s.Raw)
		m := b.header(s)
		m.Set("raw", raw)
		return []datagram{b.encode(base, raw, m)}

	case ShapeScalars:
		names := s.Channel.ValueNames()
		out := make([]datagram, 0, len(s.Values))
		for i, v := range s.Values {
			name := strconv.Itoa(i)
			if i < len(names) {
				name = names[i]
			}
			m := b.header(s)
			m.Set("name", name)
			m.Set("value", v)
			out = append(out, b.encode(base+"/"+name, strconv.FormatFloat(v, 'g', -1, 64), m))
		}
		return out

	default:
		names := s.Channel.ValueNames()
		values := orderedmap.New[string, float64]()
		for i, v := range s.Values {
			name := strconv.Itoa(i)
			if i < len(names) {
				name = names[i]
			}
			values.Set(name, v)
		}
		content, _ := json.Marshal(values)
		m := b.header(s)
		m.Set("values", values)
		return []datagram{b.encode(base, string(content), m)}
	}
}

func (b *Broadcaster) encode(key, content string, m *orderedmap.OrderedMap[string, any]) datagram {
	payload, err := json.Marshal(m)
	if err != nil {
		b.logger.WithFields(logrus.Fields{"key": key, "error": err}).Warn("Failed to encode broadcast payload")
		payload = nil
	}
	return datagram{key: key, content: content, payload: payload}
}
