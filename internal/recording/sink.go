package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/dart/internal/groutine"
)

// Sink consumes drained samples: a file writer, a broadcaster, a test recorder.
type Sink interface {
	Name() string
	Consume(ctx context.Context, samples []Sample) error
}

// DefaultDrainInterval is how often a Drainer empties the buffer.
const DefaultDrainInterval = time.Second

// Drainer periodically empties a Buffer into sinks.
type Drainer struct {
	buffer   *Buffer
	sinks    []Sink
	interval time.Duration
	logger   *logrus.Logger

	// OnDrained, when set, observes how many samples each sink accepted.
	OnDrained func(sink string, n int, err error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewDrainer creates a drainer. A non-positive interval selects DefaultDrainInterval.
func NewDrainer(buffer *Buffer, interval time.Duration, logger *logrus.Logger, sinks ...Sink) *Drainer {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Drainer{buffer: buffer, sinks: sinks, interval: interval, logger: logger}
}

// Start launches the drain loop. It runs until ctx ends or Stop is called.
func (d *Drainer) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.stopped = make(chan struct{})
	stopped := d.stopped

	groutine.Go(ctx, "recording-drainer", func(ctx context.Context) {
		defer close(stopped)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Final flush must still reach the sinks.
				d.Flush(context.WithoutCancel(ctx))
				return
			case <-ticker.C:
				d.Flush(ctx)
			}
		}
	})
}

// Stop ends the loop after a final flush and waits for it.
func (d *Drainer) Stop() {
	d.mu.Lock()
	cancel, stopped := d.cancel, d.stopped
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Flush drains the buffer once and hands the samples to every sink. Sink errors are
// logged and reported through OnDrained; they never stop the drainer.
func (d *Drainer) Flush(ctx context.Context) int {
	samples := d.buffer.Drain()
	if len(samples) == 0 {
		return 0
	}
	for _, s := range d.sinks {
		err := s.Consume(ctx, samples)
		if err != nil {
			d.logger.WithFields(logrus.Fields{
				"sink":    s.Name(),
				"samples": len(samples),
				"error":   err,
			}).Error("Sink failed to consume samples")
		}
		if d.OnDrained != nil {
			d.OnDrained(s.Name(), len(samples), err)
		}
	}
	return len(samples)
}

// ----------------------------
// JSON lines sink
// ----------------------------

type jsonSample struct {
	Timestamp time.Time `json:"timestamp"`
	Device    string    `json:"device"`
	Channel   string    `json:"channel"`
	Values    []float64 `json:"values"`
}

// JSONLinesSink writes one JSON object per sample to w.
type JSONLinesSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLinesSink creates a sink writing to w.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{enc: json.NewEncoder(w)}
}

func (s *JSONLinesSink) Name() string { return "jsonl" }

func (s *JSONLinesSink) Consume(_ context.Context, samples []Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, smp := range samples {
		if err := s.enc.Encode(jsonSample{
			Timestamp: smp.Timestamp,
			Device:    smp.Device,
			Channel:   smp.Channel.String(),
			Values:    smp.Values,
		}); err != nil {
			return fmt.Errorf("failed to write sample: %w", err)
		}
	}
	return nil
}
