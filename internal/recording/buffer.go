// Package recording holds decoded samples until a sink drains them.
package recording

import (
	"sync"
	"time"

	"github.com/srg/dart/internal/frame"
)

// Sample is the unit appended by sessions and handed to sinks.
type Sample struct {
	Timestamp time.Time
	Device    string
	Channel   frame.ChannelID
	Values    []float64
	// Raw is the frame the values were decoded from.
	Raw []byte
}

// FromFrame builds the sample for a decoded frame of device.
func FromFrame(device string, f frame.Frame) Sample {
	return Sample{
		Timestamp: f.Timestamp(),
		Device:    device,
		Channel:   f.Channel(),
		Values:    f.Values(),
		Raw:       f.Raw(),
	}
}

// Buffer accumulates samples from any number of sessions. Appends and drains are
// mutually exclusive; a drain copies out and clears in one critical section so no
// append is ever lost. Insertion order is kept, hence per-channel FIFO.
type Buffer struct {
	mu      sync.Mutex
	samples []Sample
}

// NewBuffer creates a buffer with room for capacity samples.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{samples: make([]Sample, 0, capacity)}
}

// Append adds samples in order.
func (b *Buffer) Append(samples ...Sample) {
	b.mu.Lock()
	b.samples = append(b.samples, samples...)
	b.mu.Unlock()
}

// Drain returns every buffered sample in insertion order and empties the buffer.
func (b *Buffer) Drain() []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) == 0 {
		return nil
	}
	out := make([]Sample, len(b.samples))
	copy(out, b.samples)
	b.samples = b.samples[:0]
	return out
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}
