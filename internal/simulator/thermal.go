// Package simulator emulates sensor hardware for bench testing. ThermalPTY plays
// a serial thermal-grid kit behind a pseudo-terminal that the serial transport
// can open like a real port.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/srg/dart/internal/frame"
	"github.com/srg/dart/internal/groutine"
	"golang.org/x/term"
)

const DefaultInterval = 100 * time.Millisecond

// Source produces the grid and thermistor temperature of frame n.
type Source func(n int64) (pixels [frame.ThermalPixels]float64, thermistor float64)

type Options struct {
	// Interval between frames; DefaultInterval when zero.
	Interval time.Duration
	// Source of readings; WarmSpot when nil.
	Source Source
	Logger *logrus.Logger
}

// WarmSpot is a 22 °C room with a 30 °C spot walking over the grid, one pixel per frame.
func WarmSpot(n int64) ([frame.ThermalPixels]float64, float64) {
	var px [frame.ThermalPixels]float64
	spot := int(n % frame.ThermalPixels)
	for i := range px {
		px[i] = 22
	}
	px[spot] = 30
	return px, 22 + 0.5*math.Sin(float64(n)/10)
}

type ThermalPTY struct {
	opts   Options
	logger *logrus.Logger
	master *os.File
	slave  *os.File

	frames atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewThermalPTY opens a raw-mode pseudo-terminal pair.
func NewThermalPTY(opts Options) (*ThermalPTY, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Source == nil {
		opts.Source = WarmSpot
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		path := slave.Name()
		cleanupErr := errors.Join(master.Close(), slave.Close())
		if cleanupErr != nil {
			return nil, fmt.Errorf("failed to set PTY %s to raw mode: %w (cleanup errors: %v)", path, err, cleanupErr)
		}
		return nil, fmt.Errorf("failed to set PTY %s to raw mode: %w", path, err)
	}
	return &ThermalPTY{opts: opts, logger: opts.Logger, master: master, slave: slave}, nil
}

// Path is the device a serial transport should open.
func (t *ThermalPTY) Path() string { return t.slave.Name() }

// Frames reports how many frames were written.
func (t *ThermalPTY) Frames() int64 { return t.frames.Load() }

// Start writes frames every Interval until ctx ends or Close is called.
func (t *ThermalPTY) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	done := t.done

	t.logger.WithFields(logrus.Fields{
		"path":     t.Path(),
		"interval": t.opts.Interval,
	}).Info("Thermal grid simulator running")

	groutine.Go(ctx, "thermal-simulator", func(ctx context.Context) {
		defer close(done)
		ticker := time.NewTicker(t.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := t.WriteFrame(); err != nil {
				t.logger.WithField("error", err).Error("Simulator write failed")
				return
			}
		}
	})
}

// WriteFrame emits the next frame immediately.
func (t *ThermalPTY) WriteFrame() error {
	n := t.frames.Load()
	pixels, thermistor := t.opts.Source(n)
	raw, err := frame.EncodeThermal(pixels, thermistor)
	if err != nil {
		return err
	}
	if _, err := t.master.Write(raw); err != nil {
		return err
	}
	t.frames.Add(1)
	return nil
}

// Close stops the writer and releases both ends of the terminal.
func (t *ThermalPTY) Close() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return errors.Join(t.master.Close(), t.slave.Close())
}
