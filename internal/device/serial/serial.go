// Package serialport implements the serial byte-stream transport on top of
// go.bug.st/serial. A link exposes a single endpoint, "", whose chunks are
// whatever each read returned.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/dart/internal/device"
	"github.com/srg/dart/internal/groutine"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate = 9600
	// ReadTimeout bounds a single read so a closing link is noticed promptly.
	ReadTimeout = 100 * time.Millisecond
	// RescanInterval is how often discovery re-lists the ports.
	RescanInterval = 500 * time.Millisecond
	readChunk      = 256
)

// Port is the part of serial.Port a link uses.
type Port interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
}

type Transport struct {
	logger *logrus.Logger

	list func() ([]string, error)
	open func(name string, mode *serial.Mode) (Port, error)
	// isCharDevice covers ports the enumerator skips, such as pseudo-terminals.
	isCharDevice func(path string) bool
}

var _ device.Transport = (*Transport)(nil)

func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		logger: logger,
		list:   serial.GetPortsList,
		open: func(name string, mode *serial.Mode) (Port, error) {
			return serial.Open(name, mode)
		},
		isCharDevice: func(path string) bool {
			fi, err := os.Stat(path)
			return err == nil && fi.Mode()&os.ModeCharDevice != 0
		},
	}
}

func (t *Transport) Kind() device.TransportKind { return device.Serial }

// Discover waits for the configured port to appear. Serial devices have no
// advertisement, so the port path is the identity.
func (t *Transport) Discover(ctx context.Context, target device.Target) (string, error) {
	if target.Address == "" {
		return "", fmt.Errorf("serial target has no port: %w", device.ErrProtocol)
	}
	ticker := time.NewTicker(RescanInterval)
	defer ticker.Stop()
	for {
		ports, err := t.list()
		if err != nil {
			return "", NormalizeError(err)
		}
		if slices.Contains(ports, target.Address) || t.isCharDevice(target.Address) {
			return target.Address, nil
		}
		t.logger.WithFields(logrus.Fields{
			"port":      target.Address,
			"available": ports,
		}).Debug("Serial port not present yet")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Transport) Connect(_ context.Context, address string, target device.Target) (device.Link, error) {
	baud := target.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := t.open(address, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", address, NormalizeError(err))
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("configure %s: %w", address, NormalizeError(err))
	}
	t.logger.WithFields(logrus.Fields{"port": address, "baud": baud}).Info("Serial port opened")
	return &link{
		address: address,
		port:    port,
		logger:  t.logger.WithField("port", address),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}, nil
}

// NormalizeError maps serial port failures onto the device sentinels.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortClosed:
			return fmt.Errorf("%w: %w", device.ErrClosed, err)
		case serial.PortNotFound, serial.PortBusy, serial.PermissionDenied:
			return fmt.Errorf("%w: %w", device.ErrNotConnected, err)
		case serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits, serial.InvalidSerialPort:
			return fmt.Errorf("%w: %w", device.ErrProtocol, err)
		}
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", device.ErrClosed, err)
	}
	return err
}

// ----------------------------
// Link
// ----------------------------

type link struct {
	address string
	port    Port
	logger  *logrus.Entry

	mu      sync.Mutex
	reading bool
	err     error
	wg      sync.WaitGroup

	done      chan struct{}
	dropOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *link) Address() string { return l.address }

// SupportsPush is true: the reader goroutine pushes whatever arrives.
func (l *link) SupportsPush(string) (bool, error) { return true, nil }

func (l *link) Subscribe(_ string, handler func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.closed:
		return device.ErrNotConnected
	default:
	}
	if l.reading {
		return fmt.Errorf("%s already streaming: %w", l.address, device.ErrAlreadyConnected)
	}
	l.reading = true
	l.wg.Add(1)
	groutine.Go(context.Background(), "serial-reader", func(context.Context) {
		defer l.wg.Done()
		l.readLoop(handler)
	})
	return nil
}

func (l *link) readLoop(handler func([]byte)) {
	buf := make([]byte, readChunk)
	for {
		n, err := l.port.Read(buf)
		select {
		case <-l.closed:
			return
		default:
		}
		if n > 0 {
			handler(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			l.logger.WithField("error", err).Warn("Serial read failed")
			l.drop(NormalizeError(err))
			return
		}
		// n == 0 with no error is a read timeout.
	}
}

// Unsubscribe is a no-op; the reader stops with Close.
func (l *link) Unsubscribe(string) error { return nil }

// Read returns at most one chunk. An empty result means nothing arrived within ReadTimeout.
func (l *link) Read(ctx context.Context, _ string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	reading := l.reading
	l.mu.Unlock()
	if reading {
		return nil, fmt.Errorf("%s is streaming: %w", l.address, device.ErrUnsupported)
	}
	buf := make([]byte, readChunk)
	n, err := l.port.Read(buf)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return buf[:n], nil
}

func (l *link) Done() <-chan struct{} { return l.done }

func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *link) drop(err error) {
	l.dropOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.port.Close()
		l.wg.Wait()
		l.logger.Info("Serial port closed")
	})
	return err
}
