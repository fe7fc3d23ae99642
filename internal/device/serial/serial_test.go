package serialport

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/srg/dart/internal/device"
	"github.com/srg/dart/internal/testutils"
	"github.com/stretchr/testify/suite"
	"go.bug.st/serial"
)

// fakePort replays queued chunks and then reports timeouts until closed.
type fakePort struct {
	mu      sync.Mutex
	chunks  [][]byte
	failErr error
	closed  bool
	timeout time.Duration
}

func (p *fakePort) push(chunks ...[]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, chunks...)
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, &serial.PortError{}
	}
	if len(p.chunks) > 0 {
		n := copy(b, p.chunks[0])
		p.chunks = p.chunks[1:]
		p.mu.Unlock()
		return n, nil
	}
	err := p.failErr
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

type SerialTestSuite struct {
	suite.Suite
	transport *Transport
	port      *fakePort
	ports     []string
	mode      *serial.Mode
}

func TestSerialTestSuite(t *testing.T) {
	suite.Run(t, new(SerialTestSuite))
}

func (s *SerialTestSuite) SetupTest() {
	s.port = &fakePort{}
	s.ports = []string{"/dev/ttyUSB0"}
	s.transport = New(testutils.NewTestHelper(s.T()).Logger)
	s.transport.list = func() ([]string, error) { return s.ports, nil }
	s.transport.isCharDevice = func(string) bool { return false }
	s.transport.open = func(_ string, mode *serial.Mode) (Port, error) {
		s.mode = mode
		return s.port, nil
	}
}

func (s *SerialTestSuite) TestDiscoverWaitsForPort() {
	addr, err := s.transport.Discover(context.Background(), device.Target{Address: "/dev/ttyUSB0"})
	s.Require().NoError(err)
	s.Equal("/dev/ttyUSB0", addr)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.transport.Discover(ctx, device.Target{Address: "/dev/ttyACM3"})
	s.ErrorIs(err, context.DeadlineExceeded, "an absent port MUST keep discovery waiting")

	_, err = s.transport.Discover(context.Background(), device.Target{})
	s.ErrorIs(err, device.ErrProtocol)
}

func (s *SerialTestSuite) TestConnectConfiguresLine() {
	link, err := s.transport.Connect(context.Background(), "/dev/ttyUSB0", device.Target{})
	s.Require().NoError(err)
	defer link.Close()

	s.Equal(DefaultBaudRate, s.mode.BaudRate, "the thermal grid speaks 9600 baud")
	s.Equal(8, s.mode.DataBits)
	s.Equal(serial.NoParity, s.mode.Parity)
	s.Equal(ReadTimeout, s.port.timeout)
}

func (s *SerialTestSuite) TestStreamDeliversChunks() {
	// GOAL: Verify a subscribed serial link pushes every read and closes cleanly
	//
	// TEST SCENARIO: two chunks queued → both delivered in order → Close stops the reader, Done stays open

	link, err := s.transport.Connect(context.Background(), "/dev/ttyUSB0", device.Target{BaudRate: 115200})
	s.Require().NoError(err)
	s.Equal(115200, s.mode.BaudRate)

	push, err := link.SupportsPush("")
	s.NoError(err)
	s.True(push)

	var mu sync.Mutex
	var got []byte
	s.Require().NoError(link.Subscribe("", func(b []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, b...)
	}))
	s.ErrorIs(link.Subscribe("", func([]byte) {}), device.ErrAlreadyConnected)

	s.port.push([]byte("***"), []byte{1, 2, 3})
	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 6
	}, time.Second, time.Millisecond)

	_, err = link.Read(context.Background(), "")
	s.ErrorIs(err, device.ErrUnsupported, "a streaming link MUST NOT be read concurrently")

	s.NoError(link.Close())
	s.NoError(link.Close())
	select {
	case <-link.Done():
		s.Fail("a deliberate close MUST NOT look like a drop")
	default:
	}
}

func (s *SerialTestSuite) TestReadErrorDropsLink() {
	link, err := s.transport.Connect(context.Background(), "/dev/ttyUSB0", device.Target{})
	s.Require().NoError(err)
	defer link.Close()

	s.Require().NoError(link.Subscribe("", func([]byte) {}))
	s.port.mu.Lock()
	s.port.failErr = io.EOF
	s.port.mu.Unlock()

	select {
	case <-link.Done():
	case <-time.After(time.Second):
		s.FailNow("a failing port MUST drop the link")
	}
	s.ErrorIs(link.Err(), device.ErrClosed)
}

func (s *SerialTestSuite) TestPolledRead() {
	link, err := s.transport.Connect(context.Background(), "/dev/ttyUSB0", device.Target{})
	s.Require().NoError(err)
	defer link.Close()

	s.port.push([]byte{0x2A, 0x2A})
	data, err := link.Read(context.Background(), "")
	s.Require().NoError(err)
	s.Equal([]byte{0x2A, 0x2A}, data)

	data, err = link.Read(context.Background(), "")
	s.NoError(err)
	s.Empty(data, "a read timeout yields an empty chunk")
}

func (s *SerialTestSuite) TestDiscoverAcceptsUnlistedCharDevice() {
	// GOAL: Verify pseudo-terminals are reachable although the enumerator skips them
	//
	// TEST SCENARIO: path absent from port list but a character device → discovered immediately

	s.transport.isCharDevice = func(path string) bool { return path == "/dev/pts/7" }
	addr, err := s.transport.Discover(context.Background(), device.Target{Address: "/dev/pts/7"})
	s.Require().NoError(err)
	s.Equal("/dev/pts/7", addr)
}
