package recorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/dart/internal/device"
	"github.com/srg/dart/internal/frame"
	"github.com/srg/dart/internal/reconnect"
	"github.com/srg/dart/internal/recording"
	"github.com/srg/dart/internal/session"
	"github.com/srg/dart/internal/testutils"
	"github.com/srg/dart/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type memorySink struct {
	mu      sync.Mutex
	samples []recording.Sample
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Consume(_ context.Context, s []recording.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s...)
	return nil
}

func (m *memorySink) devices() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, s := range m.samples {
		out[s.Device]++
	}
	return out
}

func gridDescriptor(instance int) config.DeviceDescriptor {
	d := config.DeviceDescriptor{
		Kind:      device.ThermalGrid,
		Instance:  instance,
		Transport: device.BLEGATT,
		Channels:  []frame.ChannelID{frame.Thermal},
	}
	d.Endpoints[frame.Thermal] = "2a6e"
	return d
}

type RecorderTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	sink      *memorySink
	transport *testutils.FakeTransport
	fatal     chan string
	rec       *Recorder
}

func TestRecorderTestSuite(t *testing.T) {
	suite.Run(t, new(RecorderTestSuite))
}

func (s *RecorderTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.sink = &memorySink{}
	s.fatal = make(chan string, 4)

	var pixels [frame.ThermalPixels]float64
	for i := range pixels {
		pixels[i] = 21.5
	}
	thermal, err := frame.EncodeThermal(pixels, 22)
	s.Require().NoError(err)

	s.transport = testutils.NewFakeTransport("addr", func(int) (*testutils.FakeLink, error) {
		return testutils.NewFakeLink("addr").ReadForever("2a6e", thermal), nil
	})
	s.rec = New(Transports{device.BLEGATT: s.transport}, Options{
		Session: session.Options{
			PollInterval: 5 * time.Millisecond,
			StaleTimeout: -1,
			Policy:       reconnect.Fixed{MaxAttempts: 1, Delay: time.Millisecond},
		},
		DrainInterval: 10 * time.Millisecond,
		Sinks:         []recording.Sink{s.sink},
		Logger:        s.helper.Logger,
		OnFatal: func(desc config.DeviceDescriptor, _ error) {
			s.fatal <- desc.Key()
		},
	})
	s.T().Cleanup(s.rec.StopAll)
}

func (s *RecorderTestSuite) TestRecordsEveryInstance() {
	// GOAL: Verify the recorder runs one session per descriptor and drains all of them to the sinks
	//
	// TEST SCENARIO: two GridEYE instances → samples under both keys → storage disconnect stops everything

	s.Require().NoError(s.rec.StartAll(context.Background(), []config.DeviceDescriptor{gridDescriptor(1), gridDescriptor(2)}))
	s.Len(s.rec.Sessions(), 2)

	s.Eventually(func() bool {
		d := s.sink.devices()
		return d["GridEYE"] > 0 && d["GridEYE_2"] > 0
	}, 2*time.Second, 5*time.Millisecond)

	s.rec.StorageDisconnected()()
	s.Empty(s.rec.Sessions(), "storage loss MUST stop every session")
	s.Equal(0, s.rec.Buffer().Len(), "the final flush MUST empty the buffer")
	s.Equal(1, s.helper.CountEntries(logrus.WarnLevel, "Storage disconnected, stopping acquisition"))

	_, err := s.rec.Start(context.Background(), gridDescriptor(3))
	s.ErrorIs(err, device.ErrClosed, "a stopped recorder MUST NOT start sessions")
	s.rec.StorageDisconnected()()
}

func (s *RecorderTestSuite) TestDuplicateDescriptorRejected() {
	_, err := s.rec.Start(context.Background(), gridDescriptor(1))
	s.Require().NoError(err)

	_, err = s.rec.Start(context.Background(), gridDescriptor(1))
	s.ErrorIs(err, session.ErrDuplicateSession)
}

func (s *RecorderTestSuite) TestMissingTransport() {
	d := gridDescriptor(1)
	d.Transport = device.Serial
	_, err := s.rec.Start(context.Background(), d)
	s.Error(err)
	s.Empty(s.rec.Sessions())
}

func (s *RecorderTestSuite) TestFatalSessionIsReported() {
	s.transport.OnDiscover = func(int) error { return device.ErrTimeout }

	_, err := s.rec.Start(context.Background(), gridDescriptor(1))
	s.Require().NoError(err)

	select {
	case key := <-s.fatal:
		s.Equal("GridEYE", key)
	case <-time.After(2 * time.Second):
		s.FailNow("a failed session MUST be reported")
	}
	s.rec.Wait()
	s.Empty(s.rec.Sessions(), "a failed session MUST leave the registry")
}

func (s *RecorderTestSuite) TestStopAllRacingStartLeavesNothingRunning() {
	// GOAL: Verify a session started concurrently with StopAll is either rejected or stopped
	//
	// TEST SCENARIO: start 20 instances while StopAll runs → every accepted session terminates → registry empty

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started []*session.Session
	)
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(instance int) {
			defer wg.Done()
			sess, err := s.rec.Start(context.Background(), gridDescriptor(instance))
			if err != nil {
				s.ErrorIs(err, device.ErrClosed, "a rejected start MUST report the closed recorder")
				return
			}
			mu.Lock()
			started = append(started, sess)
			mu.Unlock()
		}(i)
	}
	s.rec.StopAll()
	wg.Wait()

	for _, sess := range started {
		s.Equal(session.Terminated, sess.State(), "a session accepted before StopAll MUST be stopped by it")
	}
	s.Empty(s.rec.Sessions(), "StopAll MUST leave no registered session behind")
}

func (s *RecorderTestSuite) TestEndedSessionFreesItsKey() {
	// GOAL: Verify a device whose session ended can be started again
	//
	// TEST SCENARIO: session fails → reported fatal → same descriptor starts again three times

	s.transport.OnDiscover = func(int) error { return device.ErrTimeout }
	for i := 0; i < 3; i++ {
		_, err := s.rec.Start(context.Background(), gridDescriptor(1))
		s.Require().NoError(err, "an ended session MUST free its key (round %d)", i)
		select {
		case <-s.fatal:
		case <-time.After(2 * time.Second):
			s.FailNow("a failed session MUST be reported")
		}
		s.rec.Wait()
		s.Empty(s.rec.Sessions())
	}
}

func TestRunIDIsKeptWhenGiven(t *testing.T) {
	id := uuid.New()
	rec := New(Transports{}, Options{RunID: id})
	assert.Equal(t, id, rec.RunID())

	assert.NotEqual(t, uuid.Nil, New(Transports{}, Options{}).RunID(), "a missing run id MUST be generated")
}
