package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/dart/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type collectingSink struct {
	mu      sync.Mutex
	name    string
	samples []Sample
	err     error
}

func (c *collectingSink) Name() string { return c.name }

func (c *collectingSink) Consume(_ context.Context, s []Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s...)
	return c.err
}

func (c *collectingSink) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

type BufferTestSuite struct {
	suite.Suite
}

func TestBufferTestSuite(t *testing.T) {
	suite.Run(t, new(BufferTestSuite))
}

func (s *BufferTestSuite) TestDrainClears() {
	b := NewBuffer(4)
	b.Append(Sample{Channel: frame.Strain, Values: []float64{1}})
	b.Append(Sample{Channel: frame.Strain, Values: []float64{2}})

	out := b.Drain()
	s.Require().Len(out, 2)
	s.Equal(0, b.Len(), "drain MUST clear the buffer")
	s.Nil(b.Drain(), "draining an empty buffer returns nothing")

	b.Append(Sample{Channel: frame.Strain, Values: []float64{3}})
	s.Equal(1.0, out[0].Values[0], "drained samples MUST NOT alias the live buffer")
}

func (s *BufferTestSuite) TestConcurrentAppendAndDrainLoseNothing() {
	// GOAL: Verify drain is safe while sessions keep appending, and every channel keeps FIFO order
	//
	// TEST SCENARIO: 3 producers append 2000 samples each while a consumer drains → all 6000 seen, per channel in order

	const perChannel = 2000
	b := NewBuffer(16)
	channels := []frame.ChannelID{frame.Capacitive, frame.Strain, frame.Piezo}

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch frame.ChannelID) {
			defer wg.Done()
			for i := 0; i < perChannel; i++ {
				b.Append(Sample{Channel: ch, Values: []float64{float64(i)}})
			}
		}(ch)
	}

	done := make(chan struct{})
	var drained []Sample
	go func() {
		defer close(done)
		for len(drained) < perChannel*len(channels) {
			drained = append(drained, b.Drain()...)
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.FailNow("consumer did not observe every sample")
	}

	next := map[frame.ChannelID]float64{}
	for _, smp := range drained {
		s.Require().Equal(next[smp.Channel], smp.Values[0], "channel %s MUST stay FIFO", smp.Channel)
		next[smp.Channel]++
	}
	for _, ch := range channels {
		s.Equal(float64(perChannel), next[ch])
	}
}

func (s *BufferTestSuite) TestDrainerDeliversToEverySink() {
	logger, hook := test.NewNullLogger()
	b := NewBuffer(8)
	good := &collectingSink{name: "good"}
	bad := &collectingSink{name: "bad", err: errors.New("disk gone")}

	drained := map[string]int{}
	var mu sync.Mutex
	d := NewDrainer(b, 10*time.Millisecond, logger, good, bad)
	d.OnDrained = func(sink string, n int, err error) {
		mu.Lock()
		defer mu.Unlock()
		drained[sink] += n
	}
	d.Start(context.Background())

	b.Append(Sample{Device: "GridEYE", Channel: frame.Thermal, Values: []float64{1}})
	s.Eventually(func() bool { return good.Len() == 1 }, time.Second, 5*time.Millisecond)

	// Appended right before stop: the final flush MUST deliver it.
	b.Append(Sample{Device: "GridEYE", Channel: frame.Thermal, Values: []float64{2}})
	d.Stop()

	s.Equal(2, good.Len())
	s.Equal(2, bad.Len(), "a failing sink still receives every batch")
	mu.Lock()
	s.Equal(2, drained["good"])
	mu.Unlock()
	s.NotEmpty(hook.AllEntries(), "sink errors MUST be logged")

	d.Stop()
}

func TestJSONLinesSink(t *testing.T) {
	var out bytes.Buffer
	sink := NewJSONLinesSink(&out)
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	f, errs := mustDecodeStrain(t, []uint8{1, 2, 3, 4})
	require.Empty(t, errs)
	require.NoError(t, sink.Consume(context.Background(), []Sample{
		{Timestamp: ts, Device: "SEN55", Channel: frame.Environmental, Values: []float64{1.5, 2.3}},
		FromFrame("Connected_Wood_Plank", f),
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "environmental", first["channel"])
	assert.Equal(t, "SEN55", first["device"])
	assert.Contains(t, lines[1], `"values":[1,2,3,4]`)
	assert.Equal(t, "jsonl", sink.Name())
}

func mustDecodeStrain(t *testing.T, gauges []uint8) (frame.Frame, []error) {
	t.Helper()
	var g [frame.StrainGauges]uint8
	copy(g[:], gauges)
	dec, err := frame.NewDecoder(frame.Strain)
	require.NoError(t, err)
	buf := frame.NewFrameBuffer(8)
	buf.Append(frame.EncodeStrain(g))
	frames, errs := dec.Decode(buf, time.Now())
	require.Len(t, frames, 1, fmt.Sprintf("strain frame %v", gauges))
	return frames[0], errs
}
