// Package session runs the connection lifecycle of one device: discovery,
// connection, capability probing, streaming and teardown, retrying transient
// failures as a reconnect.Policy allows.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/dart/internal/capability"
	"github.com/srg/dart/internal/device"
	"github.com/srg/dart/internal/frame"
	"github.com/srg/dart/internal/groutine"
	"github.com/srg/dart/internal/metrics"
	"github.com/srg/dart/internal/reconnect"
	"github.com/srg/dart/internal/recording"
	"github.com/srg/dart/pkg/config"
)

// Default timings of a session.
const (
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultDiscoveryTimeout = 30 * time.Second
	DefaultConnectTimeout   = 30 * time.Second
	DefaultStaleTimeout     = 7 * time.Second
)

// Options tunes a Session. Zero values select the defaults; a zero StaleTimeout
// keeps the default, a negative one disables the watchdog.
type Options struct {
	PollInterval     time.Duration
	DiscoveryTimeout time.Duration
	ConnectTimeout   time.Duration
	StaleTimeout     time.Duration

	Policy  reconnect.Policy
	Logger  *logrus.Logger
	Metrics *metrics.Metrics

	// OnStateChange observes every transition. It runs on the session goroutine.
	OnStateChange func(key string, from, to State)
}

// OptionsFromConfig maps the configuration timings onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	stale := cfg.StaleTimeout
	if stale == 0 {
		stale = -1
	}
	return Options{
		PollInterval:     cfg.PollInterval,
		DiscoveryTimeout: cfg.DiscoveryTimeout,
		ConnectTimeout:   cfg.ConnectTimeout,
		StaleTimeout:     stale,
		Policy:           reconnect.Fixed{MaxAttempts: cfg.Retry.MaxAttempts, Delay: cfg.Retry.Delay},
	}
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.StaleTimeout == 0 {
		o.StaleTimeout = DefaultStaleTimeout
	}
	if o.Policy == nil {
		o.Policy = reconnect.Default()
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
}

// Session owns the connection state machine of one physical device.
type Session struct {
	desc      config.DeviceDescriptor
	key       string
	transport device.Transport
	buffer    *recording.Buffer
	opts      Options
	logger    *logrus.Entry
	selector  *capability.Selector

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	retry reconnect.State
}

// New prepares a session for desc. It fails for kinds without channels, which is a
// configuration error rather than a streaming one.
func New(desc config.DeviceDescriptor, transport device.Transport, buffer *recording.Buffer, opts Options) (*Session, error) {
	if len(desc.Channels) == 0 || desc.Kind == device.Wearable {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, desc.Kind)
	}
	for _, ch := range desc.Channels {
		if _, err := frame.NewDecoder(ch); err != nil {
			return nil, err
		}
	}
	if transport == nil {
		return nil, fmt.Errorf("%s: no transport for %s", desc.Key(), desc.Transport)
	}

	opts.applyDefaults()
	key := desc.Key()
	s := &Session{
		desc:      desc,
		key:       key,
		transport: transport,
		buffer:    buffer,
		opts:      opts,
		logger:    opts.Logger.WithField("device", key),
		selector:  capability.NewSelector(key, opts.Logger),
		done:      make(chan struct{}),
	}
	s.selector.OnDemote = func(ch frame.ChannelID) { opts.Metrics.Demoted(key, ch) }
	return s, nil
}

// Key returns the descriptor key the session is registered under.
func (s *Session) Key() string { return s.key }

// Descriptor returns the device the session drives.
func (s *Session) Descriptor() config.DeviceDescriptor { return s.desc }

// Modes reports the acquisition mode chosen for every channel.
func (s *Session) Modes() [frame.NumChannels]capability.Mode { return s.selector.Modes() }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches Terminated or Failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the session. It is valid only from Idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyActive, s.key, state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = Discovering
	s.mu.Unlock()

	s.notify(Idle, Discovering)
	groutine.Go(runCtx, "session-"+s.key, s.run)
	return nil
}

// Stop requests a cooperative shutdown. It does not wait; use Wait.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	idle := s.state == Idle
	if idle {
		s.state = Terminated
	}
	s.mu.Unlock()

	if idle {
		close(s.done)
		return
	}
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the session ends. It returns nil after a clean stop and a
// *FatalError once the retry budget is exhausted.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from != to {
		s.notify(from, to)
	}
}

func (s *Session) notify(from, to State) {
	s.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("Session state changed")
	s.opts.Metrics.SessionState(s.key, int(to))
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(s.key, from, to)
	}
}

// ----------------------------
// Run loop
// ----------------------------

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.release()

	for {
		decoded, err := s.attempt(ctx)
		if ctx.Err() != nil {
			s.setState(Terminated)
			s.logger.Info("Session stopped")
			return
		}

		// A connection that produced data was a success; only degraded ones accumulate.
		if decoded > 0 {
			s.retry.Reset()
		}
		decision := s.retry.Fail(s.opts.Policy, err)
		entry := s.logger.WithFields(logrus.Fields{
			"attempt": s.retry.Attempts,
			"class":   s.retry.LastClass.String(),
			"error":   err,
		})
		if decision.GiveUp {
			s.mu.Lock()
			s.err = &FatalError{Device: s.key, Attempts: s.retry.Attempts, LastClass: s.retry.LastClass, Last: err}
			s.mu.Unlock()
			s.setState(Failed)
			entry.Error("Retry budget exhausted, session failed")
			return
		}

		s.setState(Retrying)
		s.opts.Metrics.ReconnectAttempt(s.key)
		entry.WithField("delay", decision.Delay).Warn("Transport error, retrying")

		timer := time.NewTimer(decision.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(Terminated)
			s.logger.Info("Session stopped while waiting to retry")
			return
		case <-timer.C:
		}
		s.setState(Discovering)
	}
}

func (s *Session) release() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// attempt runs one discover-connect-stream cycle and returns how many frames it
// decoded. A nil error with a cancelled ctx is a clean stop.
func (s *Session) attempt(ctx context.Context) (int64, error) {
	target := s.desc.Target

	dctx, cancel := context.WithTimeout(ctx, s.opts.DiscoveryTimeout)
	address, err := s.transport.Discover(dctx, target)
	cancel()
	if err != nil {
		return 0, timeoutErr("discovery", err)
	}
	s.logger.WithField("address", address).Info("Device found")

	s.setState(Connecting)
	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	link, err := s.transport.Connect(cctx, address, target)
	cancel()
	if err != nil {
		return 0, timeoutErr("connect", err)
	}

	s.setState(Probing)
	for _, ch := range s.desc.Channels {
		mode := s.selector.Detect(link, ch, s.desc.Endpoints[ch])
		s.logger.WithFields(logrus.Fields{"channel": ch, "mode": mode}).Debug("Channel mode detected")
	}

	s.setState(Streaming)
	st := newStreamer(s, link)
	streamErr := st.run(ctx)

	s.setState(Draining)
	st.drain()
	return st.decoded.Load(), streamErr
}

func timeoutErr(step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, device.ErrTimeout) {
		return fmt.Errorf("%s: %w: %v", step, device.ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}

// ----------------------------
// Streaming
// ----------------------------

// pipeline is the decoding path of one channel. Its FrameBuffer lives only for one
// connection and is discarded on teardown.
type pipeline struct {
	mu  sync.Mutex
	ch  frame.ChannelID
	buf *frame.FrameBuffer
	dec frame.Decoder
}

type streamer struct {
	s         *Session
	link      device.Link
	pipelines [frame.NumChannels]*pipeline
	pushed    []frame.ChannelID
	closed    atomic.Bool
	lastData  atomic.Int64
	decoded   atomic.Int64
}

func newStreamer(s *Session, link device.Link) *streamer {
	st := &streamer{s: s, link: link}
	for _, ch := range s.desc.Channels {
		dec, _ := frame.NewDecoder(ch)
		st.pipelines[ch] = &pipeline{ch: ch, buf: frame.NewFrameBuffer(2 * frame.ThermalFrameLen), dec: dec}
	}
	st.lastData.Store(time.Now().UnixNano())
	return st
}

func (st *streamer) run(ctx context.Context) error {
	s := st.s

	// Subscribe push channels; a refused subscription demotes the channel lazily.
	for _, ch := range s.desc.Channels {
		if s.selector.Mode(ch) != capability.Push {
			continue
		}
		ch := ch
		if err := st.link.Subscribe(s.desc.Endpoints[ch], func(chunk []byte) { st.feed(ch, chunk) }); err != nil {
			s.selector.Demote(ch, err)
			continue
		}
		st.pushed = append(st.pushed, ch)
	}

	var polled []frame.ChannelID
	for _, ch := range s.desc.Channels {
		if s.selector.Mode(ch) == capability.Poll {
			polled = append(polled, ch)
		}
	}
	s.logger.WithFields(logrus.Fields{
		"push": len(st.pushed),
		"poll": len(polled),
	}).Info("Streaming")

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-st.link.Done():
			err := st.link.Err()
			if err == nil {
				err = device.ErrNotConnected
			}
			return fmt.Errorf("link lost: %w", err)
		case <-ticker.C:
		}

		for _, ch := range polled {
			if ctx.Err() != nil {
				return nil
			}
			chunk, err := st.link.Read(ctx, s.desc.Endpoints[ch])
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("poll %s: %w", ch, err)
			}
			st.feed(ch, chunk)
		}

		if stale := s.opts.StaleTimeout; stale > 0 {
			idle := time.Since(time.Unix(0, st.lastData.Load()))
			if idle > stale {
				return fmt.Errorf("%w: no data for %s", device.ErrTimeout, idle.Truncate(time.Millisecond))
			}
		}
	}
}

// feed runs one chunk through the channel's decoder and appends the samples.
func (st *streamer) feed(ch frame.ChannelID, chunk []byte) {
	if st.closed.Load() || len(chunk) == 0 {
		return
	}
	st.lastData.Store(time.Now().UnixNano())

	p := st.pipelines[ch]
	p.mu.Lock()
	p.buf.Append(chunk)
	frames, errs := p.dec.Decode(p.buf, time.Now())
	p.mu.Unlock()

	s := st.s
	for _, err := range errs {
		s.logger.WithFields(logrus.Fields{"channel": ch, "error": err}).Debug("Frame dropped")
		s.opts.Metrics.FramingError(s.key, ch)
	}
	if len(frames) == 0 {
		return
	}
	samples := make([]recording.Sample, len(frames))
	for i, f := range frames {
		samples[i] = recording.FromFrame(s.key, f)
		s.opts.Metrics.FrameDecoded(s.key, ch)
	}
	s.buffer.Append(samples...)
	st.decoded.Add(int64(len(frames)))
}

// drain cancels subscriptions and closes the link. Failures are logged only.
func (st *streamer) drain() {
	s := st.s
	for _, ch := range st.pushed {
		if err := st.link.Unsubscribe(s.desc.Endpoints[ch]); err != nil {
			s.logger.WithFields(logrus.Fields{"channel": ch, "error": err}).Warn("Failed to unsubscribe")
		}
	}
	if err := st.link.Close(); err != nil {
		s.logger.WithField("error", err).Warn("Failed to close link")
	}
	st.closed.Store(true)

	var partial int
	for _, p := range st.pipelines {
		if p == nil {
			continue
		}
		p.mu.Lock()
		partial += p.buf.Len()
		p.buf.Reset()
		p.mu.Unlock()
	}
	if partial > 0 {
		s.logger.WithField("bytes", partial).Debug("Discarded partial frames")
	}
}
