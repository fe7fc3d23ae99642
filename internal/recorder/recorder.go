// Package recorder owns the sessions of one acquisition run: it starts them,
// drains their samples to the sinks and stops everything when asked to, or when
// the storage monitor reports the storage gone.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/dart/internal/device"
	"github.com/srg/dart/internal/groutine"
	"github.com/srg/dart/internal/metrics"
	"github.com/srg/dart/internal/recording"
	"github.com/srg/dart/internal/session"
	"github.com/srg/dart/pkg/config"
)

// Transports selects the transport for each descriptor.
type Transports map[device.TransportKind]device.Transport

type Options struct {
	// Session is the template every session is created with.
	Session       session.Options
	DrainInterval time.Duration
	Sinks         []recording.Sink
	Logger        *logrus.Logger
	Metrics       *metrics.Metrics
	// RunID is generated when zero.
	RunID uuid.UUID

	// OnFatal is told about every session that exhausted its retry budget.
	OnFatal func(desc config.DeviceDescriptor, err error)
}

type Recorder struct {
	runID      uuid.UUID
	transports Transports
	opts       Options
	logger     *logrus.Logger

	registry *session.Registry
	buffer   *recording.Buffer
	drainer  *recording.Drainer
	watchers groutine.Group

	mu      sync.Mutex
	started bool
	stopped bool
}

func New(transports Transports, opts Options) *Recorder {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	opts.Session.Logger = opts.Logger
	opts.Session.Metrics = opts.Metrics

	if opts.RunID == uuid.Nil {
		opts.RunID = uuid.New()
	}
	r := &Recorder{
		runID:      opts.RunID,
		transports: transports,
		opts:       opts,
		logger:     opts.Logger,
		registry:   session.NewRegistry(),
		buffer:     recording.NewBuffer(1024),
	}
	r.drainer = recording.NewDrainer(r.buffer, opts.DrainInterval, opts.Logger, opts.Sinks...)
	r.drainer.OnDrained = opts.Metrics.Drained
	return r
}

// RunID identifies this acquisition run in logs and broadcast payloads.
func (r *Recorder) RunID() uuid.UUID { return r.runID }

func (r *Recorder) Buffer() *recording.Buffer { return r.buffer }

func (r *Recorder) Sessions() []*session.Session { return r.registry.Sessions() }

// Start creates, registers and launches the session of desc.
func (r *Recorder) Start(ctx context.Context, desc config.DeviceDescriptor) (*session.Session, error) {
	// Held until the session is watched so StopAll cannot miss it.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, fmt.Errorf("recorder stopped: %w", device.ErrClosed)
	}
	if !r.started {
		r.started = true
		r.drainer.Start(context.WithoutCancel(ctx))
		r.logger.WithField("run_id", r.runID.String()).Info("Recording started")
	}

	transport, ok := r.transports[desc.Transport]
	if !ok {
		return nil, fmt.Errorf("%s: no %q transport available", desc.Key(), desc.Transport)
	}
	sess, err := session.New(desc, transport, r.buffer, r.opts.Session)
	if err != nil {
		return nil, err
	}
	if err := r.registry.Register(sess); err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		r.registry.Remove(sess)
		return nil, err
	}

	r.watchers.Go(ctx, "recorder-watch-"+sess.Key(), func(context.Context) {
		err := sess.Wait()
		r.registry.Remove(sess)
		if err == nil {
			return
		}
		r.logger.WithFields(logrus.Fields{
			"device": sess.Key(),
			"error":  err,
		}).Error("Session failed")
		if r.opts.OnFatal != nil {
			r.opts.OnFatal(desc, err)
		}
	})
	return sess, nil
}

// StartAll starts a session per descriptor. Failures do not prevent the others
// from starting; they are returned joined.
func (r *Recorder) StartAll(ctx context.Context, descs []config.DeviceDescriptor) error {
	var errs []error
	for _, d := range descs {
		if _, err := r.Start(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every session, waits for them and flushes what is left to the sinks.
func (r *Recorder) StopAll() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	for _, s := range r.registry.Sessions() {
		s.Stop()
	}
	r.watchers.Wait()
	r.drainer.Stop()
	r.logger.WithField("run_id", r.runID.String()).Info("Recording stopped")
}

// Wait blocks until every started session has ended on its own or through StopAll.
func (r *Recorder) Wait() {
	r.watchers.Wait()
}

// StorageDisconnected returns the callback for the storage monitor. Invoking it
// stops the whole run; invoking it again does nothing.
func (r *Recorder) StorageDisconnected() func() {
	return func() {
		r.logger.Warn("Storage disconnected, stopping acquisition")
		r.StopAll()
	}
}
