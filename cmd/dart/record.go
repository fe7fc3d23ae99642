package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/dart/internal/broadcast"
	"github.com/srg/dart/internal/device"
	goble "github.com/srg/dart/internal/device/go-ble"
	serialport "github.com/srg/dart/internal/device/serial"
	"github.com/srg/dart/internal/metrics"
	"github.com/srg/dart/internal/recorder"
	"github.com/srg/dart/internal/recording"
	"github.com/srg/dart/internal/session"
	"github.com/srg/dart/pkg/config"
	"golang.org/x/term"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record every configured device",
	Long: `Starts one session per configured device instance and records decoded samples
as JSON lines until interrupted.

Examples:
  # Record everything in dart.yaml into <run-id>.jsonl
  dart record

  # Record only the second plank and the thermal grid, to stdout
  dart record --device Connected_Wood_Plank_2 --device GridEYE -o -

  # Expose Prometheus metrics while recording
  dart record --metrics-addr :9102`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

var (
	recordOutput      string
	recordDevices     []string
	recordMetricsAddr string
	recordNoBroadcast bool
)

func init() {
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "JSON lines output file, '-' for stdout (default <run-id>.jsonl)")
	recordCmd.Flags().StringSliceVarP(&recordDevices, "device", "d", nil, "Record only these device keys")
	recordCmd.Flags().StringVar(&recordMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides the config)")
	recordCmd.Flags().BoolVar(&recordNoBroadcast, "no-broadcast", false, "Disable the UDP live broadcast")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// selectDescriptors resolves the configured instances, restricted to keys when given.
func selectDescriptors(cfg *config.Config, keys []string) ([]config.DeviceDescriptor, error) {
	if len(keys) == 0 {
		return cfg.Descriptors()
	}
	out := make([]config.DeviceDescriptor, 0, len(keys))
	for _, k := range keys {
		d, err := cfg.Find(k)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// buildTransports creates only the transports the descriptors need. BLE transports
// share one scan hub.
func buildTransports(descs []config.DeviceDescriptor, logger *logrus.Logger) recorder.Transports {
	out := recorder.Transports{}
	var hub *goble.Hub
	for _, d := range descs {
		if _, ok := out[d.Transport]; ok {
			continue
		}
		switch d.Transport {
		case device.Serial:
			out[device.Serial] = serialport.New(logger)
		case device.BLEGATT, device.BLEAdvertisement:
			if hub == nil {
				hub = goble.NewHub(goble.Scan, logger)
			}
			if d.Transport == device.BLEGATT {
				out[device.BLEGATT] = goble.NewGATTTransport(hub, logger)
			} else {
				out[device.BLEAdvertisement] = goble.NewAdvertisementTransport(hub, logger)
			}
		}
	}
	return out
}

func openOutput(cmd *cobra.Command, path string, runID uuid.UUID) (io.Writer, func() error, error) {
	if path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	if path == "" {
		path = runID.String() + ".jsonl"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open output: %w", err)
	}
	return f, f.Close, nil
}

func runRecord(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}
	descs, err := selectDescriptors(cfg, recordDevices)
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return errors.New("no devices configured")
	}

	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.New()
	status := newStatusPrinter(cmd.ErrOrStderr(), useColor(cmd.ErrOrStderr()))

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}
	if addr := cmp.Or(recordMetricsAddr, cfg.Metrics.Address); addr != "" {
		srv := &http.Server{Addr: addr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithField("error", err).Error("Metrics endpoint failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	out, closeOut, err := openOutput(cmd, recordOutput, runID)
	if err != nil {
		return err
	}
	defer closeOut()
	sinks := []recording.Sink{recording.NewJSONLinesSink(out)}

	if cfg.Broadcast.Enabled && !recordNoBroadcast {
		opts := broadcast.OptionsFromConfig(cfg.Broadcast)
		opts.RunID = runID.String()
		opts.Logger = logger
		opts.Metrics = m
		b, err := broadcast.New(opts)
		if err != nil {
			return err
		}
		defer b.Close()
		b.Start(ctx)
		sinks = append(sinks, b)
	}

	sessOpts := session.OptionsFromConfig(cfg)
	sessOpts.OnStateChange = status.state

	var fatalMu sync.Mutex
	var fatal []error
	rec := recorder.New(buildTransports(descs, logger), recorder.Options{
		Session:       sessOpts,
		DrainInterval: cfg.DrainInterval,
		Sinks:         sinks,
		Logger:        logger,
		Metrics:       m,
		RunID:         runID,
		OnFatal: func(desc config.DeviceDescriptor, err error) {
			status.fatal(desc.Key(), err)
			fatalMu.Lock()
			fatal = append(fatal, err)
			fatalMu.Unlock()
		},
	})
	defer func() { _ = goble.CloseHost() }()

	status.run(runID, descs)
	startErr := rec.StartAll(ctx, descs)
	if startErr != nil && len(rec.Sessions()) == 0 {
		rec.StopAll()
		return startErr
	}
	if startErr != nil {
		status.warn(FormatUserError(startErr))
	}

	ended := make(chan struct{})
	go func() {
		rec.Wait()
		close(ended)
	}()
	select {
	case <-ctx.Done():
		status.line("Stopping...")
	case <-ended:
	}
	rec.StopAll()

	fatalMu.Lock()
	defer fatalMu.Unlock()
	return errors.Join(fatal...)
}

func useColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// statusPrinter writes one line per session transition.
type statusPrinter struct {
	mu  sync.Mutex
	out io.Writer

	title    *color.Color
	healthy  *color.Color
	retrying *color.Color
	failed   *color.Color
	plain    *color.Color
}

func newStatusPrinter(out io.Writer, colored bool) *statusPrinter {
	p := &statusPrinter{
		out:      out,
		title:    color.New(color.Bold),
		healthy:  color.New(color.FgGreen),
		retrying: color.New(color.FgYellow),
		failed:   color.New(color.FgRed, color.Bold),
		plain:    color.New(color.FgCyan),
	}
	for _, c := range []*color.Color{p.title, p.healthy, p.retrying, p.failed, p.plain} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *statusPrinter) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *statusPrinter) run(id uuid.UUID, descs []config.DeviceDescriptor) {
	keys := make([]string, 0, len(descs))
	for _, d := range descs {
		keys = append(keys, d.Key())
	}
	slices.Sort(keys)
	p.line("%s %s", p.title.Sprint("Run"), id)
	for _, k := range keys {
		p.line("  %s", k)
	}
}

func (p *statusPrinter) state(key string, from, to session.State) {
	c := p.plain
	switch to {
	case session.Streaming:
		c = p.healthy
	case session.Retrying:
		c = p.retrying
	case session.Failed:
		c = p.failed
	}
	p.line("%-24s %s -> %s", key, from, c.Sprint(to))
}

func (p *statusPrinter) fatal(key string, err error) {
	p.line("%-24s %s", key, p.failed.Sprint(FormatUserError(err)))
}

func (p *statusPrinter) warn(msg string) {
	p.line("%s", p.retrying.Sprint(msg))
}
