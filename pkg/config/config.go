package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel logrus.Level `yaml:"log_level"`

	// PollInterval paces poll-mode channels (10 Hz by default).
	PollInterval     time.Duration `yaml:"poll_interval" default:"100ms"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" default:"30s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	// StaleTimeout ends a connection that stops delivering data. Zero disables the watchdog.
	StaleTimeout  time.Duration `yaml:"stale_timeout" default:"7s"`
	DrainInterval time.Duration `yaml:"drain_interval" default:"1s"`

	Retry     RetryConfig     `yaml:"retry"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	Devices []DeviceConfig `yaml:"devices"`
}

// RetryConfig parameterizes the fixed reconnect policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" default:"20"`
	Delay       time.Duration `yaml:"delay" default:"2s"`
}

// BroadcastConfig configures the live UDP broadcast.
type BroadcastConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Address     string        `yaml:"address" default:"255.255.255.255"`
	Port        int           `yaml:"port" default:"5005"`
	MinInterval time.Duration `yaml:"min_interval" default:"100ms"`
	// Payload maps a channel name to "values", "scalars" or "raw". Unlisted channels use "values".
	Payload map[string]string `yaml:"payload"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Address to serve /metrics on, e.g. ":9102". Empty disables the endpoint.
	Address string `yaml:"address"`
}

// DeviceConfig is one device entry of the configuration file.
type DeviceConfig struct {
	Device    string `yaml:"device"`
	Amount    int    `yaml:"amount" default:"1"`
	Transport string `yaml:"transport"`

	ServiceUUID string `yaml:"service_uuid"`
	LocalName   string `yaml:"local_name"`
	// Addresses pins instances to known devices, by instance order. Optional for BLE.
	Addresses []string `yaml:"addresses"`
	// Characteristics maps a channel name to its characteristic UUID.
	Characteristics map[string]string `yaml:"characteristics"`

	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate" default:"9600"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	return cfg
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML from r on top of the defaults and validates the result.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// Entries decoded from YAML start from zero values; fill their defaults too.
	for i := range cfg.Devices {
		defaults.SetDefaults(&cfg.Devices[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
