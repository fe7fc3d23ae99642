package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/dart/internal/device"
	"github.com/srg/dart/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log_level: debug
poll_interval: 50ms
broadcast:
  enabled: true
  port: 6000
  payload:
    piezo: raw
devices:
  - device: Connected_Wood_Plank
    amount: 2
    service_uuid: 19b10000-e8f2-537e-4f6c-d104768a1214
    addresses: ["AA:BB:CC:DD:EE:01"]
    characteristics:
      capacitive: 19b10001-e8f2-537e-4f6c-d104768a1214
      strain: 19b10002-e8f2-537e-4f6c-d104768a1214
      piezo: 19b10003-e8f2-537e-4f6c-d104768a1214
  - device: GridEYE
    transport: serial
    port: /dev/ttyUSB0
  - device: SEN55
`

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval, "reference poll rate is 10 Hz")
	assert.Equal(t, 30*time.Second, cfg.DiscoveryTimeout)
	assert.Equal(t, 7*time.Second, cfg.StaleTimeout)
	assert.Equal(t, 20, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.Delay)
	assert.Equal(t, 5005, cfg.Broadcast.Port)
	assert.NoError(t, cfg.Validate())
}

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout, "unset fields MUST keep defaults")
	assert.Equal(t, "raw", cfg.Broadcast.Payload["piezo"])
	assert.Equal(t, 9600, cfg.Devices[1].BaudRate, "device entries MUST get defaults too")

	descs, err := cfg.Descriptors()
	require.NoError(t, err)
	require.Len(t, descs, 4)

	keys := make([]string, len(descs))
	for i, d := range descs {
		keys[i] = d.Key()
	}
	assert.Equal(t, []string{"Connected_Wood_Plank", "Connected_Wood_Plank_2", "GridEYE", "SEN55"}, keys)

	plank := descs[0]
	assert.Equal(t, device.BLEGATT, plank.Transport)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", plank.Target.Address)
	assert.Equal(t, "", descs[1].Target.Address, "second plank MUST be discovered by service")
	assert.Equal(t, []frame.ChannelID{frame.Capacitive, frame.Strain, frame.Piezo}, plank.Channels)
	assert.Equal(t, "19b10003e8f2537e4f6cd104768a1214", plank.Endpoints[frame.Piezo])

	grid := descs[2]
	assert.Equal(t, device.Serial, grid.Transport)
	assert.Equal(t, "/dev/ttyUSB0", grid.Target.Address)
	assert.Equal(t, 9600, grid.Target.BaudRate)

	sen := descs[3]
	assert.Equal(t, device.BLEAdvertisement, sen.Transport)
	assert.Equal(t, "SEN55", sen.Target.LocalName)

	found, err := cfg.Find("connected_wood_plank_2")
	require.NoError(t, err)
	assert.Equal(t, 2, found.Instance)
}

func TestValidationCollectsEveryProblem(t *testing.T) {
	_, err := Parse(strings.NewReader(`
poll_interval: 0s
broadcast:
  payload:
    sonar: values
    strain: hex
devices:
  - device: Connected_Wood_Plank
    service_uuid: 180d
    characteristics:
      capacitive: 2a37
  - device: GridEYE
    transport: serial
  - device: Myo_Sensor
`))
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))

	joined := strings.Join(ve.Problems, "\n")
	assert.Contains(t, joined, "poll_interval")
	assert.Contains(t, joined, `unknown channel "sonar"`)
	assert.Contains(t, joined, `unknown shape "hex"`)
	assert.Contains(t, joined, "missing strain characteristic")
	assert.Contains(t, joined, "GridEYE: port required")
	assert.Contains(t, joined, "external program")
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	_, err := Parse(strings.NewReader("pol_interval: 1s\n"))
	assert.Error(t, err)
}

func TestSerialInstancesCannotShareAPort(t *testing.T) {
	dc := DeviceConfig{Device: "GridEYE", Transport: "serial", Port: "/dev/ttyACM0", Amount: 2, BaudRate: 9600}
	_, err := dc.Resolve()
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dart.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Devices, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_NewLogger(t *testing.T) {
	for _, level := range []logrus.Level{logrus.DebugLevel, logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel} {
		t.Run(level.String(), func(t *testing.T) {
			cfg := &Config{LogLevel: level}

			logger := cfg.NewLogger()

			assert.Equal(t, level, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestProfileOf(t *testing.T) {
	p, err := ProfileOf(device.WoodPlank)
	require.NoError(t, err)
	assert.Equal(t, []frame.ChannelID{frame.Capacitive, frame.Strain, frame.Piezo}, p.Channels)
	assert.Equal(t, device.BLEGATT, p.Transport)

	p.Channels[0] = frame.Thermal
	again, _ := ProfileOf(device.WoodPlank)
	assert.Equal(t, frame.Capacitive, again.Channels[0], "profiles MUST NOT share their channel slices")

	_, err = ProfileOf(device.Wearable)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr), "a wearable MUST be a configuration error")
}
