package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ophyd-epics-devices/epicsdev/pkg/connection"
	"github.com/ophyd-epics-devices/epicsdev/pkg/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "epicsdev.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Load(\"\") differs from Default() (-want +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
default_scheme: sim
timeouts:
  connect: 2s
  staleness: 500ms
  status: 1m
backoff:
  initial: 50ms
  max: 2s
gateway:
  address: gw.local:6000
  keepalive:
    disabled: true
  discovery:
    enabled: true
    name: bl-gateway
logging:
  level: debug
  format: json
export:
  mqtt:
    enabled: true
    broker: tcp://broker:1883
    topic_prefix: bl01
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sim", cfg.DefaultScheme)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 500*time.Millisecond, cfg.Timeouts.Staleness)
	assert.Equal(t, time.Minute, cfg.Timeouts.Status)
	assert.Equal(t, 50*time.Millisecond, cfg.Backoff.Initial)
	assert.Equal(t, connection.BackoffMultiplier, cfg.Backoff.Multiplier, "unset keys keep defaults")
	assert.Equal(t, "gw.local:6000", cfg.Gateway.Address)
	assert.True(t, cfg.Gateway.KeepAlive.Disabled)
	assert.Equal(t, "bl-gateway", cfg.Gateway.Discovery.Name)
	assert.True(t, cfg.Export.MQTT.Enabled)
	assert.Equal(t, "bl01", cfg.Export.MQTT.TopicPrefix)
	assert.Equal(t, "epicsdev-export", cfg.Export.MQTT.ClientID)
	assert.False(t, cfg.Export.Kafka.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "timeouts: [1, 2"))
	assert.ErrorContains(t, err, "parsing config file")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EPICSDEV_GATEWAY_ADDRESS", "10.0.0.5:5080")
	t.Setenv("EPICSDEV_LOG_LEVEL", "warn")
	t.Setenv("EPICSDEV_CONNECT_TIMEOUT", "750ms")
	t.Setenv("EPICSDEV_INFLUXDB_TOKEN", "secret")

	cfg, err := Load(writeConfig(t, "gateway:\n  address: file:5080\n"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:5080", cfg.Gateway.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 750*time.Millisecond, cfg.Timeouts.Connect)
	assert.Equal(t, "secret", cfg.Export.InfluxDB.Token)
}

func TestEnvOverrideBadDuration(t *testing.T) {
	t.Setenv("EPICSDEV_SIGNAL_TIMEOUT", "soon")
	_, err := Load("")
	assert.ErrorContains(t, err, "EPICSDEV_SIGNAL_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"unknown scheme", func(c *Config) { c.DefaultScheme = "ca" }, "default_scheme"},
		{"zero connect timeout", func(c *Config) { c.Timeouts.Connect = 0 }, "timeouts.connect must be positive"},
		{"negative status timeout", func(c *Config) { c.Timeouts.Status = -time.Second }, "timeouts.status"},
		{"negative staleness", func(c *Config) { c.Timeouts.Staleness = -time.Second }, "timeouts.staleness"},
		{"backoff max below initial", func(c *Config) { c.Backoff.Max = time.Millisecond }, "backoff requires"},
		{"backoff multiplier", func(c *Config) { c.Backoff.Multiplier = 1 }, "backoff.multiplier"},
		{"no gateway", func(c *Config) { c.Gateway.Address = "" }, "gateway.address is required"},
		{"long instance name", func(c *Config) { c.Gateway.Discovery.Name = strings.Repeat("x", 64) }, "gateway.discovery.name"},
		{"key without cert", func(c *Config) { c.Gateway.TLS.KeyFile = "k.pem" }, "key_file requires cert_file"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"mqtt qos", func(c *Config) { c.Export.MQTT.Enabled = true; c.Export.MQTT.QoS = 3 }, "export.mqtt.qos"},
		{"kafka topic", func(c *Config) { c.Export.Kafka.Enabled = true; c.Export.Kafka.Topic = "" }, "export.kafka"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateGatewayViaDiscovery(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Address = ""
	cfg.Gateway.Discovery.Enabled = true
	assert.NoError(t, cfg.Validate())

	cfg.DefaultScheme = "sim"
	cfg.Gateway.Discovery.Enabled = false
	assert.NoError(t, cfg.Validate(), "sim needs no gateway")
}

func TestOptionAccessors(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.Connect = 3 * time.Second
	cfg.Timeouts.Staleness = time.Second
	cfg.Gateway.Listen = "127.0.0.1:0"
	cfg.Gateway.UpstreamTimeout = 4 * time.Second

	sup := cfg.Supervisor(nil, nil)
	assert.Equal(t, "pvgw", sup.DefaultScheme)
	assert.Equal(t, 3*time.Second, sup.Binding.ConnectTimeout)
	assert.Equal(t, connection.BackoffConfig{
		Initial:    connection.InitialBackoff,
		Max:        connection.MaxBackoff,
		Multiplier: connection.BackoffMultiplier,
		Jitter:     connection.JitterFactor,
	}, sup.Binding.Backoff)

	sig := cfg.SignalOptions(nil)
	assert.Equal(t, time.Second, sig.Staleness)
	assert.Zero(t, sig.SetTimeout, "follows the signal timeout")

	client := cfg.GatewayClient("gw:5080", nil, nil)
	assert.Equal(t, "gw:5080", client.Address)
	assert.Equal(t, transport.DefaultKeepAliveConfig(), client.KeepAlive)

	srv := cfg.GatewayServer(nil, nil)
	assert.Equal(t, "127.0.0.1:0", srv.Address)
	assert.Equal(t, 4*time.Second, srv.ConnectTimeout)
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "warn"
	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "pv", "MOTOR:POS")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"pv":"MOTOR:POS"`)
}

func TestNewProtocolLogger(t *testing.T) {
	cfg := Default()
	plog, closer, err := cfg.NewProtocolLogger(nil)
	require.NoError(t, err)
	assert.Nil(t, plog)
	assert.NoError(t, closer())

	cfg.Logging.ProtocolLog = filepath.Join(t.TempDir(), "proto.cbor")
	cfg.Logging.ProtocolDebug = true
	plog, closer, err = cfg.NewProtocolLogger(nil)
	require.NoError(t, err)
	assert.NotNil(t, plog)
	assert.NoError(t, closer())
	_, err = os.Stat(cfg.Logging.ProtocolLog)
	assert.NoError(t, err)
}
