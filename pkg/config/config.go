package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/connection"
	"github.com/ophyd-epics-devices/epicsdev/pkg/discovery"
	"github.com/ophyd-epics-devices/epicsdev/pkg/export"
	"github.com/ophyd-epics-devices/epicsdev/pkg/log"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvgw"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/sim"
	"github.com/ophyd-epics-devices/epicsdev/pkg/supervisor"
	"github.com/ophyd-epics-devices/epicsdev/pkg/transport"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EPICSDEV_"

// Config is the complete configuration.
type Config struct {
	// DefaultScheme is the provider serving bare PV names (sim or pvgw).
	DefaultScheme string `yaml:"default_scheme"`

	Timeouts TimeoutConfig `yaml:"timeouts"`
	Backoff  BackoffConfig `yaml:"backoff"`
	Gateway  GatewayConfig `yaml:"gateway"`
	Logging  LoggingConfig `yaml:"logging"`
	Export   export.Config `yaml:"export"`
}

// TimeoutConfig holds the process-wide timeout defaults. Signals may
// override them individually.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Get     time.Duration `yaml:"get"`

	// Put bounds puts without completion wait.
	Put time.Duration `yaml:"put"`

	// Signal bounds a signal read or write, including a lazy connect.
	Signal   time.Duration `yaml:"signal"`
	Readback time.Duration `yaml:"readback"`

	// Status is the deadline of statuses returned by Set. Zero uses the
	// signal timeout.
	Status time.Duration `yaml:"status"`

	// Staleness is how long a cached reading is served. Zero disables
	// the cache.
	Staleness time.Duration `yaml:"staleness"`
}

// BackoffConfig is the reconnect backoff of every binding.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// GatewayConfig configures the pvgw:// gateway client and the gateway
// server run by pvsimd.
type GatewayConfig struct {
	// Address is the gateway host:port. Empty with discovery enabled
	// resolves the gateway over mDNS.
	Address string `yaml:"address"`

	// Listen is the server listen address.
	Listen         string `yaml:"listen"`
	MaxConnections int    `yaml:"max_connections"`

	TLS            transport.TLSConfig       `yaml:"tls"`
	KeepAlive      transport.KeepAliveConfig `yaml:"keepalive"`
	RequestTimeout time.Duration             `yaml:"request_timeout"`

	// UpstreamTimeout bounds how long the server waits for its provider
	// to open a channel.
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	Discovery DiscoveryConfig `yaml:"discovery"`
}

// DiscoveryConfig configures mDNS discovery and advertisement.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Name is the instance name to advertise, or to look for when
	// browsing. Browsing with an empty name takes the first gateway.
	Name          string        `yaml:"name"`
	Interface     string        `yaml:"interface"`
	BrowseTimeout time.Duration `yaml:"browse_timeout"`
	TTL           time.Duration `yaml:"ttl"`
}

// LoggingConfig configures operational and protocol logging.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`

	// ProtocolLog is the path of a CBOR protocol event log. Empty
	// disables it.
	ProtocolLog string `yaml:"protocol_log"`

	// ProtocolDebug mirrors protocol events into the operational log at
	// debug level.
	ProtocolDebug bool `yaml:"protocol_debug"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		DefaultScheme: pvgw.Scheme,
		Timeouts: TimeoutConfig{
			Connect:  connection.DefaultConnectTimeout,
			Get:      binding.DefaultGetTimeout,
			Put:      binding.DefaultPutTimeout,
			Signal:   signal.DefaultTimeout,
			Readback: signal.DefaultReadbackTimeout,
		},
		Backoff: BackoffConfig{
			Initial:    connection.InitialBackoff,
			Max:        connection.MaxBackoff,
			Multiplier: connection.BackoffMultiplier,
			Jitter:     connection.JitterFactor,
		},
		Gateway: GatewayConfig{
			Address:         fmt.Sprintf("localhost:%d", transport.DefaultPort),
			Listen:          fmt.Sprintf(":%d", transport.DefaultPort),
			KeepAlive:       transport.DefaultKeepAliveConfig(),
			RequestTimeout:  pvgw.DefaultRequestTimeout,
			UpstreamTimeout: pvgw.DefaultConnectTimeout,
			Discovery: DiscoveryConfig{
				BrowseTimeout: discovery.BrowseTimeout,
				TTL:           discovery.DefaultTTL,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Export: export.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies EPICSDEV_SECTION_KEY variables.
func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	var errs []string
	dur := func(name string, dst *time.Duration) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
			return
		}
		*dst = d
	}

	str("DEFAULT_SCHEME", &cfg.DefaultScheme)

	dur("CONNECT_TIMEOUT", &cfg.Timeouts.Connect)
	dur("SIGNAL_TIMEOUT", &cfg.Timeouts.Signal)
	dur("READBACK_TIMEOUT", &cfg.Timeouts.Readback)
	dur("STATUS_TIMEOUT", &cfg.Timeouts.Status)

	str("GATEWAY_ADDRESS", &cfg.Gateway.Address)
	str("GATEWAY_LISTEN", &cfg.Gateway.Listen)
	str("GATEWAY_NAME", &cfg.Gateway.Discovery.Name)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("PROTOCOL_LOG", &cfg.Logging.ProtocolLog)

	// Secrets belong in the environment rather than the file.
	str("MQTT_PASSWORD", &cfg.Export.MQTT.Password)
	str("VALKEY_PASSWORD", &cfg.Export.Valkey.Password)
	str("INFLUXDB_TOKEN", &cfg.Export.InfluxDB.Token)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	switch c.DefaultScheme {
	case sim.Scheme, pvgw.Scheme:
	default:
		errs = append(errs, fmt.Sprintf("default_scheme must be %s or %s, got %q", sim.Scheme, pvgw.Scheme, c.DefaultScheme))
	}

	for name, d := range map[string]time.Duration{
		"timeouts.connect":  c.Timeouts.Connect,
		"timeouts.get":      c.Timeouts.Get,
		"timeouts.put":      c.Timeouts.Put,
		"timeouts.signal":   c.Timeouts.Signal,
		"timeouts.readback": c.Timeouts.Readback,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if c.Timeouts.Status < 0 {
		errs = append(errs, "timeouts.status must not be negative")
	}
	if c.Timeouts.Staleness < 0 {
		errs = append(errs, "timeouts.staleness must not be negative")
	}

	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		errs = append(errs, "backoff requires 0 < initial <= max")
	}
	if c.Backoff.Multiplier <= 1 {
		errs = append(errs, "backoff.multiplier must be greater than 1")
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		errs = append(errs, "backoff.jitter must be between 0 and 1")
	}

	if c.DefaultScheme == pvgw.Scheme && c.Gateway.Address == "" && !c.Gateway.Discovery.Enabled {
		errs = append(errs, "gateway.address is required unless discovery is enabled")
	}
	if n := c.Gateway.Discovery.Name; n != "" {
		if err := discovery.ValidateInstanceName(n); err != nil {
			errs = append(errs, fmt.Sprintf("gateway.discovery.name: %v", err))
		}
	}
	if c.Gateway.TLS.KeyFile != "" && c.Gateway.TLS.CertFile == "" {
		errs = append(errs, "gateway.tls.key_file requires cert_file")
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Sprintf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	if c.Export.MQTT.Enabled {
		if c.Export.MQTT.Broker == "" {
			errs = append(errs, "export.mqtt.broker is required")
		}
		if c.Export.MQTT.QoS > 2 {
			errs = append(errs, "export.mqtt.qos must be 0, 1, or 2")
		}
	}
	if c.Export.Valkey.Enabled && c.Export.Valkey.Address == "" {
		errs = append(errs, "export.valkey.address is required")
	}
	if c.Export.Kafka.Enabled && (len(c.Export.Kafka.Brokers) == 0 || c.Export.Kafka.Topic == "") {
		errs = append(errs, "export.kafka requires brokers and topic")
	}
	if c.Export.InfluxDB.Enabled && (c.Export.InfluxDB.URL == "" || c.Export.InfluxDB.Bucket == "") {
		errs = append(errs, "export.influxdb requires url and bucket")
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level: unknown level %q", s)
	}
	return l, nil
}

// NewLogger builds the operational logger described by the logging
// section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewProtocolLogger opens the protocol event sinks: the CBOR file and the
// slog mirror. It returns a nil logger when both are off. The returned close
// function is never nil.
func (c *Config) NewProtocolLogger(logger *slog.Logger) (log.Logger, func() error, error) {
	var loggers []log.Logger
	closer := func() error { return nil }
	if c.Logging.ProtocolLog != "" {
		fl, err := log.NewFileLogger(c.Logging.ProtocolLog)
		if err != nil {
			return nil, closer, fmt.Errorf("opening protocol log: %w", err)
		}
		loggers = append(loggers, fl)
		closer = fl.Close
	}
	if c.Logging.ProtocolDebug {
		loggers = append(loggers, log.NewSlogAdapter(logger))
	}
	switch len(loggers) {
	case 0:
		return nil, closer, nil
	case 1:
		return loggers[0], closer, nil
	default:
		return log.NewMultiLogger(loggers...), closer, nil
	}
}

// BindingOptions returns the options shared by every binding.
func (c *Config) BindingOptions(logger *slog.Logger, plog log.Logger) binding.Options {
	return binding.Options{
		ConnectTimeout: c.Timeouts.Connect,
		GetTimeout:     c.Timeouts.Get,
		PutTimeout:     c.Timeouts.Put,
		Backoff: connection.BackoffConfig{
			Initial:    c.Backoff.Initial,
			Max:        c.Backoff.Max,
			Multiplier: c.Backoff.Multiplier,
			Jitter:     c.Backoff.Jitter,
		},
		Logger:         logger,
		ProtocolLogger: plog,
	}
}

// Supervisor returns the supervisor configuration.
func (c *Config) Supervisor(logger *slog.Logger, plog log.Logger) supervisor.Config {
	return supervisor.Config{
		DefaultScheme: c.DefaultScheme,
		Binding:       c.BindingOptions(logger, plog),
		Logger:        logger,
	}
}

// SignalOptions returns the per-signal defaults. Pass them with
// signal.WithOptions and override individual values after it.
func (c *Config) SignalOptions(logger *slog.Logger) signal.Options {
	return signal.Options{
		Timeout:         c.Timeouts.Signal,
		Staleness:       c.Timeouts.Staleness,
		ReadbackTimeout: c.Timeouts.Readback,
		SetTimeout:      c.Timeouts.Status,
		Logger:          logger,
	}
}

// GatewayClient returns the pvgw:// provider configuration for address,
// which is normally Gateway.Address or the result of discovery.
func (c *Config) GatewayClient(address string, logger *slog.Logger, plog log.Logger) pvgw.Config {
	return pvgw.Config{
		Address:        address,
		TLS:            c.Gateway.TLS,
		KeepAlive:      c.Gateway.KeepAlive,
		RequestTimeout: c.Gateway.RequestTimeout,
		Logger:         logger,
		ProtocolLogger: plog,
	}
}

// GatewayServer returns the gateway server configuration.
func (c *Config) GatewayServer(logger *slog.Logger, plog log.Logger) pvgw.ServerConfig {
	return pvgw.ServerConfig{
		ServerConfig: transport.ServerConfig{
			Config: transport.Config{
				KeepAlive: c.Gateway.KeepAlive,
				Logger:    plog,
			},
			Address:        c.Gateway.Listen,
			TLS:            c.Gateway.TLS,
			MaxConnections: c.Gateway.MaxConnections,
			Logger:         logger,
		},
		ConnectTimeout: c.Gateway.UpstreamTimeout,
	}
}

// Browser returns the discovery browser configuration.
func (c *Config) Browser() discovery.BrowserConfig {
	return discovery.BrowserConfig{
		BrowseTimeout: c.Gateway.Discovery.BrowseTimeout,
		Interface:     c.Gateway.Discovery.Interface,
	}
}

// Advertiser returns the discovery advertiser configuration.
func (c *Config) Advertiser() discovery.AdvertiserConfig {
	return discovery.AdvertiserConfig{
		Interface: c.Gateway.Discovery.Interface,
		TTL:       c.Gateway.Discovery.TTL,
	}
}
