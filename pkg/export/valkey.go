package export

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ValkeyConfig configures the Valkey sink. Redis servers work the same way.
type ValkeyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	UseTLS   bool   `yaml:"use_tls"`

	// KeyPrefix prefixes the key holding the last value: <prefix>:<pv>.
	KeyPrefix string `yaml:"key_prefix"`

	// Channel receives every update. Empty disables publishing.
	Channel string `yaml:"channel"`

	// KeyTTL expires last-value keys. Zero keeps them.
	KeyTTL time.Duration `yaml:"key_ttl"`
}

// DefaultValkeyConfig returns the Valkey defaults.
func DefaultValkeyConfig() ValkeyConfig {
	return ValkeyConfig{
		Address:   "localhost:6379",
		KeyPrefix: "epics",
		Channel:   "epics:updates",
	}
}

// valkeyClient is the part of the go-redis client the sink uses.
type valkeyClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// ValkeySink stores the last value of each PV under a key and publishes
// every update on a channel.
type ValkeySink struct {
	cfg    ValkeyConfig
	client valkeyClient
}

// DialValkey connects to the server and checks it with a PING.
func DialValkey(ctx context.Context, cfg ValkeyConfig) (*ValkeySink, error) {
	opts := &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey connect %s: %w", cfg.Address, err)
	}
	return newValkeySink(cfg, client), nil
}

func newValkeySink(cfg ValkeyConfig, client valkeyClient) *ValkeySink {
	return &ValkeySink{cfg: cfg, client: client}
}

// Name implements Sink.
func (s *ValkeySink) Name() string { return "valkey" }

// Key returns the last-value key of u.
func (s *ValkeySink) Key(u Update) string {
	var parts []string
	for _, p := range []string{s.cfg.KeyPrefix, u.BareName()} {
		if p = strings.Trim(p, ":"); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ":")
}

// Write implements Sink.
func (s *ValkeySink) Write(ctx context.Context, u Update) error {
	data, err := json.Marshal(u.Message())
	if err != nil {
		return fmt.Errorf("valkey encode %s: %w", u.PV, err)
	}
	if err := s.client.Set(ctx, s.Key(u), data, s.cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("valkey set %s: %w", u.PV, err)
	}
	if s.cfg.Channel != "" {
		if err := s.client.Publish(ctx, s.cfg.Channel, data).Err(); err != nil {
			return fmt.Errorf("valkey publish %s: %w", u.PV, err)
		}
	}
	return nil
}

// Close implements Sink.
func (s *ValkeySink) Close() error { return s.client.Close() }
