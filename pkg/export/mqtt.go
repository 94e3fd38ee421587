package export

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Enabled bool `yaml:"enabled"`

	// Broker is the broker URL, e.g. tcp://localhost:1883 or
	// ssl://broker:8883.
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TopicPrefix is prepended to the PV name: <prefix>/<pv>.
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultMQTTConfig returns the MQTT defaults.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:         "tcp://localhost:1883",
		ClientID:       "epicsdev-export",
		TopicPrefix:    "epics",
		QoS:            1,
		Retain:         true,
		ConnectTimeout: 5 * time.Second,
	}
}

// mqttPublisher is the part of the paho client the sink uses.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes each update as a JSON message.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqttPublisher
}

// DialMQTT connects to the broker.
func DialMQTT(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultMQTTConfig().ConnectTimeout
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if strings.HasPrefix(cfg.Broker, "ssl://") || strings.HasPrefix(cfg.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return newMQTTSink(cfg, client), nil
}

func newMQTTSink(cfg MQTTConfig, client mqttPublisher) *MQTTSink {
	return &MQTTSink{cfg: cfg, client: client}
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic of u.
func (s *MQTTSink) Topic(u Update) string {
	if s.cfg.TopicPrefix == "" {
		return u.BareName()
	}
	return strings.TrimSuffix(s.cfg.TopicPrefix, "/") + "/" + u.BareName()
}

// Write implements Sink.
func (s *MQTTSink) Write(ctx context.Context, u Update) error {
	data, err := json.Marshal(u.Message())
	if err != nil {
		return fmt.Errorf("mqtt encode %s: %w", u.PV, err)
	}
	token := s.client.Publish(s.Topic(u), s.cfg.QoS, s.cfg.Retain, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", u.PV, ctx.Err())
	}
}

// Close implements Sink.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
