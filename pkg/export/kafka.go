package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// RequiredAcks is -1 (all), 0 (none) or 1 (leader).
	RequiredAcks int `yaml:"required_acks"`
	MaxAttempts  int `yaml:"max_attempts"`

	BatchTimeout     time.Duration `yaml:"batch_timeout"`
	AutoCreateTopics bool          `yaml:"auto_create_topics"`
}

// DefaultKafkaConfig returns the Kafka defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:          []string{"localhost:9092"},
		Topic:            "epics-updates",
		RequiredAcks:     -1,
		MaxAttempts:      3,
		BatchTimeout:     10 * time.Millisecond,
		AutoCreateTopics: true,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink produces one message per update, keyed by PV name so that the
// updates of a PV stay ordered within a partition.
type KafkaSink struct {
	cfg    KafkaConfig
	writer messageWriter
}

// NewKafkaSink creates the sink. The writer connects on the first write.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:            cfg.MaxAttempts,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: cfg.AutoCreateTopics,
	}
	return newKafkaSink(cfg, w)
}

func newKafkaSink(cfg KafkaConfig, w messageWriter) *KafkaSink {
	return &KafkaSink{cfg: cfg, writer: w}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Write implements Sink.
func (s *KafkaSink) Write(ctx context.Context, u Update) error {
	data, err := json.Marshal(u.Message())
	if err != nil {
		return fmt.Errorf("kafka encode %s: %w", u.PV, err)
	}
	msg := kafka.Message{
		Key:   []byte(u.BareName()),
		Value: data,
		Time:  time.Now(),
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka produce %s: %w", u.PV, err)
	}
	return nil
}

// Close implements Sink.
func (s *KafkaSink) Close() error { return s.writer.Close() }
