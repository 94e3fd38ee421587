package export

import (
	"context"
	"errors"
	"log/slog"
)

// Config selects and configures the sinks.
type Config struct {
	MQTT     MQTTConfig   `yaml:"mqtt"`
	Valkey   ValkeyConfig `yaml:"valkey"`
	Kafka    KafkaConfig  `yaml:"kafka"`
	InfluxDB InfluxConfig `yaml:"influxdb"`
}

// DefaultConfig returns the defaults of every sink, all disabled.
func DefaultConfig() Config {
	return Config{
		MQTT:     DefaultMQTTConfig(),
		Valkey:   DefaultValkeyConfig(),
		Kafka:    DefaultKafkaConfig(),
		InfluxDB: DefaultInfluxConfig(),
	}
}

// Enabled reports whether any sink is enabled.
func (c Config) Enabled() bool {
	return c.MQTT.Enabled || c.Valkey.Enabled || c.Kafka.Enabled || c.InfluxDB.Enabled
}

// Open connects every enabled sink. On error the sinks already opened are
// closed again.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) ([]Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sinks []Sink
	fail := func(err error) ([]Sink, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}

	if cfg.MQTT.Enabled {
		s, err := DialMQTT(cfg.MQTT)
		if err != nil {
			return fail(err)
		}
		logger.Info("export sink connected", "sink", s.Name(), "broker", cfg.MQTT.Broker)
		sinks = append(sinks, s)
	}
	if cfg.Valkey.Enabled {
		s, err := DialValkey(ctx, cfg.Valkey)
		if err != nil {
			return fail(err)
		}
		logger.Info("export sink connected", "sink", s.Name(), "address", cfg.Valkey.Address)
		sinks = append(sinks, s)
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return fail(errors.New("kafka sink: no brokers"))
		}
		s := NewKafkaSink(cfg.Kafka)
		logger.Info("export sink created", "sink", s.Name(), "topic", cfg.Kafka.Topic)
		sinks = append(sinks, s)
	}
	if cfg.InfluxDB.Enabled {
		s, err := DialInflux(ctx, cfg.InfluxDB)
		if err != nil {
			return fail(err)
		}
		logger.Info("export sink connected", "sink", s.Name(), "url", cfg.InfluxDB.URL)
		sinks = append(sinks, s)
	}
	return sinks, nil
}
