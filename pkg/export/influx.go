package export

import (
	"context"
	"fmt"
	"math"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// DefaultInfluxConfig returns the InfluxDB defaults.
func DefaultInfluxConfig() InfluxConfig {
	return InfluxConfig{
		URL:         "http://localhost:8086",
		Org:         "epics",
		Bucket:      "epics",
		Measurement: "pv",
	}
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes one point per update, tagged with the PV and signal
// name. Numbers and booleans go to the value field, everything else to
// value_str. Arrays are not written.
type InfluxSink struct {
	cfg    InfluxConfig
	writer pointWriter
	close  func()
}

// DialInflux connects to the server and checks its health.
func DialInflux(ctx context.Context, cfg InfluxConfig) (*InfluxSink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	healthy, err := client.Ping(pctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb connect %s: %w", cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb connect %s: server not healthy", cfg.URL)
	}
	s := newInfluxSink(cfg, client.WriteAPIBlocking(cfg.Org, cfg.Bucket))
	s.close = client.Close
	return s, nil
}

func newInfluxSink(cfg InfluxConfig, w pointWriter) *InfluxSink {
	if cfg.Measurement == "" {
		cfg.Measurement = DefaultInfluxConfig().Measurement
	}
	return &InfluxSink{cfg: cfg, writer: w}
}

// Name implements Sink.
func (s *InfluxSink) Name() string { return "influxdb" }

// Point converts u, nil when the value has no scalar field form.
func (s *InfluxSink) Point(u Update) *write.Point {
	fields := make(map[string]interface{}, 2)
	switch v := u.Reading.Value.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint8, uint16, uint32, uint64, bool:
		fields["value"] = v
	case string:
		fields["value_str"] = v
	default:
		return nil
	}
	tags := map[string]string{"pv": u.BareName()}
	if u.Name != "" {
		tags["name"] = u.Name
	}
	if u.Reading.Alarm != "" {
		fields["alarm"] = u.Reading.Alarm
	}
	return write.NewPoint(s.cfg.Measurement, tags, fields, timeOf(u.Reading.Timestamp))
}

func timeOf(ts float64) time.Time {
	if ts == 0 {
		return time.Now()
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Write implements Sink.
func (s *InfluxSink) Write(ctx context.Context, u Update) error {
	p := s.Point(u)
	if p == nil {
		return nil
	}
	if err := s.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influxdb write %s: %w", u.PV, err)
	}
	return nil
}

// Close implements Sink.
func (s *InfluxSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
