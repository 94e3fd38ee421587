// Package export republishes signal updates to external systems.
//
// An Exporter observes a set of signals and hands every reading to each of
// its sinks. Sinks exist for MQTT brokers, Valkey (or Redis) servers, Kafka
// clusters and InfluxDB buckets. A sink that fails is logged and skipped for
// that update; it never stops the exporter or the other sinks.
//
//	sinks, err := export.Open(ctx, cfg.Export, logger)
//	exp := export.New(logger, sinks...)
//	defer exp.Close()
//	err = exp.Run(ctx, det.Signals())
package export
