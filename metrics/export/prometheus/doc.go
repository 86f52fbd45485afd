// Package prometheus exposes engine metrics as a Prometheus collector.
//
// [Exporter] implements prometheus.Collector and reads
// [sentinel.Engine.MetricsSnapshot] on every scrape. Register it with any
// registry, or mount [Exporter.Handler] which uses a private one. Counters
// are named sentinel_*_total; validation latency is the histogram
// sentinel_validate_latency_seconds.
package prometheus
