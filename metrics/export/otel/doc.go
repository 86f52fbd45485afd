// Package otel publishes engine metrics through an OpenTelemetry meter.
//
// [Exporter] registers one Int64ObservableCounter per engine counter and a
// cumulative Int64ObservableGauge per latency bucket. A single callback
// reads [sentinel.Engine.MetricsSnapshot] on each collection. The caller
// owns the MeterProvider.
package otel
