// Package otel publishes multiauth engine metrics as OpenTelemetry
// observable instruments. One callback reads Engine.MetricsSnapshot per
// collection; the caller owns the MeterProvider.
package otel
