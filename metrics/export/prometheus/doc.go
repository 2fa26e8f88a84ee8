// Package prometheus exposes multiauth engine metrics through
// client_golang. The Collector reads Engine.MetricsSnapshot on every scrape;
// Exporter bundles it with the Go runtime collectors in a private registry
// and serves the result.
package prometheus
