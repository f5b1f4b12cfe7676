// Package prometheus exposes engine counters through client_golang.
//
// [Collector] implements prometheus.Collector and reads one
// [authgate.Engine.MetricsSnapshot] per scrape. Counter names are
// authgate_*_total; refresh latency is the histogram
// authgate_refresh_latency_seconds.
//
// # What this package must NOT do
//
//   - Register in the global Prometheus registry. [Handler] builds a private one.
//   - Mutate engine state.
package prometheus
