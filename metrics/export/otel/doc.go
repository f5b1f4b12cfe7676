// Package otel binds engine counters to OpenTelemetry observable instruments.
//
// [NewExporter] groups the engine counters into four attributed counters
// (authgate.logins, authgate.refreshes, authgate.sessions and
// authgate.gate.decisions), reports cumulative refresh latency buckets on a
// gauge keyed by "le", and counts dropped audit events. A single callback
// reads one [authgate.Engine.MetricsSnapshot] per collection.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
