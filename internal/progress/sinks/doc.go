// Package sinks implements progress consumers: structured logs, Prometheus
// collectors and the scan store.
package sinks
