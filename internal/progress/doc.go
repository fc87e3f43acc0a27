// Package progress carries scan progress from workers to sinks. Workers emit
// Events into a non-blocking Hub, which batches them on a background goroutine
// and fans each batch out to sinks such as logs, Prometheus and the scan store.
package progress
