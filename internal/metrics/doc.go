// Package metrics records batch events as Prometheus metrics.
//
// [Recorder] implements observability.BatchHooks on a private registry. The
// CLI registers it at startup and, after the run, exports the registry in the
// node exporter textfile format with [Recorder.WriteTextfile].
package metrics
