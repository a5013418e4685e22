// Package sinks implements progress consumers: structured logs, Prometheus
// collectors, persisted run history, and a terminal progress bar. Each sink
// satisfies progress.Sink and tolerates repeated Consume/Close cycles.
package sinks
