// Package progress holds the operator-facing state of the aggregator: the
// CrawlProgress tracker for the current run, cumulative per-source fetch
// metrics, and a non-blocking event hub that batches run and source milestones
// out to pluggable sinks (logs, Prometheus, run history, terminal progress).
package progress
