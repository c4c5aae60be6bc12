// Package metrics defines Prometheus metrics for dispatch runs, covering group
// outcomes, attachment cleanup, throttling and mail delivery, and serves them
// over HTTP while a run is in progress.
package metrics
