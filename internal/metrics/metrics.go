// Package metrics records operational metrics from the dump loader through a
// pluggable Backend. The default backend is a no-op, so recording is always
// safe. Concrete systems (Prometheus Pushgateway, Datadog) live in
// subpackages.
//
// SetBackend is meant to be called once during start-up, before workers run.
package metrics

import "time"

// Metric names shared by all backends.
const (
	StepTotal           = "cdr_step_total"
	StepDurationSeconds = "cdr_step_duration_seconds"
	RowsTotal           = "cdr_rows_total"
	CheckpointsTotal    = "cdr_checkpoints_total"
	FilesTotal          = "cdr_files_total"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordStep measures latency and success/failure of one per-file stage
// (open, parse, validate, quarantine, load).
func RecordStep(job, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}

	lbls := Labels{
		"job":    job,
		"step":   step,
		"status": status,
	}

	backend.IncCounter(StepTotal, 1, lbls)
	backend.ObserveHistogram(StepDurationSeconds, d.Seconds(), lbls)
}

// RecordRow increments a row-level counter for the given job and kind.
//
// Kinds used by the pipeline:
//   - "parsed"
//   - "loaded"
//   - "skipped_lines"
func RecordRow(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(RowsTotal, float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordCheckpoints increments the savepoint counter for the given job.
func RecordCheckpoints(job string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(CheckpointsTotal, float64(delta), Labels{
		"job": job,
	})
}

// RecordFile counts one finished dump file by outcome (committed,
// quarantined, parse_failed, load_failed, ...).
func RecordFile(job, outcome string) {
	backend.IncCounter(FilesTotal, 1, Labels{
		"job":     job,
		"outcome": outcome,
	})
}
