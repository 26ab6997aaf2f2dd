// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package. Counters and histograms are client_golang vec collectors
// labelled with step, status, kind and outcome, and are pushed to a
// Pushgateway on Flush rather than scraped.
package prompush

import (
	"fmt"

	"github.com/Skipper-116/cdr-automated/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	// Per-file stage metrics
	stepCounter  *prometheus.CounterVec // cdr_step_total
	stepDuration *prometheus.SummaryVec // cdr_step_duration_seconds (summary)

	rowCounter        *prometheus.CounterVec // cdr_rows_total
	checkpointCounter prometheus.Counter     // cdr_checkpoints_total
	fileCounter       *prometheus.CounterVec // cdr_files_total
}

// NewBackend constructs a Prometheus Pushgateway backend.
// jobName: the Pushgateway "job" name.
// gatewayURL: base URL of the Pushgateway server.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "cdrload"
	}

	reg := prometheus.NewRegistry()

	// job is the Pushgateway grouping key, so it is not a label here.
	stepCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Per-file stage executions, partitioned by step and status.",
		},
		[]string{"step", "status"},
	)
	stepDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       metrics.StepDurationSeconds,
			Help:       "Duration of per-file stages in seconds, partitioned by step and status.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"step", "status"},
	)
	rowCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.RowsTotal,
			Help: "Row-level counts per kind (parsed, loaded, skipped_lines).",
		},
		[]string{"kind"},
	)
	checkpointCounter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: metrics.CheckpointsTotal,
			Help: "Savepoints taken inside dump load transactions.",
		},
	)
	fileCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.FilesTotal,
			Help: "Dump files finished, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	for name, c := range map[string]prometheus.Collector{
		"step counter":       stepCounter,
		"step summary":       stepDuration,
		"row counter":        rowCounter,
		"checkpoint counter": checkpointCounter,
		"file counter":       fileCounter,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
	}

	return &Backend{
		gatewayURL:        gatewayURL,
		jobName:           jobName,
		reg:               reg,
		stepCounter:       stepCounter,
		stepDuration:      stepDuration,
		rowCounter:        rowCounter,
		checkpointCounter: checkpointCounter,
		fileCounter:       fileCounter,
	}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.StepTotal:
		if b.stepCounter == nil {
			return
		}
		b.stepCounter.WithLabelValues(labels["step"], labels["status"]).Add(delta)

	case metrics.RowsTotal:
		if b.rowCounter == nil {
			return
		}
		b.rowCounter.WithLabelValues(labels["kind"]).Add(delta)

	case metrics.CheckpointsTotal:
		if b.checkpointCounter == nil {
			return
		}
		b.checkpointCounter.Add(delta)

	case metrics.FilesTotal:
		if b.fileCounter == nil {
			return
		}
		b.fileCounter.WithLabelValues(labels["outcome"]).Add(delta)

	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDurationSeconds || b.stepDuration == nil {
		return
	}
	b.stepDuration.WithLabelValues(labels["step"], labels["status"]).Observe(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
