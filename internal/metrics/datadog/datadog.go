// Package datadog sends loader metrics to a DogStatsD agent.
//
// Facade metric names are mapped onto a dotted Datadog hierarchy below the
// configured namespace:
//
//	cdr_files_total{outcome=loaded}   -> files.loaded   (count)
//	cdr_rows_total{kind=parsed}       -> rows.parsed    (count)
//	cdr_checkpoints_total             -> checkpoints    (count)
//	cdr_step_total{step,status}       -> step           (count, tags step, status)
//	cdr_step_duration_seconds{step}   -> step.duration  (timing, tags step, status)
//
// The job label is a global tag set once at construction.
package datadog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/Skipper-116/cdr-automated/internal/metrics"
)

// Config holds Datadog backend configuration.
type Config struct {
	// Addr is the DogStatsD address, e.g. "127.0.0.1:8125" or "unix:///path/to/socket".
	Addr string
	// Namespace prefixes every metric name, e.g. "cdr.".
	Namespace string
	// Job becomes the global "job:<Job>" tag.
	Job string
	// GlobalTags are added to every metric, e.g. "service:cdrload".
	GlobalTags []string
}

// sink is the part of *statsd.Client the backend uses.
type sink interface {
	Count(name string, value int64, tags []string, rate float64) error
	Histogram(name string, value float64, tags []string, rate float64) error
	Timing(name string, value time.Duration, tags []string, rate float64) error
	Flush() error
	Close() error
}

// Backend is a Datadog implementation of metrics.Backend.
type Backend struct {
	client sink
}

// labels folded into the metric name instead of sent as tags.
var nameLabels = map[string]string{
	metrics.FilesTotal: "outcome",
	metrics.RowsTotal:  "kind",
}

// NewBackend connects a DogStatsD client. Addr is required.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("datadog: Addr is required")
	}

	tags := append([]string(nil), cfg.GlobalTags...)
	if cfg.Job != "" {
		tags = append(tags, "job:"+cfg.Job)
	}
	opts := []statsd.Option{statsd.WithTags(tags)}
	if cfg.Namespace != "" {
		opts = append(opts, statsd.WithNamespace(cfg.Namespace))
	}

	c, err := statsd.New(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("datadog: create client: %w", err)
	}
	return &Backend{client: c}, nil
}

// IncCounter sends a Count. Fractional deltas are truncated.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	metric, tags := translate(name, labels)
	_ = b.client.Count(metric, int64(delta), tags, 1)
}

// ObserveHistogram sends step durations as timings and anything else as a
// histogram.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	metric, tags := translate(name, labels)
	if strings.HasSuffix(name, "_seconds") {
		_ = b.client.Timing(metric, time.Duration(value*float64(time.Second)), tags, 1)
		return
	}
	_ = b.client.Histogram(metric, value, tags, 1)
}

// Flush sends buffered metrics. The client stays usable.
func (b *Backend) Flush() error {
	if b.client == nil {
		return nil
	}
	return b.client.Flush()
}

// Close flushes and releases the client. Call it once at shutdown.
func (b *Backend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// translate maps a facade metric and its labels to a Datadog metric name and
// sorted tags.
func translate(name string, labels metrics.Labels) (string, []string) {
	metric := metricName(name)
	folded := nameLabels[name]
	if v := labels[folded]; folded != "" && v != "" {
		metric += "." + v
	}

	tags := make([]string, 0, len(labels))
	for k, v := range labels {
		if k == "job" || k == folded {
			continue
		}
		tags = append(tags, k+":"+v)
	}
	if len(tags) == 0 {
		return metric, nil
	}
	sort.Strings(tags)
	return metric, tags
}

// metricName turns "cdr_step_duration_seconds" into "step.duration".
func metricName(name string) string {
	n := strings.TrimPrefix(name, "cdr_")
	n = strings.TrimSuffix(n, "_total")
	n = strings.TrimSuffix(n, "_seconds")
	return strings.ReplaceAll(n, "_", ".")
}
