package datadog

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Skipper-116/cdr-automated/internal/metrics"
)

type sent struct {
	kind  string
	name  string
	value float64
	tags  []string
}

// fakeSink records what the backend would send to the agent.
type fakeSink struct {
	sent    []sent
	flushes int
	closed  bool
}

func (f *fakeSink) Count(name string, value int64, tags []string, _ float64) error {
	f.sent = append(f.sent, sent{"count", name, float64(value), tags})
	return nil
}

func (f *fakeSink) Histogram(name string, value float64, tags []string, _ float64) error {
	f.sent = append(f.sent, sent{"histogram", name, value, tags})
	return nil
}

func (f *fakeSink) Timing(name string, value time.Duration, tags []string, _ float64) error {
	f.sent = append(f.sent, sent{"timing", name, value.Seconds(), tags})
	return nil
}

func (f *fakeSink) Flush() error {
	if f.closed {
		return errors.New("flush after close")
	}
	f.flushes++
	return nil
}

func (f *fakeSink) Close() error { f.closed = true; return nil }

func TestTranslate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		metric   string
		labels   metrics.Labels
		wantName string
		wantTags []string
	}{
		{"file outcome", metrics.FilesTotal, metrics.Labels{"job": "cdrload", "outcome": "loaded"}, "files.loaded", nil},
		{"row kind", metrics.RowsTotal, metrics.Labels{"job": "cdrload", "kind": "skipped_lines"}, "rows.skipped_lines", nil},
		{"checkpoints", metrics.CheckpointsTotal, metrics.Labels{"job": "cdrload"}, "checkpoints", nil},
		{"step", metrics.StepTotal, metrics.Labels{"job": "j", "step": "load", "status": "failure"}, "step", []string{"status:failure", "step:load"}},
		{"duration", metrics.StepDurationSeconds, metrics.Labels{"step": "parse", "status": "success"}, "step.duration", []string{"status:success", "step:parse"}},
		{"no labels", metrics.FilesTotal, nil, "files", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gotName, gotTags := translate(tc.metric, tc.labels)
			if gotName != tc.wantName || !reflect.DeepEqual(gotTags, tc.wantTags) {
				t.Fatalf("translate = %q %v, want %q %v", gotName, gotTags, tc.wantName, tc.wantTags)
			}
		})
	}
}

func TestNewBackend_RequiresAddr(t *testing.T) {
	t.Parallel()

	if _, err := NewBackend(Config{}); err == nil {
		t.Fatalf("NewBackend without Addr: want error")
	}
}

// TestRecorders drives the metrics facade through the backend. It swaps the
// global backend and does not run in parallel.
func TestRecorders(t *testing.T) {
	f := &fakeSink{}
	metrics.SetBackend(&Backend{client: f})
	t.Cleanup(func() { metrics.SetBackend(&Backend{}) })

	metrics.RecordFile("cdrload", "quarantined")
	metrics.RecordCheckpoints("cdrload", 3)
	metrics.RecordRow("cdrload", "loaded", 1200)
	metrics.RecordStep("cdrload", "load", nil, 1500*time.Millisecond)

	want := []sent{
		{"count", "files.quarantined", 1, nil},
		{"count", "checkpoints", 3, nil},
		{"count", "rows.loaded", 1200, nil},
		{"count", "step", 1, []string{"status:success", "step:load"}},
		{"timing", "step.duration", 1.5, []string{"status:success", "step:load"}},
	}
	if !reflect.DeepEqual(f.sent, want) {
		t.Fatalf("sent = %+v\nwant %+v", f.sent, want)
	}
}

// Periodic flushes must leave the client open.
func TestFlushKeepsClientOpen(t *testing.T) {
	t.Parallel()

	f := &fakeSink{}
	b := &Backend{client: f}
	for i := 0; i < 3; i++ {
		if err := b.Flush(); err != nil {
			t.Fatalf("Flush #%d: %v", i+1, err)
		}
	}
	if f.flushes != 3 || f.closed {
		t.Fatalf("flushes=%d closed=%t, want 3 false", f.flushes, f.closed)
	}
	if err := b.Close(); err != nil || !f.closed {
		t.Fatalf("Close: err=%v closed=%t", err, f.closed)
	}
}

// A zero Backend has no client; every call must be a no-op.
func TestZeroBackendIsNoop(t *testing.T) {
	t.Parallel()

	var b Backend
	b.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"outcome": "loaded"})
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.5, nil)
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush on zero backend: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close on zero backend: %v", err)
	}
}
