// Command cdrload watches a directory for site database dumps and loads each
// accepted dump into the shared destination store in one transaction.
// Committed dumps are moved to a done directory. Dumps whose global
// properties do not match the expected configuration are moved to a
// quarantine directory with a reason file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Skipper-116/cdr-automated/internal/config"
	"github.com/Skipper-116/cdr-automated/internal/metrics"
	"github.com/Skipper-116/cdr-automated/internal/metrics/datadog"
	"github.com/Skipper-116/cdr-automated/internal/metrics/prompush"
	"github.com/Skipper-116/cdr-automated/internal/parser/sqldump"
	"github.com/Skipper-116/cdr-automated/internal/pipeline"
	"github.com/Skipper-116/cdr-automated/internal/quarantine"
	"github.com/Skipper-116/cdr-automated/internal/storage"
	"github.com/Skipper-116/cdr-automated/internal/watcher"

	// register all backends with the storage factory.
	_ "github.com/Skipper-116/cdr-automated/internal/storage/all"
)

// metricsFlushEvery is how often the pushgateway backend is pushed while the
// process runs.
const metricsFlushEvery = 15 * time.Second

func main() {
	validate := flag.Bool("validate", false, "validate the configuration and exit")

	cfg, err := config.Load()
	if err != nil {
		fatalf("config: %v", err)
	}

	warnings, err := config.Check(cfg)
	for _, iss := range warnings {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if err != nil {
		var ce *config.ConfigurationError
		if errors.As(err, &ce) {
			for _, iss := range ce.Issues {
				fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
			}
		}
		log.Printf("configuration is invalid")
		os.Exit(1)
	}
	if *validate {
		log.Printf("configuration is valid")
		os.Exit(0)
	}

	expected, err := cfg.Expected()
	if err != nil {
		fatalf("expected properties: %v", err)
	}
	sitePattern, err := cfg.SitePattern()
	if err != nil {
		fatalf("site_id_pattern: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopMetrics := setupMetrics(ctx, cfg)
	defer stopMetrics()

	pool := pipeline.New(pipeline.Options{
		Workers: cfg.Workers,
		Storage: cfg.Storage(),
		Loader: storage.Loader{
			CheckpointEvery: cfg.CheckpointBatch,
			FlushAfter:      cfg.CheckpointBatch,
			Verbose:         cfg.Verbose,
			Job:             cfg.Job,
		},
		Scoped:      cfg.ScopedTables(),
		SiteID:      cfg.SiteID,
		SitePattern: sitePattern,
		Expected:    expected,
		Quarantine:  quarantine.Dir{Path: cfg.QuarantineDir},
		Done:        quarantine.Dir{Path: cfg.DoneDir},
		Parse: sqldump.Options{
			Workers:      cfg.ParseWorkers,
			SegmentBytes: cfg.SegmentBytes,
			Charset:      cfg.Charset,
		},
		Job: cfg.Job,
	})

	w := watcher.New(watcher.Options{
		Dir:    cfg.WatchDir,
		Prefix: cfg.FilePrefix,
		Suffix: cfg.FileSuffix,
		Settle: cfg.Settle,
	})
	if err := w.Start(); err != nil {
		stopMetrics()
		fatalf("%v", err)
	}

	if cfg.Verbose {
		log.Printf("cdrload: watch=%s quarantine=%s done=%s driver=%s workers=%d checkpoint_batch=%d parse_workers=%d expected_keys=%v",
			cfg.WatchDir, cfg.QuarantineDir, cfg.DoneDir, cfg.DBDriver, cfg.Workers, cfg.CheckpointBatch, cfg.ParseWorkers, expected.Keys())
	}

	queue := make(chan string, cfg.Workers)
	watchErr := make(chan error, 1)
	go func() { watchErr <- w.Run(ctx, queue) }()

	start := time.Now()
	if err := pool.Run(ctx, queue); err != nil {
		log.Printf("cdrload: pool: %v", err)
	}

	if err := <-watchErr; err != nil {
		stopMetrics()
		fatalf("watcher: %v", err)
	}
	s := pool.Stats()
	log.Printf("cdrload: stopped after %s files=%d loaded=%d quarantined=%d",
		time.Since(start).Truncate(time.Second), s.Files(), s.Loaded, s.Quarantined)
}

// setupMetrics installs the configured backend and returns a function that
// stops periodic pushes and flushes once more.
func setupMetrics(ctx context.Context, cfg *config.Config) func() {
	switch cfg.MetricsBackend {
	case "pushgateway":
		b, err := prompush.NewBackend(cfg.Job, cfg.PushgatewayURL)
		if err != nil {
			log.Printf("metrics: failed to init prom push backend: %v; using nop", err)
			return func() {}
		}
		log.Printf("metrics: url=%v, backend=%v, job_name=%v", cfg.PushgatewayURL, cfg.MetricsBackend, cfg.Job)
		metrics.SetBackend(b)
		return periodicFlush(ctx)

	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{
			Addr:       cfg.DatadogAddr,
			Namespace:  "cdr.",
			Job:        cfg.Job,
			GlobalTags: []string{"service:cdrload"},
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return func() {}
		}
		log.Printf("metrics: addr=%v, backend=%v", cfg.DatadogAddr, cfg.MetricsBackend)
		metrics.SetBackend(b)
		stop := periodicFlush(ctx)
		closed := false
		return func() {
			stop()
			if closed {
				return
			}
			closed = true
			if err := b.Close(); err != nil {
				log.Printf("metrics: close error: %v", err)
			}
		}

	default:
		if cfg.Verbose {
			log.Printf("metrics: disabled (backend=%q)", cfg.MetricsBackend)
		}
		return func() {}
	}
}

// periodicFlush flushes metrics on a ticker until the returned function is
// called, which also performs a final flush. Calling it twice is harmless.
func periodicFlush(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(metricsFlushEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := metrics.Flush(); err != nil {
					log.Printf("metrics: flush error: %v", err)
				}
			}
		}
	}()

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		<-done
		if err := metrics.Flush(); err != nil {
			log.Printf("metrics: flush error: %v", err)
		}
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
