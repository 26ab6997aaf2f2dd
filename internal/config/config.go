// Package config centralizes process configuration for cdrload. Every
// tunable is a command-line flag whose default is seeded from an environment
// variable, so a container can be configured through its environment alone
// and `-help` still lists every knob.
//
// Typical usage:
//
//	cfg, err := config.Load() // reads os.Args and os.Environ
//
// For tests, prefer LoadFromArgs to keep them hermetic:
//
//	fs := flag.NewFlagSet("test", flag.ContinueOnError)
//	getenv := func(k string) string { return testEnv[k] }
//	cfg, err := config.LoadFromArgs(fs, getenv, []string{"-workers=4"})
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Skipper-116/cdr-automated/internal/parser/sqldump"
	"github.com/Skipper-116/cdr-automated/internal/properties"
	"github.com/Skipper-116/cdr-automated/internal/storage"
)

// Defaults shared by flags, validation and tests.
const (
	DefaultFilePrefix      = "openmrs_"
	DefaultFileSuffix      = ".sql.gz"
	DefaultSiteID          = "site_id_value"
	DefaultDriver          = "mysql"
	DefaultWorkers         = 64
	DefaultSettle          = 2 * time.Second
	DefaultMetricsBackend  = "none"
	DefaultPushgatewayURL  = "http://localhost:9091"
	DefaultDatadogAddr     = "127.0.0.1:8125"
	DefaultJob             = "cdrload"
	DefaultQuarantineChild = "failed"
	DefaultDoneChild       = "loaded"
)

// Config holds all process configuration derived from flags and
// environment variables. All fields are plain values so the struct can be
// copied and shared across goroutines after construction.
type Config struct {
	// Discovery.
	WatchDir      string
	QuarantineDir string
	DoneDir       string
	FilePrefix    string
	FileSuffix    string
	Settle        time.Duration

	// Tenant scoping.
	TransactionalTables string // comma separated
	SiteID              string
	SiteIDPattern       string // regexp with one capture group, applied to the file name

	// Destination. DSN wins over the discrete parts.
	DBDriver   string
	DSN        string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// ExpectedProperties is a YAML file of name: value pairs; empty uses the
	// compiled-in set.
	ExpectedProperties string

	// Throughput.
	Workers         int
	CheckpointBatch int
	ParseWorkers    int
	SegmentBytes    int
	Charset         string

	// Metrics.
	MetricsBackend string
	PushgatewayURL string
	DatadogAddr    string
	Job            string

	Verbose bool
}

// LoadFromArgs builds a Config by defining flags on fs, wiring each flag
// to an environment-variable fallback via getenv, and then parsing args.
//
// Precedence:
//  1. Environment values seed each flag's default.
//  2. Explicit CLI flags (in args) override the seeded defaults.
//
// Derived defaults (the quarantine and done directories under the watch
// directory) are filled after parsing.
func LoadFromArgs(fs *flag.FlagSet, getenv func(string) string, args []string) (*Config, error) {
	cfg := &Config{}

	envOrDefaultFn := func(k, d string) string {
		if v := getenv(k); v != "" {
			return v
		}
		return d
	}
	intEnvOrDefaultFn := func(k string, d int) int {
		if v := getenv(k); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				return i
			}
		}
		return d
	}
	boolEnvOrDefaultFn := func(k string, d bool) bool {
		if v := strings.ToLower(getenv(k)); v != "" {
			switch v {
			case "1", "true", "yes", "on":
				return true
			case "0", "false", "no", "off":
				return false
			}
		}
		return d
	}
	durationEnvOrDefaultFn := func(k string, d time.Duration) time.Duration {
		if v := getenv(k); v != "" {
			if dur, err := time.ParseDuration(v); err == nil {
				return dur
			}
		}
		return d
	}

	// Discovery
	fs.StringVar(&cfg.WatchDir, "watch_dir", getenv("WATCH_FOLDER"), "Directory watched for dump files")
	fs.StringVar(&cfg.QuarantineDir, "quarantine_dir", getenv("FAILED_FOLDER"), "Destination for rejected dumps (default <watch_dir>/failed)")
	fs.StringVar(&cfg.DoneDir, "done_dir", getenv("DONE_FOLDER"), "Destination for committed dumps (default <watch_dir>/loaded)")
	fs.StringVar(&cfg.FilePrefix, "file_prefix", envOrDefaultFn("DUMP_PREFIX", DefaultFilePrefix), "Dump file name prefix")
	fs.StringVar(&cfg.FileSuffix, "file_suffix", envOrDefaultFn("DUMP_SUFFIX", DefaultFileSuffix), "Dump file name suffix")
	fs.DurationVar(&cfg.Settle, "settle", durationEnvOrDefaultFn("WATCH_SETTLE", DefaultSettle), "Time a file size must stay unchanged before it is processed")

	// Tenant scoping
	fs.StringVar(&cfg.TransactionalTables, "transactional_tables", getenv("TRANSACTIONAL_TABLES"), "Comma separated tenant-scoped tables")
	fs.StringVar(&cfg.SiteID, "site_id", envOrDefaultFn("SITE_ID", DefaultSiteID), "Site identifier prepended to tenant-scoped rows")
	fs.StringVar(&cfg.SiteIDPattern, "site_id_pattern", getenv("SITE_ID_PATTERN"), "Regexp with one capture group taking the site id from the file name")

	// DB connectivity
	fs.StringVar(&cfg.DBDriver, "db_driver", envOrDefaultFn("DB_DRIVER", DefaultDriver), "Destination driver: mysql, postgres, sqlite or mssql")
	fs.StringVar(&cfg.DSN, "dsn", getenv("DB_DSN"), "Full DSN; built from the db_* parts when empty")
	fs.StringVar(&cfg.DBHost, "db_host", envOrDefaultFn("DB_HOST", "localhost"), "DB host")
	fs.IntVar(&cfg.DBPort, "db_port", intEnvOrDefaultFn("DB_PORT", 0), "DB port (0 uses the driver default)")
	fs.StringVar(&cfg.DBUser, "db_user", envOrDefaultFn("DB_USER", "root"), "DB user")
	fs.StringVar(&cfg.DBPassword, "db_password", getenv("DB_PASSWORD"), "DB password")
	fs.StringVar(&cfg.DBName, "db_name", envOrDefaultFn("DB_NAME", "cdr"), "DB name (sqlite: database file)")

	fs.StringVar(&cfg.ExpectedProperties, "expected_properties", getenv("EXPECTED_PROPERTIES"), "YAML file of expected global properties")

	// Throughput
	fs.IntVar(&cfg.Workers, "workers", intEnvOrDefaultFn("WORKERS", DefaultWorkers), "Number of files processed in parallel")
	fs.IntVar(&cfg.CheckpointBatch, "checkpoint_batch", intEnvOrDefaultFn("CHECKPOINT_BATCH", storage.DefaultCheckpointBatch), "Rows per checkpoint and checkpoints per flush")
	fs.IntVar(&cfg.ParseWorkers, "parse_workers", intEnvOrDefaultFn("PARSE_WORKERS", runtime.GOMAXPROCS(0)), "Parser fan-out per file; 1 parses sequentially")
	fs.IntVar(&cfg.SegmentBytes, "segment_bytes", intEnvOrDefaultFn("SEGMENT_BYTES", sqldump.DefaultSegmentBytes), "Minimum parser segment size")
	fs.StringVar(&cfg.Charset, "charset", envOrDefaultFn("DUMP_CHARSET", "utf-8"), "Dump charset: utf-8, latin1 or windows-1252")

	// Metrics
	fs.StringVar(&cfg.MetricsBackend, "metrics_backend", envOrDefaultFn("METRICS_BACKEND", DefaultMetricsBackend), "Metrics backend: none, pushgateway or datadog")
	fs.StringVar(&cfg.PushgatewayURL, "pushgateway_url", envOrDefaultFn("PUSHGATEWAY_URL", DefaultPushgatewayURL), "Prometheus Pushgateway URL")
	fs.StringVar(&cfg.DatadogAddr, "datadog_addr", envOrDefaultFn("DD_AGENT_ADDR", DefaultDatadogAddr), "DogStatsD address")
	fs.StringVar(&cfg.Job, "job", envOrDefaultFn("JOB_NAME", DefaultJob), "Metrics job label")

	fs.BoolVar(&cfg.Verbose, "v", boolEnvOrDefaultFn("VERBOSE", false), "Verbose logging")

	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.QuarantineDir == "" && cfg.WatchDir != "" {
		cfg.QuarantineDir = filepath.Join(cfg.WatchDir, DefaultQuarantineChild)
	}
	if cfg.DoneDir == "" && cfg.WatchDir != "" {
		cfg.DoneDir = filepath.Join(cfg.WatchDir, DefaultDoneChild)
	}
	return cfg, nil
}

// Load is the production entry point. It wires the loader to the process
// flag set, reads environment variables via os.Getenv and parses os.Args[1:].
func Load() (*Config, error) {
	return LoadFromArgs(flag.CommandLine, os.Getenv, os.Args[1:])
}

// Storage returns the destination settings for storage.New.
func (c *Config) Storage() storage.Config {
	return storage.Config{
		Kind:     c.DBDriver,
		DSN:      c.DSN,
		Host:     c.DBHost,
		Port:     c.DBPort,
		User:     c.DBUser,
		Password: c.DBPassword,
		Database: c.DBName,
	}
}

// ScopedTables parses TransactionalTables into a set. Blank entries are
// dropped and names are trimmed.
func (c *Config) ScopedTables() map[string]bool {
	out := map[string]bool{}
	for _, name := range strings.Split(c.TransactionalTables, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out[name] = true
		}
	}
	return out
}

// SitePattern compiles SiteIDPattern. It returns nil when no pattern is set.
func (c *Config) SitePattern() (*regexp.Regexp, error) {
	if c.SiteIDPattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(c.SiteIDPattern)
	if err != nil {
		return nil, err
	}
	if re.NumSubexp() != 1 {
		return nil, fmt.Errorf("site_id_pattern %q has %d capture groups, want 1", c.SiteIDPattern, re.NumSubexp())
	}
	return re, nil
}

// Expected returns the configured expected properties: the YAML file when
// set, the compiled-in set otherwise.
func (c *Config) Expected() (properties.PropertySet, error) {
	if c.ExpectedProperties == "" {
		return properties.DefaultExpected(), nil
	}
	return LoadExpected(c.ExpectedProperties)
}

// LoadExpected reads a YAML mapping of property name to expected value.
// Scalars of any YAML type are kept as their literal text.
func LoadExpected(path string) (properties.PropertySet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("expected properties: %w", err)
	}
	var m map[string]string
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("expected properties %s: %w", path, err)
	}
	set := make(properties.PropertySet, len(m))
	for k, v := range m {
		set[k] = v
	}
	return set, nil
}
