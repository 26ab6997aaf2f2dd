package config

// This file adds a lightweight linter for Config values. It performs static
// checks and returns a list of issues (errors and warnings) that the CLI
// prints before any worker starts.

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Skipper-116/cdr-automated/internal/parser/sqldump"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding.
//
// Path is the flag name (e.g. "watch_dir"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// ConfigurationError carries the error-severity issues that stop start-up.
type ConfigurationError struct {
	Issues []Issue
}

func (e *ConfigurationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, iss := range e.Issues {
		msgs = append(msgs, iss.Error())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

var knownDrivers = map[string]struct{}{
	"mysql":    {},
	"postgres": {},
	"sqlite":   {},
	"mssql":    {},
}

var knownMetricsBackends = map[string]struct{}{
	"none":        {},
	"pushgateway": {},
	"datadog":     {},
}

// ValidateConfig performs static validation of cfg. It touches the
// filesystem only to check the watch directory and the expected-properties
// file. It does not mutate cfg.
func ValidateConfig(cfg *Config) []Issue {
	var issues []Issue
	issues = append(issues, validateDiscovery(cfg)...)
	issues = append(issues, validateScoping(cfg)...)
	issues = append(issues, validateDestination(cfg)...)
	issues = append(issues, validateThroughput(cfg)...)
	issues = append(issues, validateMetrics(cfg)...)
	issues = append(issues, validateExpected(cfg)...)
	return issues
}

// Check runs ValidateConfig and returns a *ConfigurationError holding the
// error-severity issues, or nil. Warnings are returned separately.
func Check(cfg *Config) (warnings []Issue, err error) {
	var errs []Issue
	for _, iss := range ValidateConfig(cfg) {
		if iss.Severity == SeverityError {
			errs = append(errs, iss)
		} else {
			warnings = append(warnings, iss)
		}
	}
	if len(errs) > 0 {
		return warnings, &ConfigurationError{Issues: errs}
	}
	return warnings, nil
}

func validateDiscovery(cfg *Config) []Issue {
	var issues []Issue

	if strings.TrimSpace(cfg.WatchDir) == "" {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "watch_dir",
			Message:  "watch_dir must not be empty (flag -watch_dir or WATCH_FOLDER)",
		})
	}
	if fi, err := os.Stat(cfg.WatchDir); err != nil {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "watch_dir",
			Message:  fmt.Sprintf("watch_dir is not accessible: %v", err),
		})
	} else if !fi.IsDir() {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "watch_dir",
			Message:  fmt.Sprintf("watch_dir %s is not a directory", cfg.WatchDir),
		})
	}
	if cfg.QuarantineDir != "" && filepath.Clean(cfg.QuarantineDir) == filepath.Clean(cfg.WatchDir) {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "quarantine_dir",
			Message:  "quarantine_dir must differ from watch_dir; rejected files would be picked up again",
		})
	}
	switch done := filepath.Clean(cfg.DoneDir); {
	case cfg.DoneDir == "":
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "done_dir",
			Message:  "done_dir must not be empty; committed files would be loaded again after a restart",
		})
	case done == filepath.Clean(cfg.WatchDir):
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "done_dir",
			Message:  "done_dir must differ from watch_dir; committed files would be loaded again after a restart",
		})
	case cfg.QuarantineDir != "" && done == filepath.Clean(cfg.QuarantineDir):
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "done_dir",
			Message:  "done_dir must differ from quarantine_dir",
		})
	}
	if cfg.FilePrefix == "" && cfg.FileSuffix == "" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "file_suffix",
			Message:  "no file prefix or suffix configured; every file in watch_dir is treated as a dump",
		})
	}
	if cfg.Settle < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "settle",
			Message:  "settle must not be negative",
		})
	}
	return issues
}

func validateScoping(cfg *Config) []Issue {
	var issues []Issue

	if len(cfg.ScopedTables()) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "transactional_tables",
			Message:  "no tenant-scoped tables configured; rows from different sites may collide",
		})
	}
	if strings.TrimSpace(cfg.SiteID) == "" && cfg.SiteIDPattern == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "site_id",
			Message:  "site_id must not be empty unless site_id_pattern is set",
		})
	}
	if _, err := cfg.SitePattern(); err != nil {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "site_id_pattern",
			Message:  err.Error(),
		})
	}
	return issues
}

func validateDestination(cfg *Config) []Issue {
	var issues []Issue

	if _, ok := knownDrivers[cfg.DBDriver]; !ok {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "db_driver",
			Message:  fmt.Sprintf("unknown db_driver %q; want mysql, postgres, sqlite or mssql", cfg.DBDriver),
		})
	}
	if cfg.DSN == "" {
		switch cfg.DBDriver {
		case "sqlite":
			if cfg.DBName == "" {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Path:     "dsn",
					Message:  "sqlite needs a dsn or db_name naming the database file",
				})
			}
		default:
			if cfg.DBHost == "" {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Path:     "db_host",
					Message:  "db_host must not be empty when dsn is not set",
				})
			}
		}
	}
	if cfg.DBPort < 0 || cfg.DBPort > 65535 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "db_port",
			Message:  fmt.Sprintf("db_port=%d is out of range", cfg.DBPort),
		})
	}
	return issues
}

func validateThroughput(cfg *Config) []Issue {
	var issues []Issue

	if cfg.Workers <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "workers",
			Message:  fmt.Sprintf("workers=%d; must be positive", cfg.Workers),
		})
	}
	if cfg.CheckpointBatch <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "checkpoint_batch",
			Message:  fmt.Sprintf("checkpoint_batch=%d; must be positive", cfg.CheckpointBatch),
		})
	}
	if cfg.ParseWorkers < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "parse_workers",
			Message:  "parse_workers must not be negative",
		})
	}
	if cfg.SegmentBytes <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "segment_bytes",
			Message:  fmt.Sprintf("segment_bytes=%d; must be positive", cfg.SegmentBytes),
		})
	}
	if !sqldump.LookupCharset(cfg.Charset) {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "charset",
			Message:  fmt.Sprintf("unsupported charset %q", cfg.Charset),
		})
	}
	return issues
}

func validateMetrics(cfg *Config) []Issue {
	var issues []Issue

	if _, ok := knownMetricsBackends[cfg.MetricsBackend]; !ok {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "metrics_backend",
			Message:  fmt.Sprintf("unknown metrics_backend %q; want none, pushgateway or datadog", cfg.MetricsBackend),
		})
	}
	switch cfg.MetricsBackend {
	case "pushgateway":
		if cfg.PushgatewayURL == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "pushgateway_url",
				Message:  "pushgateway backend requires pushgateway_url",
			})
		}
	case "datadog":
		if cfg.DatadogAddr == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "datadog_addr",
				Message:  "datadog backend requires datadog_addr",
			})
		}
	}
	if cfg.MetricsBackend != "none" && strings.TrimSpace(cfg.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "job",
			Message:  "job is empty; metrics will carry the backend default job label",
		})
	}
	return issues
}

func validateExpected(cfg *Config) []Issue {
	set, err := cfg.Expected()
	if err != nil {
		return []Issue{{
			Severity: SeverityError,
			Path:     "expected_properties",
			Message:  err.Error(),
		}}
	}
	if len(set) == 0 {
		return []Issue{{
			Severity: SeverityError,
			Path:     "expected_properties",
			Message:  "expected property set is empty",
		}}
	}
	return nil
}
