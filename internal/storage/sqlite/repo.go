// Package sqlite implements the SQLite destination backend on
// modernc.org/sqlite (pure Go, no cgo). It registers itself as "sqlite".
// Each dump file gets its own connection; concurrent writers to one database
// file wait on SQLite's busy timeout rather than failing immediately.
package sqlite

import (
	"context"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/Skipper-116/cdr-automated/internal/storage"
	"github.com/Skipper-116/cdr-automated/internal/storage/sqldb"
)

// BusyTimeoutMillis is how long a writer waits for the database lock.
const BusyTimeoutMillis = 30000

// DSN returns cfg.DSN, or cfg.Database as a file path when DSN is empty.
//
//	"file:cdr.db?cache=shared"
//	"cdr.db"
func DSN(cfg storage.Config) (string, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		dsn = strings.TrimSpace(cfg.Database)
	}
	if dsn == "" {
		return "", fmt.Errorf("sqlite: DSN must not be empty")
	}
	return dsn, nil
}

// NewRepository opens one SQLite connection with foreign keys enforced.
func NewRepository(ctx context.Context, cfg storage.Config) (*sqldb.Repository, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	r, err := sqldb.Open(ctx, "sqlite", dsn, storage.SQLite)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", BusyTimeoutMillis),
	} {
		if _, err := r.DB().ExecContext(ctx, pragma); err != nil {
			r.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return r, nil
}
