// Package sqldb implements storage.Repository on top of database/sql. The
// mysql, sqlite and mssql backends share it and differ only in driver name,
// DSN handling and dialect.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Skipper-116/cdr-automated/internal/storage"
)

// PingTimeout bounds the connectivity check in Open.
const PingTimeout = 10 * time.Second

// Repository is a single-connection database/sql handle.
type Repository struct {
	db      *sql.DB
	dialect storage.Dialect
}

// Open opens driver/dsn, limits the pool to one connection (one file, one
// connection) and pings it.
func Open(ctx context.Context, driver, dsn string, d storage.Dialect) (*Repository, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", d.Name, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping: %w", d.Name, err)
	}
	return &Repository{db: db, dialect: d}, nil
}

// New wraps an already open *sql.DB.
func New(db *sql.DB, d storage.Dialect) *Repository {
	return &Repository{db: db, dialect: d}
}

// DB exposes the handle for setup statements outside a dump transaction.
func (r *Repository) DB() *sql.DB { return r.db }

// Dialect implements storage.Repository.
func (r *Repository) Dialect() storage.Dialect { return r.dialect }

// Begin implements storage.Repository.
func (r *Repository) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &storage.ConnectionError{Kind: r.dialect.Name, Err: err}
	}
	return &Tx{tx: tx}, nil
}

// Close implements storage.Repository.
func (r *Repository) Close() { _ = r.db.Close() }

// Tx adapts *sql.Tx to storage.Tx.
type Tx struct {
	tx *sql.Tx
}

// Exec runs one statement and discards its result.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

// Commit commits the transaction.
func (t *Tx) Commit(context.Context) error { return t.tx.Commit() }

// Rollback aborts the transaction. Rolling back a finished transaction is
// not an error.
func (t *Tx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

var _ storage.Repository = (*Repository)(nil)
