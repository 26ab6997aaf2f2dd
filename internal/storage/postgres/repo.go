// Package postgres implements the PostgreSQL destination backend on pgx v5.
// Every dump file gets its own *pgx.Conn; there is no pool to share. The
// backend registers itself as "postgres".
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Skipper-116/cdr-automated/internal/storage"
)

// DefaultPort is used when the discrete connection parts carry no port.
const DefaultPort = 5432

// pgConnLike is the subset of *pgx.Conn the backend uses. Tests inject a
// fake through it.
type pgConnLike interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

// DSN returns cfg.DSN after validating it, or builds a postgres:// URL from
// the discrete parts.
func DSN(cfg storage.Config) (string, error) {
	dsn := cfg.DSN
	if dsn == "" {
		port := cfg.Port
		if port == 0 {
			port = DefaultPort
		}
		u := url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
			Path:   "/" + cfg.Database,
		}
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else if cfg.User != "" {
			u.User = url.User(cfg.User)
		}
		dsn = u.String()
	}
	if _, err := pgx.ParseConfig(dsn); err != nil {
		return "", fmt.Errorf("postgres dsn: %w", err)
	}
	return dsn, nil
}

// Repository is one pgx connection.
type Repository struct {
	conn pgConnLike
}

// NewRepository connects to Postgres.
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	c, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Repository{conn: c}, nil
}

func newRepositoryFromConn(c pgConnLike) *Repository { return &Repository{conn: c} }

// Dialect implements storage.Repository.
func (r *Repository) Dialect() storage.Dialect { return storage.Postgres }

// Begin implements storage.Repository.
func (r *Repository) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return nil, &storage.ConnectionError{Kind: "postgres", Err: err}
	}
	return &pgTx{tx: tx}, nil
}

// Close implements storage.Repository.
func (r *Repository) Close() { _ = r.conn.Close(context.Background()) }

// pgTx wraps pgx.Tx.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Exec(ctx context.Context, q string, args ...any) error {
	_, err := t.tx.Exec(ctx, q, args...)
	return describe(err)
}

func (t *pgTx) Commit(ctx context.Context) error { return describe(t.tx.Commit(ctx)) }

// Rollback aborts the transaction; rolling back a closed one is not an error.
func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// describe adds the server's detail and hint to a *pgconn.PgError.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Detail != "" && pgErr.Hint != "":
		return fmt.Errorf("%w (detail: %s; hint: %s)", err, pgErr.Detail, pgErr.Hint)
	case pgErr.Detail != "":
		return fmt.Errorf("%w (detail: %s)", err, pgErr.Detail)
	case pgErr.Hint != "":
		return fmt.Errorf("%w (hint: %s)", err, pgErr.Hint)
	}
	return err
}

var _ storage.Repository = (*Repository)(nil)
