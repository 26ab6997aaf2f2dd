// Package mssql provides the Microsoft SQL Server destination backend on
// go-mssqldb. It registers itself as "mssql".
//
// SQL Server has SAVE TRANSACTION but no statement releasing a savepoint, so
// checkpoints are taken and then simply dropped from the pending list.
package mssql

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"github.com/Skipper-116/cdr-automated/internal/storage"
	"github.com/Skipper-116/cdr-automated/internal/storage/sqldb"
)

// DefaultPort is used when the discrete connection parts carry no port.
const DefaultPort = 1433

// DSN returns cfg.DSN after validating it, or builds a sqlserver:// URL from
// the discrete parts.
func DSN(cfg storage.Config) (string, error) {
	dsn := cfg.DSN
	if dsn == "" {
		port := cfg.Port
		if port == 0 {
			port = DefaultPort
		}
		u := url.URL{
			Scheme: "sqlserver",
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		}
		if cfg.User != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		}
		if cfg.Database != "" {
			u.RawQuery = url.Values{"database": {cfg.Database}}.Encode()
		}
		dsn = u.String()
	}
	// Fail fast on obvious mistakes before the driver dials.
	if _, err := msdsn.Parse(dsn); err != nil {
		return "", fmt.Errorf("mssql dsn: %w", err)
	}
	return dsn, nil
}

// NewRepository opens one SQL Server connection.
func NewRepository(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	r, err := sqldb.Open(ctx, "sqlserver", dsn, storage.MSSQL)
	if err != nil {
		return nil, err
	}
	return &Repository{Repository: r}, nil
}

// Repository decorates sqldb.Repository so server errors keep their error
// number in the message.
type Repository struct {
	*sqldb.Repository
}

// Begin implements storage.Repository.
func (r *Repository) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.Repository.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &msTx{Tx: tx}, nil
}

type msTx struct {
	storage.Tx
}

func (t *msTx) Exec(ctx context.Context, q string, args ...any) error {
	return describe(t.Tx.Exec(ctx, q, args...))
}

func (t *msTx) Commit(ctx context.Context) error { return describe(t.Tx.Commit(ctx)) }

// describe prefixes a server error with its number and state.
func describe(err error) error {
	var se mssql.Error
	if !errors.As(err, &se) {
		return err
	}
	return fmt.Errorf("mssql error %d state %d: %w", se.Number, se.State, err)
}
