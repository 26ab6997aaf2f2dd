// Package storage defines the destination-store contract used by the dump
// loader, a registry of backends, and the transactional loader itself.
//
// Backends (mysql, postgres, sqlite, mssql) register a Factory at init time;
// importing storage/all enables every built-in backend. Callers open a
// Repository per dump file through New and never share it across files.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config selects and parameterizes a backend.
type Config struct {
	// Kind is the registered backend name, e.g. "mysql".
	Kind string
	// DSN is passed to the backend driver unchanged. When empty, backends
	// build one from the discrete parts below.
	DSN string

	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// Repository is one connection to the destination store. It is owned by a
// single worker for the duration of one file.
type Repository interface {
	// Begin opens the transaction that carries a whole dump file.
	Begin(ctx context.Context) (Tx, error)
	// Dialect describes identifier quoting, placeholders and savepoint syntax.
	Dialect() Dialect
	// Close releases the connection.
	Close()
}

// Tx is an open transaction.
type Tx interface {
	Exec(ctx context.Context, query string, args ...any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Factory opens a Repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs (or replaces) the factory for kind.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// ListKinds returns the registered backend names, sorted. The slice is a
// copy.
func ListKinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Supported reports whether kind has a registered factory.
func Supported(kind string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[kind]
	return ok
}

// New opens a Repository through the factory registered for cfg.Kind.
// Factory failures are reported as *ConnectionError.
func New(ctx context.Context, cfg Config) (Repository, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	repo, err := f(ctx, cfg)
	if err != nil {
		return nil, &ConnectionError{Kind: cfg.Kind, Err: err}
	}
	return repo, nil
}
