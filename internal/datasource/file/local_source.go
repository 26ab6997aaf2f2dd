// Package file implements a local filesystem-backed dump source.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Local opens one dump file from the local disk.
type Local struct{ path string }

// NewLocal returns a Local source bound to path.
func NewLocal(path string) *Local { return &Local{path: path} }

// Open opens the configured path for reading.
//
// Behavior:
//   - If the context is already canceled, Open returns the context error
//     without touching the filesystem.
//   - The file is opened read-only and the kernel is told it will be read
//     sequentially (linux only; a no-op elsewhere). The hint is best effort.
//   - Filesystem errors are wrapped with the path and keep errors.Is working
//     (e.g. errors.Is(err, os.ErrNotExist)).
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	adviseSequential(f)
	return f, nil
}
