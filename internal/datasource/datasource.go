package datasource

import (
	"context"
	"io"
)

// Source opens one dump for reading.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}
