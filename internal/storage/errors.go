package storage

import "fmt"

// ConnectionError means the destination store could not be reached or a
// transaction could not be started. Nothing was written.
type ConnectionError struct {
	Kind string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("storage: connect %s: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// WriteError is a failed statement inside a file's transaction. The
// transaction has been rolled back when a loader returns it.
type WriteError struct {
	Table string
	// Row is the 1-based row number within Table; 0 when the failure is not
	// tied to a row (commit).
	Row int
	// Op is one of "insert", "savepoint", "release", "commit".
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("storage: %s table=%s row=%d: %v", e.Op, e.Table, e.Row, e.Err)
	}
	if e.Table != "" {
		return fmt.Sprintf("storage: %s table=%s: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
