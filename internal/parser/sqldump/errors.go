package sqldump

import "fmt"

// ParseError reports a dump that cannot be framed into tables and rows.
// Line is the 1-based physical line (after decompression) where the problem
// was detected, or where the offending row started.
type ParseError struct {
	Line int
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sqldump: line %d: %s: %v", e.Line, e.Msg, e.Err)
	}
	return fmt.Sprintf("sqldump: line %d: %s", e.Line, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }
