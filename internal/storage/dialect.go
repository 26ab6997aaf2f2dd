package storage

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between backends that matter to the
// loader.
type Dialect struct {
	Name string

	// QuoteIdent quotes one identifier part.
	QuoteIdent func(id string) string
	// Placeholder returns the bind marker for the 1-based parameter n.
	Placeholder func(n int) string
	// Savepoint returns the statement that marks a savepoint.
	Savepoint func(name string) string
	// Release returns the statement that releases a savepoint and every
	// savepoint taken after it. Empty means the backend has no release
	// statement and pending savepoints are simply forgotten.
	Release func(name string) string
}

func backtickIdent(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }
func doubleQuoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
func bracketIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

func questionMark(int) string { return "?" }

func savepointSQL(name string) string { return "SAVEPOINT " + name }
func releaseSQL(name string) string   { return "RELEASE SAVEPOINT " + name }

// Built-in dialects.
var (
	MySQL = Dialect{
		Name:        "mysql",
		QuoteIdent:  backtickIdent,
		Placeholder: questionMark,
		Savepoint:   savepointSQL,
		Release:     releaseSQL,
	}
	Postgres = Dialect{
		Name:        "postgres",
		QuoteIdent:  doubleQuoteIdent,
		Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		Savepoint:   savepointSQL,
		Release:     releaseSQL,
	}
	SQLite = Dialect{
		Name:        "sqlite",
		QuoteIdent:  doubleQuoteIdent,
		Placeholder: questionMark,
		Savepoint:   savepointSQL,
		Release:     releaseSQL,
	}
	// SQL Server has SAVE TRANSACTION but nothing to release one with.
	MSSQL = Dialect{
		Name:        "mssql",
		QuoteIdent:  bracketIdent,
		Placeholder: func(n int) string { return "@p" + strconv.Itoa(n) },
		Savepoint:   func(name string) string { return "SAVE TRANSACTION " + name },
	}
)

// QuoteTable quotes a possibly schema-qualified name like "dbo.obs".
func (d Dialect) QuoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// InsertSQL builds a positional INSERT for table with n values. Values are
// always bound, never interpolated.
func (d Dialect) InsertSQL(table string, n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.QuoteTable(table))
	b.WriteString(" VALUES (")
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(i))
	}
	b.WriteString(")")
	return b.String()
}

// CanRelease reports whether the dialect has a release statement.
func (d Dialect) CanRelease() bool { return d.Release != nil }
