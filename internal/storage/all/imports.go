// Package all wires every built-in destination backend into the storage
// factory. Import it for its side effects:
//
//	import _ "github.com/Skipper-116/cdr-automated/internal/storage/all"
//
// after which storage.New accepts "mysql", "postgres", "sqlite" and "mssql".
// A binary that needs fewer backends imports the individual packages instead.
package all

import (
	_ "github.com/Skipper-116/cdr-automated/internal/storage/mssql"
	_ "github.com/Skipper-116/cdr-automated/internal/storage/mysql"
	_ "github.com/Skipper-116/cdr-automated/internal/storage/postgres"
	_ "github.com/Skipper-116/cdr-automated/internal/storage/sqlite"
)
