package storage

import (
	"fmt"
	"regexp"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Dialect abstracts the small set of SQL differences the Storage Adapter
// needs to stay portable: identifier quoting, placeholder syntax, and the
// JSON-path lookup expression used by findByExternalId (§4.1).
type Dialect interface {
	// Name identifies the dialect for logging/diagnostics.
	Name() string
	// QuoteIdent quotes a validated identifier per the driver's convention.
	// Panics if ident fails the [A-Za-z_][A-Za-z0-9_]* check — callers
	// only ever pass compile-time-constant column/table names.
	QuoteIdent(ident string) string
	// Placeholder returns the positional parameter marker for the n-th
	// (1-indexed) bound argument in a statement.
	Placeholder(n int) string
	// JSONExtract returns an expression extracting the value at path from
	// the JSON stored in column (e.g. "$.imdb").
	JSONExtract(column, path string) string
}

func quoteValidated(ident string) {
	if !identRe.MatchString(ident) {
		panic(fmt.Sprintf("storage: invalid identifier %q", ident))
	}
}

// SQLiteDialect is the default dialect, backing both registered drivers
// (modernc.org/sqlite and mattn/go-sqlite3).
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) QuoteIdent(ident string) string {
	quoteValidated(ident)
	return `"` + ident + `"`
}

func (SQLiteDialect) Placeholder(int) string { return "?" }

func (SQLiteDialect) JSONExtract(column, path string) string {
	return fmt.Sprintf("JSON_EXTRACT(%s, '%s')", column, path)
}

// MySQLDialect satisfies the spec's identifier-quoting contract for MySQL
// backends. No MySQL driver is registered and nothing in this module
// constructs it; only SQLite backs a live connection.
type MySQLDialect struct{}

func (MySQLDialect) Name() string { return "mysql" }

func (MySQLDialect) QuoteIdent(ident string) string {
	quoteValidated(ident)
	return "`" + ident + "`"
}

func (MySQLDialect) Placeholder(int) string { return "?" }

func (MySQLDialect) JSONExtract(column, path string) string {
	jsonPath := "$" + path[1:]
	return fmt.Sprintf("JSON_EXTRACT(%s, '%s')", column, jsonPath)
}

// MSSQLDialect satisfies the spec's identifier-quoting contract for
// MSSQL-family backends. See MySQLDialect's doc comment: not wired to a
// live driver and not constructed anywhere in this module.
type MSSQLDialect struct{}

func (MSSQLDialect) Name() string { return "mssql" }

func (MSSQLDialect) QuoteIdent(ident string) string {
	quoteValidated(ident)
	return "[" + ident + "]"
}

func (MSSQLDialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (MSSQLDialect) JSONExtract(column, path string) string {
	return fmt.Sprintf("JSON_VALUE(%s, '%s')", column, path)
}
