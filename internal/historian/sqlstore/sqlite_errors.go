package sqlstore

import (
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/G-Research/historian/internal/historian/writer"
)

// classifySqlite maps an error returned by the sqlite driver to the write error taxonomy.
func classifySqlite(err error) *writer.WriteError {
	var writeErr *writer.WriteError
	if errors.As(err, &writeErr) {
		return writeErr
	}
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return writer.NewTransientError(err)
	}
	code := sqliteErr.Code()
	switch code & 0xff {
	case sqlite3.SQLITE_CONSTRAINT:
		// The data table is upserted, so key conflicts can only come from a concurrent ledger or topic insert.
		if code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return writer.NewTransientError(err)
		}
		return writer.NewMalformedError(err, nil)
	case sqlite3.SQLITE_TOOBIG, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_RANGE:
		return writer.NewMalformedError(err, nil)
	case sqlite3.SQLITE_ERROR, sqlite3.SQLITE_PERM, sqlite3.SQLITE_AUTH, sqlite3.SQLITE_READONLY,
		sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_FULL:
		return writer.NewFatalError(err)
	default:
		// SQLITE_BUSY, SQLITE_LOCKED, SQLITE_IOERR, SQLITE_INTERRUPT, SQLITE_NOMEM and friends.
		return writer.NewTransientError(err)
	}
}
