package sqlstore

import (
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"

	"github.com/G-Research/historian/internal/common/historianerrors"
	"github.com/G-Research/historian/internal/historian/writer"
)

// classifyPostgres maps an error returned by pgx to the write error taxonomy.
func classifyPostgres(err error) *writer.WriteError {
	var writeErr *writer.WriteError
	if errors.As(err, &writeErr) {
		return writeErr
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPgError(pgErr.Code, err)
	}
	if historianerrors.IsNetworkError(err) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return writer.NewTransientError(errors.WithMessage(err, "postgres unreachable"))
	}
	return writer.NewTransientError(err)
}

func classifyPgError(code string, err error) *writer.WriteError {
	switch {
	// The ledger and topic index only conflict when another writer raced us; the retry sees its result.
	case code == pgerrcode.UniqueViolation:
		return writer.NewTransientError(err)
	case pgerrcode.IsDataException(code),
		pgerrcode.IsIntegrityConstraintViolation(code),
		pgerrcode.IsCardinalityViolation(code),
		code == pgerrcode.ProgramLimitExceeded:
		return writer.NewMalformedError(err, nil)
	case pgerrcode.IsInvalidAuthorizationSpecification(code),
		pgerrcode.IsSyntaxErrororAccessRuleViolation(code),
		pgerrcode.IsInvalidCatalogName(code),
		pgerrcode.IsInvalidSchemaName(code),
		pgerrcode.IsFeatureNotSupported(code),
		pgerrcode.IsConfigurationFileError(code),
		code == pgerrcode.DiskFull:
		return writer.NewFatalError(err)
	default:
		// Connection exceptions, serialization failures, deadlocks, lock timeouts, shutdowns and resource
		// exhaustion all resolve themselves.
		return writer.NewTransientError(err)
	}
}

// rejectionReason describes why postgres refused a row.
func rejectionReason(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Sprintf("%s (SQLSTATE %s)", pgErr.Message, pgErr.Code)
	}
	return err.Error()
}
