package httpkit

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATE codes the repositories branch on.
const (
	pgUndefinedTable      = "42P01"
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUndefinedTable reports a query against a table the schema lacks.
func IsUndefinedTable(err error) bool { return pgCode(err) == pgUndefinedTable }

func IsUniqueViolation(err error) bool { return pgCode(err) == pgUniqueViolation }

// IsForeignKeyViolation reports a row pointing at a missing parent, e.g. a
// job for a scene that was never stored.
func IsForeignKeyViolation(err error) bool { return pgCode(err) == pgForeignKeyViolation }
