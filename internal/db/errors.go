package db

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Common database errors
var (
	ErrNotFound = errors.New("record not found")
)

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, optionally limited to a specific constraint name. The sync
// engine leans on unique indexes for its insert-if-absent primitives
// (webhook dedup, lock acquisition, mapping links), so most insert paths
// check this.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
