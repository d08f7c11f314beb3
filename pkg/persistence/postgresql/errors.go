package postgresql

import (
	"errors"

	"github.com/lib/pq"
)

const uniqueViolationCode = "23505"

// uniqueViolation reports whether err is a PostgreSQL unique constraint violation,
// optionally scoped to a named constraint.
func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolationCode {
		return false
	}

	return constraint == "" || pqErr.Constraint == constraint
}
