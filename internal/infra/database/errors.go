package database

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Sentinel errors shared by the repositories.
var (
	ErrRecordNotFound  = fmt.Errorf("attendance record not found")
	ErrRunNotFound     = fmt.Errorf("transfer run not found")
	ErrStudentNotFound = fmt.Errorf("student not found")
	ErrMappingNotFound = fmt.Errorf("pin mapping not found")
	ErrMappingConflict = fmt.Errorf("pin mapping conflicts with an existing active mapping")
	ErrAttemptNotFound = fmt.Errorf("notification attempt not found")
	ErrDuplicateSend   = fmt.Errorf("a sent attempt already holds this idempotency key")
	ErrNoSession       = fmt.Errorf("no stored channel session")
)

// isUniqueViolation reports whether err is a postgres unique-constraint
// violation (SQLSTATE 23505) on the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && pqErr.Constraint == constraint
}
