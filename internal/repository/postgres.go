package repository

import (
	"errors"

	"github.com/lib/pq"
)

// Postgres error codes the repositories translate into domain errors.
const (
	pqUniqueViolation      = "23505"
	pqCheckViolation       = "23514"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

func pqCode(err error) (string, string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint
	}
	return "", ""
}

func isUniqueViolation(err error) bool {
	code, _ := pqCode(err)
	return code == pqUniqueViolation
}

// isRetryableConflict reports serialization failures that a CAS caller should retry.
func isRetryableConflict(err error) bool {
	code, _ := pqCode(err)
	return code == pqSerializationFailure || code == pqDeadlockDetected
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
