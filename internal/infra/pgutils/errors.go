package pgutils

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the repositories react to.
const (
	CodeNumericOutOfRange    = "22003"
	CodeUniqueViolation      = "23505"
	CodeCheckViolation       = "23514"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeDuplicateDatabase    = "42P04"
)

// Code returns the SQLSTATE carried by err, or "" if err is not a server error.
func Code(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	return ""
}

// IsUniqueViolation reports a unique or primary key conflict.
func IsUniqueViolation(err error) bool {
	return Code(err) == CodeUniqueViolation
}

// IsDuplicateDatabase reports a CREATE DATABASE name clash. Concurrent
// creates can also surface as a unique violation on pg_database.
func IsDuplicateDatabase(err error) bool {
	code := Code(err)
	return code == CodeDuplicateDatabase || code == CodeUniqueViolation
}

// IsTransient reports errors the server expects the client to retry.
func IsTransient(err error) bool {
	switch Code(err) {
	case CodeSerializationFailure, CodeDeadlockDetected:
		return true
	default:
		return false
	}
}
