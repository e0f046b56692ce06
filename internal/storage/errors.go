package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// PostgreSQL SQLSTATE codes the stores classify on. Anything in class 08 is
// a connection fault; class 23 is an integrity violation; 40001/40P01 are
// retryable concurrency aborts.
const (
	pqCodeUniqueViolation = "23505"
	pqCodeCheckViolation  = "23514"
	pqCodeSerialization   = "40001"
	pqCodeDeadlock        = "40P01"

	pqClassConnection = "08"
	pqClassIntegrity  = "23"
)

// isConnectionError reports whether err indicates the database itself was
// unreachable or the connection died mid-flight. These are transient: the
// same statement can succeed after a reconnect.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), pqClassConnection)
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// isRetryableConflict reports whether err is a serialization failure or
// deadlock abort. PostgreSQL asks the client to retry these.
func isRetryableConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	return pqErr.Code == pqCodeSerialization || pqErr.Code == pqCodeDeadlock
}

// isUniqueViolation reports whether err is a unique constraint violation,
// optionally narrowed to one named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	if string(pqErr.Code) != pqCodeUniqueViolation {
		return false
	}

	return constraint == "" || pqErr.Constraint == constraint
}

// isIntegrityViolation reports whether err is any class 23 constraint
// violation. These are permanent: replaying the same statement can only fail
// the same way.
func isIntegrityViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	return strings.HasPrefix(string(pqErr.Code), pqClassIntegrity)
}

// isPartitionMissing reports whether err means a row's timestamp fell
// outside every attached partition. PostgreSQL raises this as a check
// violation with a distinctive message.
func isPartitionMissing(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	return string(pqErr.Code) == pqCodeCheckViolation &&
		strings.Contains(pqErr.Message, "no partition of relation")
}

// isTransient reports whether the statement is worth retrying: connection
// faults and concurrency aborts, never integrity violations.
func isTransient(err error) bool {
	return isConnectionError(err) || isRetryableConflict(err)
}
