package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"

	"github.com/Ramsey-B/fern/pkg/apperror"
)

const uniqueViolation = pq.ErrorCode("23505")

// IsNoRows reports whether err is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// ConstraintName returns the violated constraint, if any.
func ConstraintName(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}

// IsTransient reports whether err may succeed when the statement is retried:
// serialization failures, deadlocks, connection loss and server shutdowns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "40", "08":
			return true
		}
		switch pqErr.Code {
		case "57P01", "57P02", "57P03", "53300":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Classify wraps a storage error into the service taxonomy. notFound is used for sql.ErrNoRows.
func Classify(err error, notFound string, msg string) error {
	switch {
	case err == nil:
		return nil
	case IsNoRows(err):
		return apperror.New(apperror.KindNotFound, "%s", notFound)
	case IsUniqueViolation(err):
		return apperror.Wrap(apperror.KindConflict, pkgerrors.Wrap(err, ConstraintName(err)), "%s", msg)
	case IsTransient(err):
		return apperror.Wrap(apperror.KindTransient, err, "%s", msg)
	default:
		return apperror.Wrap(apperror.KindInternal, pkgerrors.WithStack(err), "%s", msg)
	}
}
