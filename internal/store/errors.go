package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors for common store conditions. Kept close to the
// teacher's convention of a small set of classifiable sentinels wrapped
// with operation context, rather than one error type per call site.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicate        = errors.New("duplicate")
	ErrInvalidParent    = errors.New("invalid parent")
	ErrInvalidID        = errors.New("invalid id")
	ErrAlreadyRemoved   = errors.New("already removed")
	ErrSchemaMigration  = errors.New("schema migration failed")
	ErrMergeIO          = errors.New("merge io error")
	ErrInvariantViolation = errors.New("invariant violation")
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to ErrNotFound for consistent classification with
// errors.Is.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func wrapDBErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return wrapDBError(fmt.Sprintf(format, args...), err)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsDuplicate reports whether err is or wraps ErrDuplicate.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicate) }

// IsInvariantViolation reports whether err is or wraps ErrInvariantViolation.
func IsInvariantViolation(err error) bool { return errors.Is(err, ErrInvariantViolation) }
