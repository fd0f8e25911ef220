package db

import (
	"errors"
	"fmt"
)

// ErrorCode classifies store failures so callers can branch without string
// matching.
type ErrorCode int

const (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound ErrorCode = iota

	// ErrConflict means a transaction lost an optimistic-concurrency race
	// and was not retried to completion.
	ErrConflict

	// ErrCorrupt means a stored value failed to decode (bad compression
	// header, truncated record).
	ErrCorrupt

	// ErrClosed means the store has been shut down.
	ErrClosed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "not found"
	case ErrConflict:
		return "conflict"
	case ErrCorrupt:
		return "corrupt"
	case ErrClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StoreError is the typed error returned by store operations.
type StoreError struct {
	Code    ErrorCode
	Table   Table
	Message string
}

func (e *StoreError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Table, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Table, e.Code, e.Message)
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == ErrNotFound
}

// IsConflict reports whether err is a lost-transaction-race error.
func IsConflict(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == ErrConflict
}

func notFound(t Table) *StoreError {
	return &StoreError{Code: ErrNotFound, Table: t}
}
