package repositories

import (
	"context"
	"errors"
	"fmt"
)

// StoreError implements RepositoryError for the memory and MySQL backends.
type StoreError struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.NotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.Conflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Unavailable }

var (
	errNotFound = errors.New("not found")
	errConflict = errors.New("conflict")
)

// NotFound builds a not-found StoreError.
func NotFound(op string, format string, args ...any) error {
	return &StoreError{Op: op, Err: fmt.Errorf("%w: %s", errNotFound, fmt.Sprintf(format, args...)), NotFound: true}
}

// Conflict builds a conflict StoreError; conditional updates that match no row report it.
func Conflict(op string, format string, args ...any) error {
	return &StoreError{Op: op, Err: fmt.Errorf("%w: %s", errConflict, fmt.Sprintf(format, args...)), Conflict: true}
}

// Unavailable wraps a transient backend failure. Context errors pass through unchanged.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StoreError{Op: op, Err: err, Unavailable: true}
}

// IsNotFound reports whether err is a RepositoryError describing a missing row.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a RepositoryError describing a lost conditional update.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
