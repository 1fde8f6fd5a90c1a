package models

import (
	"errors"
	"fmt"
	"strings"
)

// Error categories surfaced by the integrity engine.
var (
	// ErrInvalidInput indicates a malformed request
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound indicates a record was not found
	ErrNotFound = errors.New("not found")
	// ErrNotMonitored indicates the path is not actively monitored
	ErrNotMonitored = errors.New("file not monitored")
	// ErrFileAccess indicates the file could not be read at digest time
	ErrFileAccess = errors.New("file access error")
	// ErrLedgerUnreachable indicates a transient ledger failure
	ErrLedgerUnreachable = errors.New("ledger unreachable")
	// ErrLedgerRejected indicates a permanent credential or contract failure
	ErrLedgerRejected = errors.New("ledger rejected")
	// ErrPersistence indicates a store write failure
	ErrPersistence = errors.New("persistence error")
	// ErrInvalidTransition indicates an illegal state machine edge
	ErrInvalidTransition = errors.New("invalid state transition")
)

// WrapError wraps an error with additional context information
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// FileAccessError reports an unreadable or missing file.
type FileAccessError struct {
	Path string
	Err  error
}

func (e *FileAccessError) Error() string {
	return fmt.Sprintf("cannot read %s: %v", e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error { return e.Err }

func (e *FileAccessError) Is(target error) bool { return target == ErrFileAccess }

// LedgerError reports a failed ledger call. Permanent errors are never retried.
type LedgerError struct {
	Op        string
	Path      string
	Permanent bool
	Err       error
}

// NewLedgerUnreachable wraps a transient ledger failure.
func NewLedgerUnreachable(op, path string, err error) *LedgerError {
	return &LedgerError{Op: op, Path: path, Err: err}
}

// NewLedgerRejected wraps a permanent ledger failure.
func NewLedgerRejected(op, path string, err error) *LedgerError {
	return &LedgerError{Op: op, Path: path, Permanent: true, Err: err}
}

func (e *LedgerError) Error() string {
	kind := "unreachable"
	if e.Permanent {
		kind = "rejected"
	}
	return fmt.Sprintf("ledger %s %s for %s: %v", e.Op, kind, e.Path, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

func (e *LedgerError) Is(target error) bool {
	if e.Permanent {
		return target == ErrLedgerRejected
	}
	return target == ErrLedgerUnreachable
}

// PersistenceError reports a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// NewPersistenceError wraps a store failure, keeping ErrNotFound intact.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// TransitionError reports a rejected state change.
type TransitionError struct {
	Path string
	From FileState
	To   FileState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", e.Path, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ErrorCollector collects errors from independent units of work, such as one sweep over many files.
type ErrorCollector struct {
	errors []error
}

// Add adds an error to the collector
func (ec *ErrorCollector) Add(err error) {
	if err != nil {
		ec.errors = append(ec.errors, err)
	}
}

// HasErrors returns true if any errors were collected
func (ec *ErrorCollector) HasErrors() bool {
	return len(ec.errors) > 0
}

// Len returns the number of collected errors.
func (ec *ErrorCollector) Len() int {
	return len(ec.errors)
}

// Error returns a combined error from all collected errors
func (ec *ErrorCollector) Error() error {
	switch len(ec.errors) {
	case 0:
		return nil
	case 1:
		return ec.errors[0]
	}
	messages := make([]string, 0, len(ec.errors))
	for _, err := range ec.errors {
		messages = append(messages, err.Error())
	}
	return fmt.Errorf("multiple errors occurred: [%s]", strings.Join(messages, "; "))
}
