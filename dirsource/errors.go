package dirsource

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	// ErrSourceUnavailable is matched by every SourceFailure.
	ErrSourceUnavailable = errors.New("directory source unavailable")

	// ErrAllSourcesExhausted is returned when no source produced a usable
	// directory.
	ErrAllSourcesExhausted = errors.New("all directory sources exhausted")

	// ErrAuthenticationFailed is returned by the control channel source
	// when the control port credentials are unreadable or rejected.
	ErrAuthenticationFailed = errors.New("control port authentication " +
		"failed")

	// ErrNoUsableRecords is returned when a source answered but none of
	// its records passed the filter policy.
	ErrNoUsableRecords = errors.New("no usable records")

	// ErrNoCachedDocument is returned when none of the candidate cache
	// paths holds a usable document.
	ErrNoCachedDocument = errors.New("no cached consensus document")

	// ErrStaleDocument is returned when a cached document expired longer
	// ago than the configured maximum age.
	ErrStaleDocument = errors.New("cached document is stale")
)

// SourceFailure records why a single source attempt failed.
type SourceFailure struct {
	// SourceID identifies the failed source.
	SourceID string

	// Reason is the error the attempt ended with.
	Reason error
}

// Error implements the error interface.
func (f *SourceFailure) Error() string {
	return fmt.Sprintf("source %v: %v", f.SourceID, f.Reason)
}

// Is makes every SourceFailure match ErrSourceUnavailable.
func (f *SourceFailure) Is(target error) bool {
	return target == ErrSourceUnavailable
}

// Unwrap returns the underlying reason.
func (f *SourceFailure) Unwrap() error {
	return f.Reason
}

// ExhaustedError is returned by the selector when every source failed. It
// carries one failure per attempted source, in attempt order.
type ExhaustedError struct {
	// Failures holds the failure of every attempted source.
	Failures []SourceFailure

	// Cause is set when the caller's context ended the selection before
	// all sources were tried.
	Cause error
}

// errs returns the individual failures followed by the cause.
func (e *ExhaustedError) errs() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	for i := range e.Failures {
		errs = append(errs, &e.Failures[i])
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}

	return errs
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	combined := multierr.Combine(e.errs()...)
	if combined == nil {
		return ErrAllSourcesExhausted.Error()
	}

	return fmt.Sprintf("%v: %v", ErrAllSourcesExhausted, combined)
}

// Is makes every ExhaustedError match ErrAllSourcesExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllSourcesExhausted
}

// Unwrap returns the individual failures and the cause.
func (e *ExhaustedError) Unwrap() []error {
	return e.errs()
}
