package consensus

import (
	"errors"
	"fmt"
)

// ErrMalformedEntry is the sentinel all dropped router entries match with
// errors.Is.
var ErrMalformedEntry = errors.New("malformed router entry")

// RawEntry is the block of lines that belonged to a single router entry, kept
// so a dropped entry can be reported together with its source text.
type RawEntry struct {
	// StartLine is the one based line number of the router line.
	StartLine int

	// Lines holds the entry's lines in document order.
	Lines []string
}

// MalformedEntryError describes why a router entry was dropped.
type MalformedEntryError struct {
	// Entry is the raw text of the dropped entry.
	Entry RawEntry

	// Reason is a short description of the fault.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *MalformedEntryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("router entry at line %d: %s: %v",
			e.Entry.StartLine, e.Reason, e.Err)
	}

	return fmt.Sprintf("router entry at line %d: %s", e.Entry.StartLine,
		e.Reason)
}

// Is makes every MalformedEntryError match ErrMalformedEntry.
func (e *MalformedEntryError) Is(target error) bool {
	return target == ErrMalformedEntry
}

// Unwrap returns the underlying error.
func (e *MalformedEntryError) Unwrap() error {
	return e.Err
}
