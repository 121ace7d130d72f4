package dirsource

import (
	"context"
	"time"

	"github.com/lightningnetwork/relaydir/consensus"
	"github.com/lightningnetwork/relaydir/relay"
)

// Well known source identifiers.
const (
	// SourceControl identifies the control channel source.
	SourceControl = "control"

	// SourceRemote identifies the remote document source.
	SourceRemote = "remote"

	// SourceCache identifies the cached file source.
	SourceCache = "cache"
)

// Source is a single origin of relay topology data.
type Source interface {
	// ID returns the stable identifier of the source.
	ID() string

	// Fetch retrieves the records the source knows about. The policy may
	// be used to avoid expensive work on records that would be dropped;
	// the caller applies it to the result regardless.
	Fetch(ctx context.Context, policy relay.FilterPolicy) ([]relay.Record,
		error)
}

// ParseObserver is notified of the parse diagnostics of every document a
// source reads.
type ParseObserver func(sourceID string, diag consensus.Diagnostics)

// notify calls the observer if one is set.
func (o ParseObserver) notify(sourceID string, diag consensus.Diagnostics) {
	if o != nil {
		o(sourceID, diag)
	}
}

// Outcome describes a single source attempt.
type Outcome struct {
	// SourceID identifies the attempted source.
	SourceID string

	// Records holds the filtered records of a successful attempt.
	Records []relay.Record

	// Err is the failure reason, nil on success.
	Err error

	// Elapsed is the duration of the attempt.
	Elapsed time.Duration
}

// Success returns the outcome of a successful attempt.
func Success(sourceID string, records []relay.Record) Outcome {
	return Outcome{SourceID: sourceID, Records: records}
}

// Failure returns the outcome of a failed attempt.
func Failure(sourceID string, reason error) Outcome {
	return Outcome{SourceID: sourceID, Err: reason}
}

// IsSuccess reports whether the attempt produced records.
func (o Outcome) IsSuccess() bool {
	return o.Err == nil
}
