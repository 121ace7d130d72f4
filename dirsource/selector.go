package dirsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/relaydir/relay"
)

// SelectorConfig holds the optional collaborators of a Selector.
type SelectorConfig struct {
	// Timeouts overrides the per source timeout passed to Acquire, keyed
	// by source ID.
	Timeouts map[string]time.Duration

	// OnOutcome, if set, observes every source attempt.
	OnOutcome func(Outcome)

	// Clock is used to time attempts. Defaults to the wall clock.
	Clock clock.Clock
}

// Selector tries a list of sources in order and returns the records of the
// first one that yields a usable directory.
type Selector struct {
	cfg SelectorConfig
}

// NewSelector creates a selector.
func NewSelector(cfg SelectorConfig) *Selector {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Selector{cfg: cfg}
}

// Selection is the result of a successful selection.
type Selection struct {
	// Records are the filtered records of the winning source.
	Records []relay.Record

	// SourceID identifies the winning source.
	SourceID string

	// Failures lists the sources tried before the winner.
	Failures []SourceFailure
}

// Acquire queries the sources in the given order. Each attempt runs under its
// own timeout, and a timed out source is cancelled and must return before the
// next source is tried. The records of the first source with at least one
// record passing the policy are returned together with its ID. If every
// source fails, an *ExhaustedError listing each failure is returned.
// Cancelling ctx stops the promotion and the context error is reported as the
// exhausted error's cause.
func (s *Selector) Acquire(ctx context.Context, sources []Source,
	perSourceTimeout time.Duration,
	policy relay.FilterPolicy) ([]relay.Record, string, error) {

	sel, err := s.Select(ctx, sources, perSourceTimeout, policy)
	if err != nil {
		return nil, "", err
	}

	return sel.Records, sel.SourceID, nil
}

// Select behaves like Acquire but also reports the failures of the sources
// tried before the winner.
func (s *Selector) Select(ctx context.Context, sources []Source,
	perSourceTimeout time.Duration,
	policy relay.FilterPolicy) (*Selection, error) {

	var failures []SourceFailure
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, &ExhaustedError{
				Failures: failures,
				Cause:    err,
			}
		}

		id := src.ID()
		timeout := perSourceTimeout
		if override, ok := s.cfg.Timeouts[id]; ok && override > 0 {
			timeout = override
		}

		log.Infof("Attempting to fetch directory from source %v "+
			"(timeout=%v)", id, timeout)

		start := s.cfg.Clock.Now()
		records, err := s.attempt(ctx, src, timeout, policy)
		elapsed := s.cfg.Clock.Now().Sub(start)

		if err == nil {
			log.Infof("Source %v produced %d usable records in %v",
				id, len(records), elapsed)

			outcome := Success(id, records)
			outcome.Elapsed = elapsed
			s.observe(outcome)

			return &Selection{
				Records:  records,
				SourceID: id,
				Failures: failures,
			}, nil
		}

		log.Warnf("Source %v failed after %v: %v", id, elapsed, err)

		failures = append(failures, SourceFailure{
			SourceID: id,
			Reason:   err,
		})

		outcome := Failure(id, err)
		outcome.Elapsed = elapsed
		s.observe(outcome)

		// A cancelled caller ends the promotion right away.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &ExhaustedError{
				Failures: failures,
				Cause:    ctxErr,
			}
		}
	}

	log.Errorf("All %d directory sources failed", len(sources))

	return nil, &ExhaustedError{Failures: failures}
}

// attempt runs a single source under its timeout and applies the policy.
// Fetch is called synchronously, so the source has returned and released its
// connections and files before the next source is tried.
func (s *Selector) attempt(ctx context.Context, src Source,
	timeout time.Duration, policy relay.FilterPolicy) ([]relay.Record,
	error) {

	var (
		fetchCtx context.Context
		cancel   context.CancelFunc
	)
	if timeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		fetchCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	records, err := src.Fetch(fetchCtx, policy)
	if err != nil {
		if ctx.Err() == nil &&
			errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {

			return nil, fmt.Errorf("timed out after %v: %w",
				timeout, err)
		}

		return nil, err
	}

	usable := policy.Apply(records)
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: none of %d records passed the "+
			"filter", ErrNoUsableRecords, len(records))
	}

	return usable, nil
}

// observe reports an outcome to the observer, if any.
func (s *Selector) observe(o Outcome) {
	if s.cfg.OnOutcome != nil {
		s.cfg.OnOutcome(o)
	}
}
