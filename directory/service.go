package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/relaydir/dirsource"
	"github.com/lightningnetwork/relaydir/relay"
)

const (
	// DefaultPerSourceTimeout bounds a single source attempt when the
	// config does not set one.
	DefaultPerSourceTimeout = 60 * time.Second
)

var (
	// ErrUnknownSource is returned when a caller names a source the
	// service was not configured with.
	ErrUnknownSource = errors.New("unknown directory source")

	// ErrNoSources is returned by New when the config lists no sources.
	ErrNoSources = errors.New("no directory sources configured")
)

// Observer is notified about directory refreshes.
type Observer interface {
	// ObserveSource is called once per source attempt.
	ObserveSource(outcome dirsource.Outcome)

	// ObserveRefresh is called at the end of every refresh with the
	// winning source, or an empty ID and the error if all sources
	// failed.
	ObserveRefresh(sourceID string, records int, elapsed time.Duration,
		err error)
}

// Config holds the collaborators of a Service.
type Config struct {
	// Sources lists the directory sources in promotion order.
	Sources []dirsource.Source

	// PerSourceTimeout bounds every source attempt.
	PerSourceTimeout time.Duration

	// Timeouts overrides PerSourceTimeout for individual sources.
	Timeouts map[string]time.Duration

	// Policy is the filter policy applied when a request does not
	// override it.
	Policy relay.FilterPolicy

	// Clock stamps snapshots. Defaults to the wall clock.
	Clock clock.Clock

	// Observer, if set, receives refresh metrics.
	Observer Observer
}

// FilterOptions are the per request overrides of the default policy and
// source order.
type FilterOptions struct {
	// Roles replaces the default role set when non-empty.
	Roles []relay.Role

	// MinBandwidth replaces the default bandwidth threshold when set.
	MinBandwidth fn.Option[uint64]

	// RequireFlags are demanded in addition to the default flags.
	RequireFlags []string

	// Sources restricts and reorders the configured sources by ID.
	Sources []string
}

// Snapshot is the directory produced by one refresh.
type Snapshot struct {
	// Records are the filtered records of the winning source.
	Records []relay.Record

	// Source is the ID of the source the records came from.
	Source string

	// FetchedAt is the time the refresh completed.
	FetchedAt time.Time

	// Failures lists the sources that failed before the winner.
	Failures []dirsource.SourceFailure
}

// Error is returned by GetDirectory when no source produced a directory.
type Error struct {
	// RefreshID identifies the refresh in the logs.
	RefreshID string

	// Failures holds the failure of every attempted source.
	Failures []dirsource.SourceFailure

	err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("directory refresh %v failed: %v", e.RefreshID,
		e.err)
}

// Unwrap returns the exhausted error.
func (e *Error) Unwrap() error {
	return e.err
}

// Service produces filtered relay directories on demand.
type Service struct {
	cfg      Config
	selector *dirsource.Selector
	byID     map[string]dirsource.Source
}

// New creates a directory service.
func New(cfg Config) (*Service, error) {
	if len(cfg.Sources) == 0 {
		return nil, ErrNoSources
	}

	byID := make(map[string]dirsource.Source, len(cfg.Sources))
	for _, src := range cfg.Sources {
		id := src.ID()
		if _, ok := byID[id]; ok {
			return nil, fmt.Errorf("duplicate directory source %q",
				id)
		}
		byID[id] = src
	}

	if cfg.PerSourceTimeout <= 0 {
		cfg.PerSourceTimeout = DefaultPerSourceTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	selCfg := dirsource.SelectorConfig{
		Timeouts: cfg.Timeouts,
		Clock:    cfg.Clock,
	}
	if cfg.Observer != nil {
		selCfg.OnOutcome = cfg.Observer.ObserveSource
	}

	return &Service{
		cfg:      cfg,
		selector: dirsource.NewSelector(selCfg),
		byID:     byID,
	}, nil
}

// Sources returns the IDs of the configured sources in promotion order.
func (s *Service) Sources() []string {
	ids := make([]string, 0, len(s.cfg.Sources))
	for _, src := range s.cfg.Sources {
		ids = append(ids, src.ID())
	}

	return ids
}

// Policy returns the effective filter policy for the given options.
func (s *Service) Policy(opts FilterOptions) relay.FilterPolicy {
	policy := relay.FilterPolicy{
		Roles:        append([]relay.Role(nil), s.cfg.Policy.Roles...),
		MinBandwidth: s.cfg.Policy.MinBandwidth,
		RequireFlags: append(
			[]string(nil), s.cfg.Policy.RequireFlags...,
		),
	}

	if len(opts.Roles) > 0 {
		policy.Roles = append([]relay.Role(nil), opts.Roles...)
	}
	opts.MinBandwidth.WhenSome(func(bw uint64) {
		policy.MinBandwidth = bw
	})

	for _, flag := range opts.RequireFlags {
		if !contains(policy.RequireFlags, flag) {
			policy.RequireFlags = append(policy.RequireFlags, flag)
		}
	}

	return policy
}

// sources resolves the source order of a request.
func (s *Service) sources(ids []string) ([]dirsource.Source, error) {
	if len(ids) == 0 {
		return s.cfg.Sources, nil
	}

	sources := make([]dirsource.Source, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		src, ok := s.byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		sources = append(sources, src)
	}

	return sources, nil
}

// GetDirectory runs one refresh: the sources are tried in order and the
// filtered records of the first one that yields a usable directory are
// returned. If every source fails a *Error wrapping the exhausted error is
// returned.
func (s *Service) GetDirectory(ctx context.Context,
	opts FilterOptions) (*Snapshot, error) {

	sources, err := s.sources(opts.Sources)
	if err != nil {
		return nil, err
	}
	policy := s.Policy(opts)

	refreshID := uuid.NewString()
	log.Debugf("Refresh %v: trying %d sources with roles=%v "+
		"min_bandwidth=%d require_flags=%v", refreshID, len(sources),
		policy.Roles, policy.MinBandwidth, policy.RequireFlags)

	start := s.cfg.Clock.Now()
	sel, err := s.selector.Select(
		ctx, sources, s.cfg.PerSourceTimeout, policy,
	)
	elapsed := s.cfg.Clock.Now().Sub(start)

	if err != nil {
		log.Errorf("Refresh %v failed after %v: %v", refreshID,
			elapsed, err)
		s.observeRefresh("", 0, elapsed, err)

		dirErr := &Error{RefreshID: refreshID, err: err}
		var exhausted *dirsource.ExhaustedError
		if errors.As(err, &exhausted) {
			dirErr.Failures = exhausted.Failures
		}

		return nil, dirErr
	}

	log.Infof("Refresh %v: published %d records from source %v in %v",
		refreshID, len(sel.Records), sel.SourceID, elapsed)
	s.observeRefresh(sel.SourceID, len(sel.Records), elapsed, nil)

	return &Snapshot{
		Records:   sel.Records,
		Source:    sel.SourceID,
		FetchedAt: s.cfg.Clock.Now(),
		Failures:  sel.Failures,
	}, nil
}

func (s *Service) observeRefresh(sourceID string, records int,
	elapsed time.Duration, err error) {

	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveRefresh(sourceID, records, elapsed, err)
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}

	return false
}
