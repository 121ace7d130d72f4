package dirsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/relaydir/consensus"
	"github.com/lightningnetwork/relaydir/relay"
	"github.com/lightningnetwork/relaydir/tor"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSummaryTimeout bounds the router summary query.
	DefaultSummaryTimeout = 30 * time.Second

	// DefaultDetailTimeout bounds a single per router detail query.
	DefaultDetailTimeout = 5 * time.Second
)

// ControlClient is an authenticated session with a Tor control port.
type ControlClient interface {
	// Authenticate authenticates the session.
	Authenticate(ctx context.Context, cred tor.Credential) error

	// Summaries returns the status of every known router without key
	// material.
	Summaries(ctx context.Context) ([]relay.Record, consensus.Diagnostics,
		error)

	// Detail returns the canonical onion key of a router. A router the
	// server has no descriptor for yields tor.ErrRouterNotFound.
	Detail(ctx context.Context, fingerprint string) (string, error)

	// Close releases the session.
	Close() error
}

// A compile time assertion to ensure the Tor controller meets the
// ControlClient interface.
var _ ControlClient = (*tor.Controller)(nil)

// ControlDialer opens a new, unauthenticated control session.
type ControlDialer func(ctx context.Context) (ControlClient, error)

// TorControlDialer returns a dialer connecting to a real Tor control port.
func TorControlDialer(cfg tor.Config) ControlDialer {
	return func(ctx context.Context) (ControlClient, error) {
		c, err := tor.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}

		return c, nil
	}
}

// ControlConfig configures a ControlSource.
type ControlConfig struct {
	// ID overrides the source identifier. Defaults to SourceControl.
	ID string

	// Dial opens control sessions.
	Dial ControlDialer

	// Credential authenticates every session.
	Credential tor.Credential

	// SummaryTimeout bounds the summary query.
	SummaryTimeout time.Duration

	// DetailTimeout bounds each detail query.
	DetailTimeout time.Duration

	// DetailWorkers is the number of concurrent detail lookups. Every
	// worker beyond the first opens its own session.
	DetailWorkers int

	// OnParse observes the summary parse diagnostics.
	OnParse ParseObserver
}

// ControlSource builds the directory from a local Tor daemon: one summary
// query for all routers, then one detail query per router to obtain its key.
type ControlSource struct {
	cfg ControlConfig
}

// A compile time assertion to ensure ControlSource meets the Source interface.
var _ Source = (*ControlSource)(nil)

// NewControlSource creates a control channel source.
func NewControlSource(cfg ControlConfig) *ControlSource {
	if cfg.ID == "" {
		cfg.ID = SourceControl
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = DefaultSummaryTimeout
	}
	if cfg.DetailTimeout <= 0 {
		cfg.DetailTimeout = DefaultDetailTimeout
	}
	if cfg.DetailWorkers < 1 {
		cfg.DetailWorkers = 1
	}

	return &ControlSource{cfg: cfg}
}

// ID returns the source identifier.
func (s *ControlSource) ID() string {
	return s.cfg.ID
}

// Fetch implements Source.
func (s *ControlSource) Fetch(ctx context.Context,
	policy relay.FilterPolicy) ([]relay.Record, error) {

	var records []relay.Record
	err := s.withControlClient(ctx, func(client ControlClient) error {
		summaryCtx, cancel := context.WithTimeout(
			ctx, s.cfg.SummaryTimeout,
		)
		summaries, diag, err := client.Summaries(summaryCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("summary query: %w", err)
		}
		s.cfg.OnParse.notify(s.cfg.ID, diag)

		// Only routers that can make it into the directory are worth
		// a detail query.
		candidates := policy.Apply(summaries)
		log.Debugf("Control port listed %d routers, %d candidates",
			len(summaries), len(candidates))

		records, err = s.fetchDetails(ctx, client, candidates)

		return err
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// withControlClient opens and authenticates a session, runs f and closes the
// session on every exit path.
func (s *ControlSource) withControlClient(ctx context.Context,
	f func(ControlClient) error) error {

	if s.cfg.Dial == nil {
		return errors.New("no control dialer configured")
	}

	client, err := s.cfg.Dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Debugf("Unable to close control session: %v", err)
		}
	}()

	if err := client.Authenticate(ctx, s.cfg.Credential); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	return f(client)
}

// fetchDetails resolves the key of every candidate. Routers whose lookup
// fails are left out. The result preserves the candidate order.
func (s *ControlSource) fetchDetails(ctx context.Context,
	primary ControlClient, candidates []relay.Record) ([]relay.Record,
	error) {

	if len(candidates) == 0 {
		return nil, nil
	}

	// Queue every job up front so workers that give up never block the
	// others.
	jobs := make(chan int, len(candidates))
	for i := range candidates {
		jobs <- i
	}
	close(jobs)

	workers := s.cfg.DetailWorkers
	if workers > len(candidates) {
		workers = len(candidates)
	}

	resolved := make([]relay.Record, len(candidates))
	ok := make([]bool, len(candidates))

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		var client ControlClient
		if i == 0 {
			client = primary
		}

		g.Go(func() error {
			s.detailWorker(ctx, client, candidates, jobs, resolved, ok)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := make([]relay.Record, 0, len(candidates))
	for i := range candidates {
		if ok[i] {
			records = append(records, resolved[i])
		}
	}

	log.Infof("Resolved keys for %d of %d routers", len(records),
		len(candidates))

	return records, nil
}

// detailWorker consumes jobs until none are left. A nil client makes the
// worker open its own session. Whenever a lookup leaves the session in an
// unknown state the worker replaces it.
func (s *ControlSource) detailWorker(ctx context.Context,
	client ControlClient, candidates []relay.Record, jobs <-chan int,
	resolved []relay.Record, ok []bool) {

	if client != nil {
		if !s.drainJobs(ctx, client, candidates, jobs, resolved, ok) {
			return
		}
	}

	for ctx.Err() == nil {
		more := false
		err := s.withControlClient(ctx, func(c ControlClient) error {
			more = s.drainJobs(
				ctx, c, candidates, jobs, resolved, ok,
			)
			return nil
		})
		if err != nil {
			log.Warnf("Detail worker unable to open control "+
				"session: %v", err)
			return
		}
		if !more {
			return
		}
	}
}

// drainJobs runs lookups on one session. It returns true if jobs remain but
// the session must be replaced.
func (s *ControlSource) drainJobs(ctx context.Context, client ControlClient,
	candidates []relay.Record, jobs <-chan int, resolved []relay.Record,
	ok []bool) bool {

	for idx := range jobs {
		if ctx.Err() != nil {
			return false
		}

		rec := candidates[idx]

		detailCtx, cancel := context.WithTimeout(ctx, s.cfg.DetailTimeout)
		key, err := client.Detail(detailCtx, rec.Fingerprint)
		cancel()

		switch {
		case err == nil:
			resolved[idx] = rec.WithOnionKey(key)
			ok[idx] = true

		case errors.Is(err, tor.ErrRouterNotFound),
			errors.Is(err, tor.ErrNoOnionKey):

			log.Debugf("Skipping router %v: %v", rec, err)

		default:
			log.Debugf("Skipping router %v: %v", rec, err)

			// The session may still deliver the abandoned reply,
			// so it cannot be reused.
			return true
		}
	}

	return false
}
