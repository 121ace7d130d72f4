package dirsource

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/relaydir/consensus"
	"github.com/lightningnetwork/relaydir/relay"
	"go.uber.org/multierr"
)

// FS is the file system view of the cached file source.
type FS interface {
	// Exists reports whether a regular file exists at the path.
	Exists(path string) bool

	// IsReadable reports whether the file can be opened for reading.
	IsReadable(path string) bool

	// ReadAll returns the file contents.
	ReadAll(path string) ([]byte, error)
}

// OSFS implements FS on the local file system.
type OSFS struct{}

// A compile time assertion to ensure OSFS meets the FS interface.
var _ FS = OSFS{}

// Exists implements FS.
func (OSFS) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// IsReadable implements FS.
func (OSFS) IsReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()

	return true
}

// ReadAll implements FS.
func (OSFS) ReadAll(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// CachedFileConfig configures a CachedFileSource.
type CachedFileConfig struct {
	// ID overrides the source identifier. Defaults to SourceCache.
	ID string

	// Paths lists the candidate files in order of preference.
	Paths []string

	// FS is the file system to read from. Defaults to OSFS.
	FS FS

	// MaxAge rejects documents whose validity ended longer ago than this.
	// Zero accepts documents of any age.
	MaxAge time.Duration

	// Clock is used for the age check. Defaults to the wall clock.
	Clock clock.Clock

	// OnParse observes parse diagnostics.
	OnParse ParseObserver
}

// CachedFileSource reads a consensus document that a local Tor daemon
// cached on disk.
type CachedFileSource struct {
	cfg CachedFileConfig
}

// A compile time assertion to ensure CachedFileSource meets the Source
// interface.
var _ Source = (*CachedFileSource)(nil)

// NewCachedFileSource creates a cached file source.
func NewCachedFileSource(cfg CachedFileConfig) *CachedFileSource {
	if cfg.ID == "" {
		cfg.ID = SourceCache
	}
	if cfg.FS == nil {
		cfg.FS = OSFS{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &CachedFileSource{cfg: cfg}
}

// ID returns the source identifier.
func (s *CachedFileSource) ID() string {
	return s.cfg.ID
}

// Fetch implements Source. The first candidate that exists, is readable and
// is not stale is used.
func (s *CachedFileSource) Fetch(ctx context.Context,
	_ relay.FilterPolicy) ([]relay.Record, error) {

	var errs error
	for _, path := range s.cfg.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !s.cfg.FS.Exists(path) {
			log.Tracef("Cached document %v does not exist", path)
			continue
		}
		if !s.cfg.FS.IsReadable(path) {
			log.Debugf("Cached document %v is not readable", path)
			errs = multierr.Append(errs, fmt.Errorf("%v: not "+
				"readable", path))
			continue
		}

		records, err := s.readCandidate(path)
		if err != nil {
			log.Debugf("Skipping cached document %v: %v", path, err)
			errs = multierr.Append(errs, err)
			continue
		}

		log.Debugf("Using cached document %v with %d records", path,
			len(records))

		return records, nil
	}

	if errs != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCachedDocument, errs)
	}

	return nil, ErrNoCachedDocument
}

// readCandidate parses a single candidate file and checks its age.
func (s *CachedFileSource) readCandidate(path string) ([]relay.Record,
	error) {

	data, err := s.cfg.FS.ReadAll(path)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}

	result, err := consensus.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}

	if s.cfg.MaxAge > 0 {
		cutoff := s.cfg.Clock.Now().Add(-s.cfg.MaxAge)
		stale := false
		result.Header.ValidUntil.WhenSome(func(validUntil time.Time) {
			stale = validUntil.Before(cutoff)
		})
		if stale {
			return nil, fmt.Errorf("%v: %w", path, ErrStaleDocument)
		}
	}

	s.cfg.OnParse.notify(s.cfg.ID, result.Diagnostics)

	return result.Records, nil
}
