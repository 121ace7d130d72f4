package dircfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/relaydir/dirsource"
)

const (
	// DefaultSourceTimeout bounds a single source attempt.
	DefaultSourceTimeout = 60 * time.Second

	// DefaultDetailWorkers is the default number of control port
	// sessions used for per router lookups.
	DefaultDetailWorkers = 1

	// DefaultRemoteURL is the consensus of a directory authority.
	DefaultRemoteURL = "http://128.31.0.39:9131/tor/status-vote/" +
		"current/consensus"
)

// DefaultOrder is the default source promotion order.
var DefaultOrder = []string{
	dirsource.SourceControl, dirsource.SourceRemote, dirsource.SourceCache,
}

// Sources holds the options of the directory sources.
type Sources struct {
	Order []string `long:"order" description:"Source promotion order. Can be set multiple times" choice:"control" choice:"remote" choice:"cache"`

	Timeout        time.Duration `long:"timeout" description:"Default timeout of a single source attempt"`
	ControlTimeout time.Duration `long:"controltimeout" description:"Timeout of the control port source. Overrides sources.timeout"`
	RemoteTimeout  time.Duration `long:"remotetimeout" description:"Timeout of the remote document source. Overrides sources.timeout"`
	CacheTimeout   time.Duration `long:"cachetimeout" description:"Timeout of the cached file source. Overrides sources.timeout"`

	SummaryTimeout time.Duration `long:"summarytimeout" description:"Timeout of the control port router summary query"`
	DetailTimeout  time.Duration `long:"detailtimeout" description:"Timeout of a single control port router detail query"`
	DetailWorkers  int           `long:"detailworkers" description:"Number of control port sessions used for router detail queries"`

	RemoteURL    string `long:"remoteurl" description:"URL of the remote directory document"`
	RemoteFormat string `long:"remoteformat" description:"Format of the remote directory document" choice:"consensus" choice:"onionoo"`

	CachePaths  []string      `long:"cachepath" description:"Candidate path of a cached consensus document. Can be set multiple times, tried in order"`
	CacheMaxAge time.Duration `long:"cachemaxage" description:"Reject cached documents that expired longer ago than this. 0 disables the check"`
}

// DefaultSources returns the default source options.
func DefaultSources() Sources {
	return Sources{
		Order:          append([]string(nil), DefaultOrder...),
		Timeout:        DefaultSourceTimeout,
		SummaryTimeout: dirsource.DefaultSummaryTimeout,
		DetailTimeout:  dirsource.DefaultDetailTimeout,
		DetailWorkers:  DefaultDetailWorkers,
		RemoteURL:      DefaultRemoteURL,
		RemoteFormat:   dirsource.FormatConsensus,
		CachePaths: []string{
			"/var/lib/tor/cached-consensus",
			"/var/lib/tor/cached-microdesc-consensus",
		},
	}
}

// Validate checks the source options.
func (s *Sources) Validate() error {
	if len(s.Order) == 0 {
		return fmt.Errorf("sources.order must name at least one " +
			"source")
	}

	seen := make(map[string]struct{}, len(s.Order))
	for _, id := range s.Order {
		switch id {
		case dirsource.SourceControl, dirsource.SourceRemote,
			dirsource.SourceCache:

		default:
			return fmt.Errorf("unknown source %q in sources.order",
				id)
		}

		if _, ok := seen[id]; ok {
			return fmt.Errorf("source %q listed twice in "+
				"sources.order", id)
		}
		seen[id] = struct{}{}
	}

	timeouts := []struct {
		name  string
		value time.Duration
	}{
		{"sources.timeout", s.Timeout},
		{"sources.controltimeout", s.ControlTimeout},
		{"sources.remotetimeout", s.RemoteTimeout},
		{"sources.cachetimeout", s.CacheTimeout},
		{"sources.summarytimeout", s.SummaryTimeout},
		{"sources.detailtimeout", s.DetailTimeout},
		{"sources.cachemaxage", s.CacheMaxAge},
	}
	for _, t := range timeouts {
		if t.value < 0 {
			return fmt.Errorf("%v must not be negative", t.name)
		}
	}
	if s.Timeout == 0 {
		return fmt.Errorf("sources.timeout must be positive")
	}

	if s.DetailWorkers <= 0 {
		return fmt.Errorf("number of detail workers (%d) must be "+
			"positive", s.DetailWorkers)
	}

	if _, ok := seen[dirsource.SourceRemote]; ok && s.RemoteURL == "" {
		return fmt.Errorf("sources.remoteurl must be set when the " +
			"remote source is enabled")
	}

	if _, ok := seen[dirsource.SourceCache]; ok && len(s.CachePaths) == 0 {
		return fmt.Errorf("sources.cachepath must be set when the " +
			"cache source is enabled")
	}

	return nil
}

// Enabled reports whether the source is part of the promotion order.
func (s *Sources) Enabled(id string) bool {
	for _, o := range s.Order {
		if o == id {
			return true
		}
	}

	return false
}

// Timeouts returns the per source timeout overrides.
func (s *Sources) Timeouts() map[string]time.Duration {
	timeouts := make(map[string]time.Duration)
	if s.ControlTimeout > 0 {
		timeouts[dirsource.SourceControl] = s.ControlTimeout
	}
	if s.RemoteTimeout > 0 {
		timeouts[dirsource.SourceRemote] = s.RemoteTimeout
	}
	if s.CacheTimeout > 0 {
		timeouts[dirsource.SourceCache] = s.CacheTimeout
	}

	return timeouts
}
