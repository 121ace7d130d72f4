package dircfg

import (
	"fmt"
	"time"
)

const (
	// DefaultRegistryMaxAge is how long a registered node stays available
	// without a heartbeat.
	DefaultRegistryMaxAge = 5 * time.Minute

	// DefaultRegistryPruneInterval is how often expired nodes are
	// removed.
	DefaultRegistryPruneInterval = time.Minute
)

// Registry holds the options of the node registry.
type Registry struct {
	MaxAge        time.Duration `long:"maxage" description:"How long a registered node stays available without a heartbeat"`
	PruneInterval time.Duration `long:"pruneinterval" description:"How often nodes older than the prune age are removed. 0 disables pruning"`
	PruneAge      time.Duration `long:"pruneage" description:"Nodes without a heartbeat for this long are removed. Defaults to twice the max age"`
}

// DefaultRegistry returns the default registry options.
func DefaultRegistry() Registry {
	return Registry{
		MaxAge:        DefaultRegistryMaxAge,
		PruneInterval: DefaultRegistryPruneInterval,
	}
}

// Validate checks the registry options.
func (r *Registry) Validate() error {
	if r.MaxAge <= 0 {
		return fmt.Errorf("registry.maxage must be positive")
	}
	if r.PruneInterval < 0 || r.PruneAge < 0 {
		return fmt.Errorf("registry prune options must not be " +
			"negative")
	}
	if r.PruneAge == 0 {
		r.PruneAge = 2 * r.MaxAge
	}
	if r.PruneAge < r.MaxAge {
		return fmt.Errorf("registry.pruneage (%v) must not be below "+
			"registry.maxage (%v)", r.PruneAge, r.MaxAge)
	}

	return nil
}
