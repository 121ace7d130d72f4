package dircfg

import (
	"errors"
	"fmt"
	"time"
)

var (
	// MinHealthCheckInterval is the minimum interval we allow between
	// health checks.
	MinHealthCheckInterval = time.Minute

	// MinHealthCheckTimeout is the minimum timeout we allow for health
	// check calls.
	MinHealthCheckTimeout = time.Second

	// MinHealthCheckBackoff is the minimum back off we allow between
	// health check retries.
	MinHealthCheckBackoff = time.Second
)

// HealthCheckConfig contains the configuration for the different health
// checks the daemon runs.
type HealthCheckConfig struct {
	TorConnection *CheckConfig `group:"torconnection" namespace:"torconnection"`
}

// DefaultHealthCheck returns the default health check options. The tor
// control port check is disabled by default so that the daemon can serve
// from the remaining sources while tor is down.
func DefaultHealthCheck() HealthCheckConfig {
	return HealthCheckConfig{
		TorConnection: &CheckConfig{
			Interval: time.Minute,
			Attempts: 0,
			Timeout:  5 * time.Second,
			Backoff:  30 * time.Second,
		},
	}
}

// Validate checks the values configured for our health checks.
func (h *HealthCheckConfig) Validate() error {
	if h.TorConnection == nil {
		return nil
	}

	return h.TorConnection.validate("tor connection")
}

// CheckConfig contains the configuration for a single health check.
type CheckConfig struct {
	Interval time.Duration `long:"interval" description:"How often to run a health check."`

	Attempts int `long:"attempts" description:"The number of calls we will make for the check before failing. Set this value to 0 to disable a check."`

	Timeout time.Duration `long:"timeout" description:"The amount of time we allow the health check to take before failing due to timeout."`

	Backoff time.Duration `long:"backoff" description:"The amount of time to back-off between failed health checks."`
}

// Enabled reports whether the check runs at all.
func (c *CheckConfig) Enabled() bool {
	return c != nil && c.Attempts > 0
}

// validate checks the values in a health check config entry if it is
// enabled.
func (c *CheckConfig) validate(name string) error {
	if c.Attempts == 0 {
		return nil
	}

	if c.Attempts < 0 {
		return errors.New("health check attempts must not be negative")
	}

	if c.Backoff < MinHealthCheckBackoff {
		return fmt.Errorf("%v backoff: %v below minimum: %v", name,
			c.Backoff, MinHealthCheckBackoff)
	}

	if c.Timeout < MinHealthCheckTimeout {
		return fmt.Errorf("%v timeout: %v below minimum: %v", name,
			c.Timeout, MinHealthCheckTimeout)
	}

	if c.Interval < MinHealthCheckInterval {
		return fmt.Errorf("%v interval: %v below minimum: %v", name,
			c.Interval, MinHealthCheckInterval)
	}

	return nil
}
