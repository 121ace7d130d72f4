package dircfg

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultHTTPListen is the default address of the directory API.
	DefaultHTTPListen = "127.0.0.1:8080"

	// DefaultHTTPReadTimeout bounds reading a request.
	DefaultHTTPReadTimeout = 10 * time.Second

	// DefaultHTTPWriteTimeout bounds writing a response. A refresh may
	// try every source, so it is generous.
	DefaultHTTPWriteTimeout = 5 * time.Minute

	// DefaultRefreshRate is the default number of directory refreshes per
	// second the API serves. Every refresh reaches out to a source.
	DefaultRefreshRate = 1.0

	// DefaultRefreshBurst is the default number of refreshes served back
	// to back before the rate applies.
	DefaultRefreshBurst = 5

	// DefaultTLSCertDuration is the validity of an autogenerated
	// certificate.
	DefaultTLSCertDuration = 14 * 30 * 24 * time.Hour
)

// HTTP holds the options of the directory API server.
type HTTP struct {
	Listen       string        `long:"listen" description:"The host:port the directory API listens on"`
	ReadTimeout  time.Duration `long:"readtimeout" description:"Maximum duration for reading a request"`
	WriteTimeout time.Duration `long:"writetimeout" description:"Maximum duration for writing a response"`
	CORS         bool          `long:"cors" description:"Allow cross origin requests from any origin"`

	RefreshRate  float64 `long:"refreshrate" description:"Maximum directory refreshes per second served on /nodes, 0 disables the limit"`
	RefreshBurst int     `long:"refreshburst" description:"Number of /nodes refreshes served back to back before refreshrate applies"`

	TLS                bool          `long:"tls" description:"Serve the directory API over TLS"`
	TLSCertPath        string        `long:"tlscertpath" description:"Path to write the TLS certificate for the directory API"`
	TLSKeyPath         string        `long:"tlskeypath" description:"Path to write the TLS private key for the directory API"`
	TLSExtraIPs        []string      `long:"tlsextraip" description:"Adds an extra ip to the generated certificate"`
	TLSExtraDomains    []string      `long:"tlsextradomain" description:"Adds an extra domain to the generated certificate"`
	TLSAutoRefresh     bool          `long:"tlsautorefresh" description:"Re-generate TLS certificate and key if the IPs or domains are changed"`
	TLSDisableAutofill bool          `long:"tlsdisableautofill" description:"Do not include the interface IPs or the system hostname in TLS certificate"`
	TLSCertDuration    time.Duration `long:"tlscertduration" description:"The duration for which the auto-generated TLS certificate will be valid for"`
}

// DefaultHTTP returns the default API server options.
func DefaultHTTP() HTTP {
	return HTTP{
		Listen:       DefaultHTTPListen,
		ReadTimeout:  DefaultHTTPReadTimeout,
		WriteTimeout: DefaultHTTPWriteTimeout,
		CORS:         true,
		RefreshRate:  DefaultRefreshRate,
		RefreshBurst: DefaultRefreshBurst,

		TLSCertDuration: DefaultTLSCertDuration,
	}
}

// Validate checks the API server options.
func (h *HTTP) Validate() error {
	if _, _, err := net.SplitHostPort(h.Listen); err != nil {
		return fmt.Errorf("invalid http.listen address %q: %w",
			h.Listen, err)
	}
	if h.ReadTimeout < 0 || h.WriteTimeout < 0 {
		return fmt.Errorf("http timeouts must not be negative")
	}

	switch {
	case h.RefreshRate < 0:
		return fmt.Errorf("http.refreshrate must not be negative")

	case h.RefreshRate > 0 && h.RefreshBurst < 1:
		return fmt.Errorf("http.refreshburst must be at least 1 when " +
			"http.refreshrate is set")
	}

	if h.TLS {
		if h.TLSCertPath == "" || h.TLSKeyPath == "" {
			return fmt.Errorf("http.tlscertpath and http.tlskeypath " +
				"must be set when http.tls is enabled")
		}
		if h.TLSCertDuration <= 0 {
			return fmt.Errorf("http.tlscertduration must be positive")
		}
	}

	return nil
}

// RefreshLimiter returns the limiter guarding directory refreshes, or nil if
// refreshes are not limited.
func (h *HTTP) RefreshLimiter() *rate.Limiter {
	if h.RefreshRate == 0 {
		return nil
	}

	return rate.NewLimiter(rate.Limit(h.RefreshRate), h.RefreshBurst)
}
