package dircfg

import (
	"fmt"
	"net"
)

const (
	// DefaultControlAddr is the default address of Tor's control port.
	DefaultControlAddr = "127.0.0.1:9051"
)

// Tor holds the configuration options for the daemon's connection to tor.
type Tor struct {
	Control    string `long:"control" description:"The host:port that Tor is listening on for Tor control connections"`
	CookiePath string `long:"cookiepath" description:"The path of Tor's control auth cookie. If empty, the path advertised by Tor is used"`
	Password   string `long:"password" description:"The password used to arrive at the HashedControlPassword for the control port. If provided, the HASHEDPASSWORD authentication method will be used instead of the SAFECOOKIE one."`
	SOCKS      string `long:"socks" description:"The host:port that Tor's exposed SOCKS5 proxy is listening on. If set, remote documents are fetched through Tor"`
	DNS        string `long:"dns" description:"The DNS server as host:port used to resolve the directory mirror - NOTE must have TCP resolution enabled"`
}

// DefaultTor returns the default tor options.
func DefaultTor() Tor {
	return Tor{
		Control: DefaultControlAddr,
	}
}

// Validate checks the addresses of the tor options.
func (t *Tor) Validate() error {
	addrs := []struct {
		name  string
		value string
	}{
		{"tor.control", t.Control},
		{"tor.socks", t.SOCKS},
		{"tor.dns", t.DNS},
	}
	for _, addr := range addrs {
		if addr.value == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr.value); err != nil {
			return fmt.Errorf("invalid %v address %q: %w",
				addr.name, addr.value, err)
		}
	}

	return nil
}
