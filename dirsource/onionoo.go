package dirsource

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// DecodedEntry is a relay description taken from a structured (non
// consensus) document. Fields the document lacks are left zero and caught
// by relay.NewRecord.
type DecodedEntry struct {
	Fingerprint string
	Nickname    string
	Address     string
	ORPort      uint16
	DirPort     fn.Option[uint16]
	Flags       []string
	Bandwidth   uint64
	OnionKey    string
	ExitPolicy  string
}

// onionooDetails is the subset of an Onionoo details document we use.
type onionooDetails struct {
	Relays []onionooRelay `json:"relays"`
}

// onionooRelay is a single relay object of an Onionoo details document.
type onionooRelay struct {
	Nickname          string              `json:"nickname"`
	Fingerprint       string              `json:"fingerprint"`
	ORAddresses       []string            `json:"or_addresses"`
	DirAddress        string              `json:"dir_address"`
	Flags             []string            `json:"flags"`
	ConsensusWeight   uint64              `json:"consensus_weight"`
	ExitPolicySummary map[string][]string `json:"exit_policy_summary"`
}

// decodeOnionoo decodes an Onionoo details document.
func decodeOnionoo(data []byte) ([]DecodedEntry, error) {
	var doc onionooDetails
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid onionoo document: %w", err)
	}

	entries := make([]DecodedEntry, 0, len(doc.Relays))
	for _, r := range doc.Relays {
		entry := DecodedEntry{
			Fingerprint: r.Fingerprint,
			Nickname:    r.Nickname,
			DirPort:     fn.None[uint16](),
			Flags:       r.Flags,
			Bandwidth:   r.ConsensusWeight,
			ExitPolicy:  policySummary(r.ExitPolicySummary),
		}

		if len(r.ORAddresses) > 0 {
			host, port, err := splitHostPort(r.ORAddresses[0])
			if err == nil {
				entry.Address = host
				entry.ORPort = port
			}
		}

		if r.DirAddress != "" {
			if _, port, err := splitHostPort(r.DirAddress); err == nil {
				entry.DirPort = fn.Some(port)
			}
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// splitHostPort splits an address of the form host:port or [ipv6]:port.
func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}

	return host, uint16(port), nil
}

// policySummary renders an Onionoo exit policy summary in the form of a
// consensus p line.
func policySummary(summary map[string][]string) string {
	for _, action := range []string{"accept", "reject"} {
		if ports, ok := summary[action]; ok && len(ports) > 0 {
			return action + " " + strings.Join(ports, ",")
		}
	}

	return ""
}
