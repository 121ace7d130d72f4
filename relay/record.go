package relay

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrMissingFingerprint is returned when a record has no identity.
	ErrMissingFingerprint = errors.New("missing fingerprint")

	// ErrMissingAddress is returned when a record has no address.
	ErrMissingAddress = errors.New("missing address")

	// ErrMissingORPort is returned when a record has no routing port.
	ErrMissingORPort = errors.New("missing or port")
)

// Record is the normalized description of a single relay. Records are built
// fresh for every directory refresh through NewRecord and must not be
// modified afterwards.
type Record struct {
	// Fingerprint is the relay identity as found in the source document.
	Fingerprint string

	// Nickname is the operator chosen display name.
	Nickname string

	// Address is the host the relay accepts connections on.
	Address string

	// ORPort is the onion routing port.
	ORPort uint16

	// DirPort is the directory port. The compact document flavor and some
	// sources do not carry it.
	DirPort fn.Option[uint16]

	// Flags is the ordered, de-duplicated set of capability flags.
	Flags []string

	// Bandwidth is the consensus weight, zero when unknown.
	Bandwidth uint64

	// OnionKey is the canonical encoding of the key material or
	// microdescriptor digest, empty when the source had none.
	OnionKey string

	// ExitPolicy is the exit policy summary, if any.
	ExitPolicy string

	// Published is the descriptor publication time, if known.
	Published fn.Option[time.Time]

	// Role is derived from Flags.
	Role Role
}

// RecordParams carries the raw attributes a record is built from.
type RecordParams struct {
	Fingerprint string
	Nickname    string
	Address     string
	ORPort      uint16
	DirPort     fn.Option[uint16]
	Flags       []string
	Bandwidth   uint64
	OnionKey    string
	ExitPolicy  string
	Published   fn.Option[time.Time]
}

// NewRecord validates the mandatory attributes and returns an immutable
// record with its role derived from the flags.
func NewRecord(p RecordParams) (Record, error) {
	switch {
	case p.Fingerprint == "":
		return Record{}, ErrMissingFingerprint

	case p.Address == "":
		return Record{}, ErrMissingAddress

	case p.ORPort == 0:
		return Record{}, ErrMissingORPort
	}

	if ip := net.ParseIP(p.Address); ip == nil && !validHostname(p.Address) {
		return Record{}, fmt.Errorf("invalid address %q", p.Address)
	}

	flags := normalizeFlags(p.Flags)

	return Record{
		Fingerprint: p.Fingerprint,
		Nickname:    p.Nickname,
		Address:     p.Address,
		ORPort:      p.ORPort,
		DirPort:     p.DirPort,
		Flags:       flags,
		Bandwidth:   p.Bandwidth,
		OnionKey:    p.OnionKey,
		ExitPolicy:  p.ExitPolicy,
		Published:   p.Published,
		Role:        ClassifyRole(flags),
	}, nil
}

// WithOnionKey returns a copy of the record carrying the given key material.
func (r Record) WithOnionKey(key string) Record {
	r.Flags = append([]string(nil), r.Flags...)
	r.OnionKey = key

	return r
}

// HasFlag reports whether the record carries the flag.
func (r Record) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}

	return false
}

// String returns a short human readable identifier for log output.
func (r Record) String() string {
	return fmt.Sprintf("%s(%s) %s", r.Nickname, r.Fingerprint,
		net.JoinHostPort(r.Address, fmt.Sprint(r.ORPort)))
}

// normalizeFlags copies the flags, dropping empty and repeated entries while
// keeping the original order.
func normalizeFlags(flags []string) []string {
	if len(flags) == 0 {
		return []string{}
	}

	seen := make(map[string]struct{}, len(flags))
	out := make([]string, 0, len(flags))
	for _, flag := range flags {
		if flag == "" {
			continue
		}
		if _, ok := seen[flag]; ok {
			continue
		}
		seen[flag] = struct{}{}
		out = append(out, flag)
	}

	return out
}

// validHostname does a loose syntactic check on a DNS name.
func validHostname(host string) bool {
	if len(host) == 0 || len(host) > 253 {
		return false
	}

	for _, c := range host {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9', c == '-', c == '.':
		default:
			return false
		}
	}

	return true
}
