package dircfg

import (
	"github.com/lightningnetwork/relaydir/relay"
)

// Filter holds the default directory filter policy.
type Filter struct {
	Roles        []string `long:"role" description:"Relay role to publish. Can be set multiple times" choice:"ENTRY" choice:"MIDDLE" choice:"EXIT"`
	MinBandwidth uint64   `long:"minbandwidth" description:"Smallest bandwidth weight of a published relay. Set to 1 to require a positive weight"`
	RequireFlags []string `long:"requireflag" description:"Flag every published relay must carry, e.g. Running or Valid. Can be set multiple times"`
}

// DefaultFilter returns the default filter options.
func DefaultFilter() Filter {
	return Filter{
		Roles: []string{
			relay.RoleEntry.String(), relay.RoleExit.String(),
		},
	}
}

// Policy returns the filter policy described by the options.
func (f *Filter) Policy() (relay.FilterPolicy, error) {
	roles, err := relay.ParseRoles(f.Roles)
	if err != nil {
		return relay.FilterPolicy{}, err
	}

	return relay.FilterPolicy{
		Roles:        roles,
		MinBandwidth: f.MinBandwidth,
		RequireFlags: append([]string(nil), f.RequireFlags...),
	}, nil
}

// Validate checks the filter options.
func (f *Filter) Validate() error {
	_, err := f.Policy()
	return err
}
