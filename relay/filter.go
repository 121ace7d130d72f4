package relay

// FilterPolicy decides which records are published in the directory. Records
// failing the policy are dropped silently.
type FilterPolicy struct {
	// Roles is the set of roles to keep. An empty set keeps the default
	// entry and exit roles.
	Roles []Role

	// MinBandwidth is the smallest accepted bandwidth weight. Setting it
	// to one requires a strictly positive weight.
	MinBandwidth uint64

	// RequireFlags lists flags every published record must carry.
	RequireFlags []string
}

// DefaultRoles are the roles published when a policy does not name any.
var DefaultRoles = []Role{RoleEntry, RoleExit}

// DefaultFilterPolicy returns the policy used when the caller does not
// override it: entry and exit relays with any bandwidth.
func DefaultFilterPolicy() FilterPolicy {
	return FilterPolicy{
		Roles: append([]Role(nil), DefaultRoles...),
	}
}

// roles returns the effective role set.
func (p FilterPolicy) roles() []Role {
	if len(p.Roles) == 0 {
		return DefaultRoles
	}

	return p.Roles
}

// AllowsRole reports whether records of the given role can pass the policy.
func (p FilterPolicy) AllowsRole(role Role) bool {
	for _, r := range p.roles() {
		if r == role {
			return true
		}
	}

	return false
}

// Allows reports whether the record passes the policy.
func (p FilterPolicy) Allows(r Record) bool {
	if !p.AllowsRole(r.Role) {
		return false
	}

	if r.Bandwidth < p.MinBandwidth {
		return false
	}

	for _, flag := range p.RequireFlags {
		if !r.HasFlag(flag) {
			return false
		}
	}

	return true
}

// Apply returns the records passing the policy, preserving order.
func (p FilterPolicy) Apply(records []Record) []Record {
	kept := make([]Record, 0, len(records))
	for _, r := range records {
		if p.Allows(r) {
			kept = append(kept, r)
		}
	}

	return kept
}
