package relay

import (
	"fmt"
	"strings"
)

// Role is the position in a circuit a relay is offered for.
type Role string

const (
	// RoleEntry is a relay usable as the first hop of a circuit.
	RoleEntry Role = "ENTRY"

	// RoleMiddle is a relay only offered for the middle hop.
	RoleMiddle Role = "MIDDLE"

	// RoleExit is a relay that allows traffic to leave the overlay.
	RoleExit Role = "EXIT"
)

const (
	// FlagGuard is the capability flag that marks an entry guard.
	FlagGuard = "Guard"

	// FlagExit is the capability flag that marks an exit relay.
	FlagExit = "Exit"
)

// String returns the wire name of the role.
func (r Role) String() string {
	return string(r)
}

// ParseRole parses a role name, ignoring case.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleEntry:
		return RoleEntry, nil
	case RoleMiddle:
		return RoleMiddle, nil
	case RoleExit:
		return RoleExit, nil
	default:
		return "", fmt.Errorf("unknown relay role %q", s)
	}
}

// ParseRoles parses a list of role names. Each element may itself be a comma
// separated list.
func ParseRoles(names []string) ([]Role, error) {
	var roles []Role
	for _, name := range names {
		for _, part := range strings.Split(name, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}

			role, err := ParseRole(part)
			if err != nil {
				return nil, err
			}
			roles = append(roles, role)
		}
	}

	return roles, nil
}

// ClassifyRole derives the role of a relay from its flags. Guard takes
// precedence over Exit when a relay carries both.
func ClassifyRole(flags []string) Role {
	var exit bool
	for _, flag := range flags {
		switch flag {
		case FlagGuard:
			return RoleEntry
		case FlagExit:
			exit = true
		}
	}

	if exit {
		return RoleExit
	}

	return RoleMiddle
}
