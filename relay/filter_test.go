package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// mustRecord builds a record or fails the test.
func mustRecord(t *testing.T, fp string, bw uint64,
	flags ...string) Record {

	t.Helper()

	r, err := NewRecord(RecordParams{
		Fingerprint: fp,
		Nickname:    "relay" + fp,
		Address:     "10.0.0.1",
		ORPort:      9001,
		Flags:       flags,
		Bandwidth:   bw,
	})
	require.NoError(t, err)

	return r
}

// TestFilterPolicy exercises role, bandwidth and flag requirements.
func TestFilterPolicy(t *testing.T) {
	t.Parallel()

	guard := mustRecord(t, "A", 100, "Guard", "Running")
	exit := mustRecord(t, "B", 0, "Exit", "Running")
	middle := mustRecord(t, "C", 500, "Running")
	idleGuard := mustRecord(t, "D", 10, "Guard")

	all := []Record{guard, exit, middle, idleGuard}

	tests := []struct {
		name   string
		policy FilterPolicy
		kept   []string
	}{
		{
			name:   "default keeps entry and exit",
			policy: DefaultFilterPolicy(),
			kept:   []string{"A", "B", "D"},
		},
		{
			name:   "zero value policy uses default roles",
			policy: FilterPolicy{},
			kept:   []string{"A", "B", "D"},
		},
		{
			name:   "strictly positive bandwidth",
			policy: FilterPolicy{MinBandwidth: 1},
			kept:   []string{"A", "D"},
		},
		{
			name:   "higher bandwidth threshold",
			policy: FilterPolicy{MinBandwidth: 50},
			kept:   []string{"A"},
		},
		{
			name: "middle relays only",
			policy: FilterPolicy{
				Roles: []Role{RoleMiddle},
			},
			kept: []string{"C"},
		},
		{
			name: "required flags",
			policy: FilterPolicy{
				RequireFlags: []string{"Running"},
			},
			kept: []string{"A", "B"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			var kept []string
			for _, r := range test.policy.Apply(all) {
				kept = append(kept, r.Fingerprint)
			}
			require.Equal(t, test.kept, kept)
		})
	}
}

// TestFilterDropsZeroBandwidthEntry covers a node that has an accepted role
// but no weight under a minimum of one.
func TestFilterDropsZeroBandwidthEntry(t *testing.T) {
	t.Parallel()

	policy := FilterPolicy{MinBandwidth: 1}
	require.False(t, policy.Allows(mustRecord(t, "E", 0, "Guard")))
	require.False(t, policy.Allows(mustRecord(t, "F", 0, "Exit")))
	require.True(t, policy.Allows(mustRecord(t, "G", 1, "Exit")))
}
