package consensus

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/relaydir/relay"
	"github.com/stretchr/testify/require"
)

// doc joins lines into a document.
func doc(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}

// parse parses a document and fails the test on error.
func parse(t *testing.T, lines ...string) *Result {
	t.Helper()

	res, err := ParseBytes(doc(lines...))
	require.NoError(t, err)

	return res
}

// TestParseExampleEntry checks the canonical example of a full router entry
// with a key line.
func TestParseExampleEntry(t *testing.T) {
	t.Parallel()

	res := parse(t,
		"r nodeA AAAA== BBBB== 2023-01-01 00:00:00 1.2.3.4 9001 9030",
		"s Guard Valid Running",
		"w Bandwidth=1200",
		"m MDIGEST==",
	)

	require.Len(t, res.Records, 1)
	require.Equal(t, Diagnostics{Committed: 1}, res.Diagnostics)

	r := res.Records[0]
	require.Equal(t, "AAAA==", r.Fingerprint)
	require.Equal(t, "nodeA", r.Nickname)
	require.Equal(t, "1.2.3.4", r.Address)
	require.Equal(t, uint16(9001), r.ORPort)
	require.Equal(t, fn.Some[uint16](9030), r.DirPort)
	require.Equal(t, []string{"Guard", "Valid", "Running"}, r.Flags)
	require.Equal(t, uint64(1200), r.Bandwidth)
	require.Equal(t, "MDIGEST==", r.OnionKey)
	require.Equal(t, relay.RoleEntry, r.Role)
	require.Equal(t,
		fn.Some(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)),
		r.Published,
	)
}

// TestParseFlavors parses the full and the compact microdescriptor flavor and
// checks the document header.
func TestParseFlavors(t *testing.T) {
	t.Parallel()

	t.Run("full", func(t *testing.T) {
		t.Parallel()

		res := parse(t,
			"network-status-version 3",
			"vote-status consensus",
			"valid-after 2024-05-01 12:00:00",
			"fresh-until 2024-05-01 13:00:00",
			"valid-until 2024-05-01 15:00:00",
			"r exit1 AAECAwQFBgcICQoLDA0ODxAREhM "+
				"ZGlnZXN0ZGlnZXN0ZGlnZXN0ZGk "+
				"2024-05-01 10:11:12 5.6.7.8 443 80",
			"a [2001:db8::1]:443",
			"s Exit Fast Running Valid",
			"v Tor 0.4.8.10",
			"pr Cons=1-2",
			"w Bandwidth=5000 Measured=4800",
			"p accept 80,443",
			"directory-footer",
			"r ghost GGGG 2024-05-01 10:11:12 9.9.9.9 443 0",
		)

		require.Equal(t, 3, res.Header.Version)
		require.Equal(t, "ns", res.Header.Flavor)
		require.Equal(t,
			fn.Some(time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)),
			res.Header.ValidUntil,
		)
		require.True(t, res.Header.ValidAfter.IsSome())
		require.True(t, res.Header.FreshUntil.IsSome())

		require.Len(t, res.Records, 1)
		r := res.Records[0]
		require.Equal(t, "exit1", r.Nickname)
		require.Equal(t, fn.Some[uint16](80), r.DirPort)
		require.Equal(t, uint64(5000), r.Bandwidth)
		require.Equal(t, "accept 80,443", r.ExitPolicy)
		require.Empty(t, r.OnionKey)
		require.Equal(t, relay.RoleExit, r.Role)
	})

	t.Run("microdesc", func(t *testing.T) {
		t.Parallel()

		res := parse(t,
			"network-status-version 3 microdesc",
			"r guard1 AAECAwQFBgcICQoLDA0ODxAREhM "+
				"2024-05-01 10:11:12 5.6.7.8 9001 0",
			"m AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8",
			"s Fast Guard Running Stable Valid",
			"w Bandwidth=42",
			"r middle1 BBECAwQFBgcICQoLDA0ODxAREhM "+
				"2024-05-01 10:11:12 5.6.7.9 9001",
			"s Fast Running",
		)

		require.Equal(t, "microdesc", res.Header.Flavor)
		require.Len(t, res.Records, 2)

		guard := res.Records[0]
		require.Equal(t, "AAECAwQFBgcICQoLDA0ODxAREhM",
			guard.Fingerprint)
		require.Equal(t, "5.6.7.8", guard.Address)
		require.True(t, guard.DirPort.IsNone())
		require.Equal(t,
			"AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=",
			guard.OnionKey,
		)
		require.Equal(t, relay.RoleEntry, guard.Role)

		middle := res.Records[1]
		require.Equal(t, relay.RoleMiddle, middle.Role)
		require.True(t, middle.DirPort.IsNone())
		require.Zero(t, middle.Bandwidth)
	})
}

// TestParseShortRouterLine asserts that an entry with too few tokens is
// dropped without affecting the entries around it.
func TestParseShortRouterLine(t *testing.T) {
	t.Parallel()

	res := parse(t,
		"r good1 AAAA 2024-01-01 00:00:00 1.1.1.1 9001",
		"s Guard",
		"r broken BBBB 2024-01-01 00:00:00",
		"s Exit",
		"w Bandwidth=99",
		"m BROKENKEY",
		"r good2 CCCC 2024-01-01 00:00:00 2.2.2.2 9002",
		"s Exit",
		"w Bandwidth=7",
	)

	require.Equal(t, Diagnostics{Committed: 2, Skipped: 1},
		res.Diagnostics)
	require.Len(t, res.Outcomes, 3)
	require.True(t, res.Outcomes[0].IsOk())
	require.True(t, res.Outcomes[1].IsErr())
	require.True(t, res.Outcomes[2].IsOk())

	require.Equal(t, "good1", res.Records[0].Nickname)
	require.Equal(t, []string{"Guard"}, res.Records[0].Flags)

	good2 := res.Records[1]
	require.Equal(t, "good2", good2.Nickname)
	require.Equal(t, []string{"Exit"}, good2.Flags)
	require.Equal(t, uint64(7), good2.Bandwidth)
	require.Empty(t, good2.OnionKey)

	skipped := res.Skipped()
	require.Len(t, skipped, 1)
	require.Equal(t, 3, skipped[0].Entry.StartLine)
	require.True(t, errors.Is(skipped[0], ErrMalformedEntry))
}

// TestParseOptionalLineOrder checks that key, bandwidth and policy lines give
// the same record in any relative order.
func TestParseOptionalLineOrder(t *testing.T) {
	t.Parallel()

	const routerLine = "r nodeA AAAA== BBBB== 2023-01-01 00:00:00 " +
		"1.2.3.4 9001 9030"

	optional := []string{
		"w Bandwidth=1200",
		"m MDIGEST==",
		"p reject 1-65535",
	}

	permutations := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2},
		{1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}

	var first *relay.Record
	for _, perm := range permutations {
		lines := []string{routerLine, "s Exit Running"}
		for _, i := range perm {
			lines = append(lines, optional[i])
		}

		res := parse(t, lines...)
		require.Len(t, res.Records, 1, "order %v", perm)

		r := res.Records[0]
		if first == nil {
			first = &r
			continue
		}
		require.Equal(t, *first, r, "order %v", perm)
	}

	require.Equal(t, uint64(1200), first.Bandwidth)
	require.Equal(t, "MDIGEST==", first.OnionKey)
	require.Equal(t, "reject 1-65535", first.ExitPolicy)
}

// TestParseBandwidthSoftError asserts that a bad weight zeroes the bandwidth
// but keeps the router.
func TestParseBandwidthSoftError(t *testing.T) {
	t.Parallel()

	res := parse(t,
		"r a AAAA 2024-01-01 00:00:00 1.1.1.1 9001",
		"s Guard",
		"w Bandwidth=lots",
		"r b BBBB 2024-01-01 00:00:00 1.1.1.2 9001",
		"s Guard",
		"w Unmeasured=1",
		"r c CCCC 2024-01-01 00:00:00 1.1.1.3 9001",
		"w Bandwidth=-5",
	)

	require.Equal(t, Diagnostics{Committed: 3, SoftErrors: 3},
		res.Diagnostics)
	for _, r := range res.Records {
		require.Zero(t, r.Bandwidth, r.Nickname)
	}
}

// TestParseEntryBoundaries covers blank lines, duplicate fingerprints, bad
// ports and unknown lines.
func TestParseEntryBoundaries(t *testing.T) {
	t.Parallel()

	res := parse(t,
		"@downloaded-at 2024-01-01 00:00:00",
		"r a AAAA 2024-01-01 00:00:00 1.1.1.1 9001",
		"",
		"s Guard",
		"r dup AAAA 2024-01-01 00:00:00 1.1.1.9 9001",
		"s Exit",
		"r badport BBBB 2024-01-01 00:00:00 1.1.1.2 99999",
		"s Exit",
		"r zeroport CCCC 2024-01-01 00:00:00 1.1.1.3 0",
		"r nodate DDDD digest notadate 00:00:00 1.1.1.4 9001",
		"r badaddr EEEE 2024-01-01 00:00:00 not_an_ip! 9001",
		"r b FFFF 2024-01-01 00:00:00 1.1.1.5 9001 notaport",
		"unknown-keyword here",
		"s Exit",
	)

	require.Equal(t, 2, res.Diagnostics.Committed)
	require.Equal(t, 5, res.Diagnostics.Skipped)
	require.Equal(t, 1, res.Diagnostics.SoftErrors)

	// The blank line committed the first router before its flags line,
	// so the later flags were ignored.
	a := res.Records[0]
	require.Equal(t, "a", a.Nickname)
	require.Empty(t, a.Flags)

	b := res.Records[1]
	require.Equal(t, "b", b.Nickname)
	require.True(t, b.DirPort.IsNone())
	require.Equal(t, []string{"Exit"}, b.Flags)

	reasons := make([]string, 0, len(res.Skipped()))
	for _, skipped := range res.Skipped() {
		reasons = append(reasons, skipped.Reason)
	}
	require.Equal(t, []string{
		"duplicate fingerprint",
		"invalid or port",
		"invalid or port",
		"router line has no publication date",
		"invalid router entry",
	}, reasons)
}

// TestParseEmpty checks that empty input yields an empty result.
func TestParseEmpty(t *testing.T) {
	t.Parallel()

	res, err := ParseBytes(nil)
	require.NoError(t, err)
	require.Empty(t, res.Records)
	require.Empty(t, res.Outcomes)
	require.Equal(t, "ns", res.Header.Flavor)
}

// TestParseLineTooLong checks that a reader failure is returned as an error.
func TestParseLineTooLong(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxLineLength+1)
	_, err := ParseBytes([]byte(long))
	require.Error(t, err)
}
