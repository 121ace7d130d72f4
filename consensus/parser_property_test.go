package consensus

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/relaydir/relay"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	testFlagNames = []string{
		"Authority", "BadExit", "Exit", "Fast", "Guard", "HSDir",
		"Running", "Stable", "V2Dir", "Valid",
	}

	testPolicies = []string{
		"accept 80,443", "accept 1-65535", "reject 1-65535",
		"accept 22,53,80,443,6660-6669",
	}
)

// routerEntry is a generated router entry together with the record the parser
// is expected to build from it.
type routerEntry struct {
	lines []string
	want  relay.Record
}

// genRouterEntry draws a well formed router entry. The fingerprint starts
// with the given index so that entries of one document are distinct.
func genRouterEntry(t *rapid.T, idx int) routerEntry {
	label := fmt.Sprintf("entry%d", idx)

	identity := rapid.SliceOfN(rapid.Byte(), 19, 19).Draw(
		t, label+"_identity",
	)
	fingerprint := base64.RawStdEncoding.EncodeToString(
		append([]byte{byte(idx)}, identity...),
	)

	nickname := rapid.StringMatching(`[A-Za-z0-9]{1,19}`).Draw(
		t, label+"_nickname",
	)
	ip := rapid.SliceOfN(rapid.Byte(), 4, 4).Draw(t, label+"_ip")
	address := net.IPv4(ip[0], ip[1], ip[2], ip[3]).String()
	orPort := rapid.Uint16Range(1, 65535).Draw(t, label+"_orport")
	dirPort := rapid.Uint16().Draw(t, label+"_dirport")
	published := time.Unix(
		rapid.Int64Range(946684800, 1893456000).Draw(
			t, label+"_published",
		), 0,
	).UTC()

	params := relay.RecordParams{
		Fingerprint: fingerprint,
		Nickname:    nickname,
		Address:     address,
		ORPort:      orPort,
		DirPort:     fn.None[uint16](),
		Published:   fn.Some(published),
	}
	if dirPort != 0 {
		params.DirPort = fn.Some(dirPort)
	}

	// The full flavor carries a descriptor digest in front of the date.
	tokens := []string{"r", nickname, fingerprint}
	if rapid.Bool().Draw(t, label+"_full") {
		digest := rapid.SliceOfN(rapid.Byte(), 20, 20).Draw(
			t, label+"_digest",
		)
		tokens = append(
			tokens, base64.RawStdEncoding.EncodeToString(digest),
		)
	}
	tokens = append(tokens,
		published.Format(timeLayout), address,
		fmt.Sprint(orPort), fmt.Sprint(dirPort),
	)

	var optional []string
	if rapid.Bool().Draw(t, label+"_has_flags") {
		flags := rapid.SliceOfN(
			rapid.SampledFrom(testFlagNames), 0, 8,
		).Draw(t, label+"_flags")
		params.Flags = flags
		optional = append(optional, strings.Join(
			append([]string{"s"}, flags...), " ",
		))
	}
	if rapid.Bool().Draw(t, label+"_has_bandwidth") {
		bw := rapid.Uint64().Draw(t, label+"_bandwidth")
		params.Bandwidth = bw
		optional = append(optional, fmt.Sprintf("w Bandwidth=%d", bw))
	}
	if rapid.Bool().Draw(t, label+"_has_key") {
		key := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(
			t, label+"_key",
		)
		params.OnionKey = relay.EncodeKey(key)
		optional = append(optional,
			"m "+base64.RawStdEncoding.EncodeToString(key))
	}
	if rapid.Bool().Draw(t, label+"_has_policy") {
		policy := rapid.SampledFrom(testPolicies).Draw(
			t, label+"_policy",
		)
		params.ExitPolicy = policy
		optional = append(optional, "p "+policy)
	}

	// The optional lines may come in any order.
	optional = rapid.Permutation(optional).Draw(t, label+"_order")

	want, err := relay.NewRecord(params)
	require.NoError(t, err)

	return routerEntry{
		lines: append([]string{strings.Join(tokens, " ")}, optional...),
		want:  want,
	}
}

// testParseEntryProperties asserts that every well formed router entry is
// committed with exactly the attributes it was generated from, regardless of
// flavor and of the order of its optional lines.
func testParseEntryProperties(t *rapid.T) {
	n := rapid.IntRange(1, 6).Draw(t, "num_entries")

	lines := []string{"network-status-version 3 microdesc"}
	want := make([]relay.Record, 0, n)
	for i := 0; i < n; i++ {
		entry := genRouterEntry(t, i)
		lines = append(lines, entry.lines...)
		want = append(want, entry.want)

		if rapid.Bool().Draw(t, fmt.Sprintf("blank%d", i)) {
			lines = append(lines, "")
		}
	}
	lines = append(lines, "directory-footer")

	res, err := ParseBytes(doc(lines...))
	require.NoError(t, err)

	require.Equal(t, Diagnostics{Committed: n}, res.Diagnostics)
	require.Equal(t, want, res.Records)
	require.Len(t, res.Outcomes, n)
}

// TestParseEntryProperties runs the router entry properties.
func TestParseEntryProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, testParseEntryProperties)
}

// testParseNeverFails asserts that arbitrary input never makes the parser
// return an error, and that every entry is either committed or skipped.
func testParseNeverFails(t *rapid.T) {
	lines := rapid.SliceOf(rapid.OneOf(
		rapid.StringMatching(`r( [A-Za-z0-9=:.-]{0,12}){0,9}`),
		rapid.StringMatching(`[swmp]( [A-Za-z0-9=,]{0,12}){0,4}`),
		rapid.SampledFrom([]string{"", "directory-footer"}),
		rapid.String(),
	)).Draw(t, "lines")

	res, err := ParseBytes([]byte(strings.Join(lines, "\n")))
	require.NoError(t, err)

	d := res.Diagnostics
	require.Len(t, res.Outcomes, d.Committed+d.Skipped)
	require.Len(t, res.Records, d.Committed)

	fingerprints := make(map[string]struct{}, len(res.Records))
	for _, r := range res.Records {
		require.NotContains(t, fingerprints, r.Fingerprint)
		fingerprints[r.Fingerprint] = struct{}{}
	}
}

// TestParseNeverFails runs the parser robustness property.
func TestParseNeverFails(t *testing.T) {
	t.Parallel()

	rapid.Check(t, testParseNeverFails)
}

// FuzzParseEntryProperties is a fuzz harness for the router entry properties.
func FuzzParseEntryProperties(f *testing.F) {
	f.Fuzz(rapid.MakeFuzz(testParseEntryProperties))
}
