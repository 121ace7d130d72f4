package relay

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// identityLen is the length in bytes of a relay identity digest.
const identityLen = 20

// IdentityHex converts a relay fingerprint into the upper case hex form used by
// control port queries. Both the base64 form found in consensus documents and
// an already hex encoded fingerprint (optionally prefixed with '$') are
// accepted.
func IdentityHex(fingerprint string) (string, error) {
	fp := strings.TrimPrefix(strings.TrimSpace(fingerprint), "$")

	if len(fp) == hex.EncodedLen(identityLen) {
		if _, err := hex.DecodeString(fp); err == nil {
			return strings.ToUpper(fp), nil
		}
	}

	raw, err := base64.RawStdEncoding.DecodeString(
		strings.TrimRight(fp, "="),
	)
	if err != nil {
		return "", fmt.Errorf("invalid fingerprint %q: %w",
			fingerprint, err)
	}
	if len(raw) != identityLen {
		return "", fmt.Errorf("invalid fingerprint %q: expected %d "+
			"bytes, got %d", fingerprint, identityLen, len(raw))
	}

	return strings.ToUpper(hex.EncodeToString(raw)), nil
}
