package relay

import (
	"encoding/base64"
	"strings"
)

// keyEncodings are tried in order when normalising key material found in a
// document. Tor emits unpadded standard base64 for digests and ntor keys, but
// other sources pad or use the URL alphabet.
var keyEncodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// EncodeKey returns the canonical text form of raw key material.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey reverses EncodeKey.
func DecodeKey(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// CanonicalKey normalises a key or digest token to the canonical encoding. A
// token that is not valid base64 in any of the accepted variants is returned
// verbatim, since the key material is opaque to us.
func CanonicalKey(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}

	for _, enc := range keyEncodings {
		raw, err := enc.DecodeString(token)
		if err == nil && len(raw) > 0 {
			return EncodeKey(raw)
		}
	}

	return token
}
