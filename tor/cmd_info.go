package tor

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/lightningnetwork/relaydir/consensus"
	"github.com/lightningnetwork/relaydir/relay"
)

var (
	// ErrRouterNotFound is returned when the Tor server has no descriptor
	// for the requested router.
	ErrRouterNotFound = errors.New("router not found")

	// ErrNoOnionKey is returned when a descriptor carries no key material.
	ErrNoOnionKey = errors.New("descriptor has no onion key")
)

const (
	// keyNetworkStatus is the GETINFO key for the router status summary.
	keyNetworkStatus = "ns/all"

	// keyMicrodescPrefix prefixes the GETINFO key for a microdescriptor.
	keyMicrodescPrefix = "md/id/"

	// keyDescriptorPrefix prefixes the GETINFO key for a full server
	// descriptor.
	keyDescriptorPrefix = "desc/id/"

	// ntorKeyKeyword introduces the curve25519 onion key.
	ntorKeyKeyword = "ntor-onion-key"

	// onionKeyKeyword introduces the PEM encoded RSA onion key.
	onionKeyKeyword = "onion-key"
)

// getInfo issues a GETINFO request for a single key and returns its value.
func (c *Controller) getInfo(ctx context.Context, key string) (string, error) {
	resp, err := c.sendCommand(ctx, "GETINFO "+key)
	if err != nil {
		if resp != nil && (resp.code == unrecognizedEntity ||
			resp.code == internalError) {

			return "", fmt.Errorf("%w: %v", ErrRouterNotFound,
				resp.text())
		}

		return "", fmt.Errorf("GETINFO %v: %w", key, err)
	}

	value, ok := resp.value(key)
	if !ok {
		return "", fmt.Errorf("%w: no %v in reply", ErrRouterNotFound,
			key)
	}

	return value, nil
}

// Summaries fetches the status of every router known to the Tor server and
// parses it into records. The records carry no key material, which has to be
// fetched per router with Detail.
func (c *Controller) Summaries(ctx context.Context) ([]relay.Record,
	consensus.Diagnostics, error) {

	// If successful, the reply from the server should be of the following
	// format:
	//
	//	C: GETINFO ns/all
	//	S: 250+ns/all=
	//	S: r nickname identity digest 2024-05-01 10:11:12 1.2.3.4 9001 0
	//	S: s Fast Running Valid
	//	S: w Bandwidth=1200
	//	S: .
	//	S: 250 OK
	doc, err := c.getInfo(ctx, keyNetworkStatus)
	if err != nil {
		return nil, consensus.Diagnostics{}, err
	}

	result, err := consensus.ParseBytes([]byte(doc))
	if err != nil {
		return nil, consensus.Diagnostics{}, err
	}

	log.Debugf("Received %d router summaries from %v",
		len(result.Records), c.controlAddr)

	return result.Records, result.Diagnostics, nil
}

// Detail fetches the descriptor of a single router and returns its onion key
// in canonical form. The microdescriptor is tried first, then the full server
// descriptor. ErrRouterNotFound is returned when neither is known.
func (c *Controller) Detail(ctx context.Context,
	fingerprint string) (string, error) {

	// A malformed fingerprint only affects this router, the session
	// stays usable.
	id, err := relay.IdentityHex(fingerprint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRouterNotFound, err)
	}

	var desc string
	for _, prefix := range []string{keyMicrodescPrefix,
		keyDescriptorPrefix} {

		desc, err = c.getInfo(ctx, prefix+id)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrRouterNotFound) {
			return "", err
		}

		log.Tracef("No %v descriptor for %v", prefix, id)
	}
	if err != nil {
		return "", err
	}

	key, err := extractOnionKey(desc)
	if err != nil {
		return "", fmt.Errorf("router %v: %w", id, err)
	}

	return key, nil
}

// extractOnionKey returns the key material of a microdescriptor or server
// descriptor. The ntor key is preferred. Descriptors that only carry the
// legacy RSA key yield the DER bytes of its PEM block.
func extractOnionKey(desc string) (string, error) {
	lines := strings.Split(desc, "\n")
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == ntorKeyKeyword {
			return relay.CanonicalKey(fields[1]), nil
		}
	}

	for i, line := range lines {
		if strings.TrimSpace(line) != onionKeyKeyword {
			continue
		}

		rest := strings.Join(lines[i+1:], "\n")
		block, _ := pem.Decode([]byte(rest))
		if block == nil || len(block.Bytes) == 0 {
			break
		}

		return relay.EncodeKey(block.Bytes), nil
	}

	return "", ErrNoOnionKey
}
