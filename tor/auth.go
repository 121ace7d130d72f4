package tor

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrAuthFailed is returned when the control port rejects our
	// credentials or they cannot be produced.
	ErrAuthFailed = errors.New("tor control authentication failed")

	// ErrNoAuthMethod is returned when the Tor server supports none of the
	// authentication methods available to us.
	ErrNoAuthMethod = errors.New("no supported authentication method")
)

// Credential holds the material used to authenticate to a control port.
type Credential struct {
	// CookiePath is the path of the authentication cookie. When empty,
	// the COOKIEFILE advertised by the server is used.
	CookiePath string

	// Password is the plain text HashedControlPassword secret.
	Password string
}

// protocolInfo encompasses the details of a response to a PROTOCOLINFO
// command.
type protocolInfo map[string]string

// version returns the Tor version as reported by the server.
func (i protocolInfo) version() string {
	return strings.Trim(i["Tor"], "\"")
}

// supportsAuthMethod determines whether the Tor server supports the given
// authentication method.
func (i protocolInfo) supportsAuthMethod(method string) bool {
	methods, ok := i["METHODS"]
	if !ok {
		return false
	}

	for _, m := range strings.Split(methods, ",") {
		if m == method {
			return true
		}
	}

	return false
}

// cookieFilePath returns the path of the file within the Tor data directory
// that contains the authentication cookie.
func (i protocolInfo) cookieFilePath() string {
	return strings.Trim(i["COOKIEFILE"], "\"")
}

// protocolInfo requests the details of the Tor server's authentication
// methods and version.
func (c *Controller) protocolInfo(ctx context.Context) (protocolInfo, error) {
	cmd := fmt.Sprintf("PROTOCOLINFO %d", ProtocolInfoVersion)
	resp, err := c.sendCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}

	// If successful, the reply from the server should be of the following
	// format:
	//
	//	"250-PROTOCOLINFO 1"
	//	"250-AUTH METHODS=COOKIE,SAFECOOKIE COOKIEFILE="/path/to/cookie""
	//	"250-VERSION Tor="0.4.8.10""
	//	"250 OK"
	return protocolInfo(parseTorReply(resp.text())), nil
}

// Authenticate authenticates the connection. The first method supported by
// the server is used, in the order NULL, HASHEDPASSWORD (when a password is
// configured), SAFECOOKIE and COOKIE. Every failure, including an unreadable
// cookie, wraps ErrAuthFailed.
func (c *Controller) Authenticate(ctx context.Context, cred Credential) error {
	info, err := c.protocolInfo(ctx)
	if err != nil {
		return fmt.Errorf("%w: unable to retrieve protocol info: %w",
			ErrAuthFailed, err)
	}

	// With the version retrieved, we'll cache it now in case it needs to
	// be used later on.
	c.version = info.version()
	if err := checkVersion(c.version); err != nil {
		log.Warnf("Tor at %v may not answer all queries: %v",
			c.controlAddr, err)
	}

	switch {
	case info.supportsAuthMethod("NULL"):
		err = c.authCommand(ctx, "AUTHENTICATE")

	case cred.Password != "" && info.supportsAuthMethod("HASHEDPASSWORD"):
		err = c.authCommand(ctx, fmt.Sprintf("AUTHENTICATE %q",
			cred.Password))

	case info.supportsAuthMethod("SAFECOOKIE"):
		var cookie []byte
		cookie, err = readCookie(cred, info)
		if err == nil {
			err = c.safeCookieAuth(ctx, cookie)
		}

	case info.supportsAuthMethod("COOKIE"):
		var cookie []byte
		cookie, err = readCookie(cred, info)
		if err == nil {
			err = c.authCommand(ctx, fmt.Sprintf("AUTHENTICATE %x",
				cookie))
		}

	default:
		err = fmt.Errorf("%w: server offers %v", ErrNoAuthMethod,
			info["METHODS"])
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	log.Debugf("Authenticated to Tor %v at %v", c.version, c.controlAddr)

	return nil
}

// authCommand sends an AUTHENTICATE command and translates a rejection.
func (c *Controller) authCommand(ctx context.Context, cmd string) error {
	resp, err := c.sendCommand(ctx, cmd)
	if err != nil && resp != nil && resp.code == authFailed {
		return fmt.Errorf("credentials rejected: %v", resp.text())
	}

	return err
}

// safeCookieAuth runs the SAFECOOKIE challenge-response exchange.
func (c *Controller) safeCookieAuth(ctx context.Context, cookie []byte) error {
	// Generate a random nonce that will be used for the AUTHCHALLENGE
	// command.
	clientNonce := make([]byte, nonceLen)
	if _, err := rand.Read(clientNonce); err != nil {
		return fmt.Errorf("unable to generate client nonce: %w", err)
	}

	// Initiate the authentication process by sending an AUTHCHALLENGE
	// command.
	cmd := fmt.Sprintf("AUTHCHALLENGE SAFECOOKIE %x", clientNonce)
	resp, err := c.sendCommand(ctx, cmd)
	if err != nil {
		return err
	}

	// If successful, the reply from the server should be of the following
	// format:
	//
	//	"250 AUTHCHALLENGE SERVERHASH=serverhash SERVERNONCE=servernonce"
	challenge := parseTorReply(resp.text())

	serverHash, err := hex.DecodeString(challenge["SERVERHASH"])
	if err != nil || len(serverHash) != sha256.Size {
		return errors.New("invalid server hash in auth challenge")
	}
	serverNonce, err := hex.DecodeString(challenge["SERVERNONCE"])
	if err != nil || len(serverNonce) != nonceLen {
		return errors.New("invalid server nonce in auth challenge")
	}

	// Using the cookie, client nonce, and server nonce, we'll compute the
	// expected server hash and make sure it matches what the server sent.
	expected := computeHMAC256(serverKey, cookie, clientNonce, serverNonce)
	if !hmac.Equal(serverHash, expected) {
		return errors.New("server hash mismatch")
	}

	// Once we've verified the server hash, we'll compute our own client
	// hash and send it to the server to finish the authentication.
	clientHash := computeHMAC256(
		controllerKey, cookie, clientNonce, serverNonce,
	)

	return c.authCommand(ctx, fmt.Sprintf("AUTHENTICATE %x", clientHash))
}

// readCookie reads the authentication cookie from the configured path, or
// from the path advertised by the server.
func readCookie(cred Credential, info protocolInfo) ([]byte, error) {
	path := cred.CookiePath
	if path == "" {
		path = info.cookieFilePath()
	}
	if path == "" {
		return nil, errors.New("no cookie path configured or " +
			"advertised")
	}

	cookie, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read cookie: %w", err)
	}

	// Tor requires the cookie to be exactly 32 bytes.
	if len(cookie) != cookieLen {
		return nil, fmt.Errorf("invalid cookie length %d in %v",
			len(cookie), path)
	}

	return cookie, nil
}

// computeHMAC256 computes the HMAC-SHA256 of a key and the concatenation of
// the cookie and both nonces.
func computeHMAC256(key, cookie, clientNonce, serverNonce []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(cookie)
	h.Write(clientNonce)
	h.Write(serverNonce)

	return h.Sum(nil)
}
