package tor

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestCheckVersion is a series of tests for different version strings that
// check whether they satisfy the minimum supported Tor release.
func TestCheckVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		version string
		valid   bool
	}{
		{
			version: "0.3.5.7",
			valid:   true,
		},
		{
			version: "0.3.5.8",
			valid:   true,
		},
		{
			version: "0.3.6.0",
			valid:   true,
		},
		{
			version: "0.4.8.10",
			valid:   true,
		},
		{
			version: "1.0.0.0",
			valid:   true,
		},
		{
			version: "0.3.5.7-rc",
			valid:   true,
		},
		{
			version: "0.3.5.6-rc",
			valid:   false,
		},
		{
			version: "0.3.5.6",
			valid:   false,
		},
		{
			version: "0.3.4.9",
			valid:   false,
		},
		{
			version: "0.2.9.14",
			valid:   false,
		},
		{
			version: "0.3.5",
			valid:   false,
		},
		{
			version: "0.3.5.x",
			valid:   false,
		},
		{
			version: "",
			valid:   false,
		},
	}

	for i, test := range tests {
		err := checkVersion(test.version)
		if test.valid != (err == nil) {
			t.Fatalf("test %d with version string %v failed: %v", i,
				test.version, err)
		}
	}
}

// testProxy emulates a Tor daemon and contains the info used for the tor
// controller to make connections.
type testProxy struct {
	// server is the proxy listener.
	server net.Listener

	// serverConn is the established connection from the server side.
	serverConn net.Conn

	// serverAddr is the tcp address the proxy is listening on.
	serverAddr string

	// clientConn is the established connection from the client side.
	clientConn net.Conn
}

// cleanUp is used after each test to properly close the ports/connections.
func (tp *testProxy) cleanUp() {
	// Don't bother cleaning if there's no a server created.
	if tp.server == nil {
		return
	}

	if err := tp.clientConn.Close(); err != nil {
		log.Errorf("closing client conn got err: %v", err)
	}
	if err := tp.server.Close(); err != nil {
		log.Errorf("closing proxy server got err: %v", err)
	}
}

// createTestProxy creates a proxy server to listen on a random address,
// creates a server and a client connection, and initializes a testProxy using
// these params.
func createTestProxy(t *testing.T) *testProxy {
	// Set up the proxy to listen on given port.
	//
	// NOTE: we use a port 0 here to indicate we want a free port selected
	// by the system.
	proxy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to create proxy")

	t.Logf("created proxy server to listen on address: %v", proxy.Addr())

	// Accept the connection inside a goroutine.
	serverChan := make(chan net.Conn, 1)
	go func(result chan net.Conn) {
		conn, err := proxy.Accept()
		if err != nil {
			t.Errorf("failed to accept: %v", err)
		}

		result <- conn
	}(serverChan)

	// Create the client side of the control connection.
	client, err := net.Dial("tcp", proxy.Addr().String())
	require.NoError(t, err, "failed to create connection")

	tc := &testProxy{
		server:     proxy,
		serverConn: <-serverChan,
		serverAddr: proxy.Addr().String(),
		clientConn: client,
	}

	return tc
}

// fakeTor is the server side of a scripted control port conversation.
type fakeTor struct {
	conn net.Conn
	r    *textproto.Reader
}

// expect reads one command and checks its prefix.
func (f *fakeTor) expect(prefix string) (string, error) {
	line, err := f.r.ReadLine()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(line, prefix) {
		return "", fmt.Errorf("expected %q, got %q", prefix, line)
	}

	return line, nil
}

// send writes a raw reply.
func (f *fakeTor) send(resp string) error {
	_, err := f.conn.Write([]byte(resp))
	return err
}

// respond reads one command with the given prefix and writes the reply.
func (f *fakeTor) respond(prefix, resp string) error {
	if _, err := f.expect(prefix); err != nil {
		return err
	}

	return f.send(resp)
}

// serveFakeTor accepts a single control connection and runs the script
// against it. The returned address can be used with Dial.
func serveFakeTor(t *testing.T, script func(f *fakeTor) error) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)

		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		f := &fakeTor{
			conn: conn,
			r:    textproto.NewReader(bufio.NewReader(conn)),
		}
		if err := script(f); err != nil {
			t.Errorf("fake tor: %v", err)
		}
	}()

	t.Cleanup(func() {
		_ = l.Close()
		<-done
	})

	return l.Addr().String()
}

// dialFake connects a controller to a fake Tor server.
func dialFake(t *testing.T, addr string) *Controller {
	t.Helper()

	c, err := Dial(context.Background(), Config{ControlAddr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

// TestReadResponse constructs a series of possible responses returned by Tor
// and asserts the readResponse can handle them correctly.
func TestReadResponse(t *testing.T) {
	// Create mock server and client connection.
	proxy := createTestProxy(t)
	t.Cleanup(proxy.cleanUp)
	server := proxy.serverConn

	// Create a dummy tor controller.
	c := newController(proxy.clientConn)

	testCase := []struct {
		name       string
		serverResp string

		// expectedReply is the reply text we expect the readResponse
		// to return.
		expectedReply string

		// expectedData is the data replies we expect to be collected.
		expectedData map[string]string

		// expectedCode is the code we expect the server to return.
		expectedCode int

		// returnedCode is the code we expect the readResponse to
		// return.
		returnedCode int

		// expectedErr is the error we expect the readResponse to
		// return.
		expectedErr error
	}{
		{
			// Test a simple response.
			name:          "succeed on 250",
			serverResp:    "250 OK\n",
			expectedReply: "OK",
			expectedData:  map[string]string{},
			expectedCode:  250,
			returnedCode:  250,
		},
		{
			// Test a mid reply(-) response.
			name: "succeed on mid reply line",
			serverResp: "250-field=value\n" +
				"250 OK\n",
			expectedReply: "field=value\nOK",
			expectedData:  map[string]string{},
			expectedCode:  250,
			returnedCode:  250,
		},
		{
			// Test a data reply(+) response.
			name: "succeed on data reply line",
			serverResp: "250+field=\n" +
				"line1\n" +
				"line2\n" +
				".\n" +
				"250 OK\n",
			expectedReply: "field=\nOK",
			expectedData: map[string]string{
				"field": "line1\nline2",
			},
			expectedCode: 250,
			returnedCode: 250,
		},
		{
			// Test a mixed reply response.
			name: "succeed on mixed reply line",
			serverResp: "250-field=value\n" +
				"250+other=\n" +
				"line1\n" +
				"line2\n" +
				".\n" +
				"250 OK\n",
			expectedReply: "field=value\nother=\nOK",
			expectedData: map[string]string{
				"other": "line1\nline2",
			},
			expectedCode: 250,
			returnedCode: 250,
		},
		{
			// Test a data line starting with a dot.
			name: "succeed on dot stuffed data",
			serverResp: "250+ns/all=\n" +
				"..hidden\n" +
				".\n" +
				"250 OK\n",
			expectedReply: "ns/all=\nOK",
			expectedData: map[string]string{
				"ns/all": ".hidden",
			},
			expectedCode: 250,
			returnedCode: 250,
		},
		{
			// Test unexpected code.
			name:          "fail on codes not matched",
			serverResp:    "250 ERR\n",
			expectedReply: "ERR",
			expectedData:  map[string]string{},
			expectedCode:  500,
			returnedCode:  250,
			expectedErr:   errCodeNotMatch,
		},
		{
			// Test short response error.
			name:          "fail on short response",
			serverResp:    "123\n250 OK\n",
			expectedReply: "",
			expectedData:  map[string]string{},
			expectedCode:  250,
			returnedCode:  0,
			expectedErr: textproto.ProtocolError(
				"short line: 123"),
		},
		{
			// Test invalid response error.
			name:          "fail on invalid response",
			serverResp:    "250?OK\n",
			expectedReply: "",
			expectedData:  map[string]string{},
			expectedCode:  250,
			returnedCode:  250,
			expectedErr: textproto.ProtocolError(
				"invalid line: 250?OK"),
		},
	}

	for _, tc := range testCase {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			// Let the server mocks a given response.
			_, err := server.Write([]byte(tc.serverResp))
			require.NoError(t, err, "server failed to write")

			// Read the response and checks all expectations
			// satisfied.
			resp, err := c.readResponse(tc.expectedCode)
			require.Equal(t, tc.expectedErr, err)
			require.Equal(t, tc.returnedCode, resp.code)
			require.Equal(t, tc.expectedReply, resp.text())
			require.Equal(t, tc.expectedData, resp.data)

			// Check that the read buffer is cleaned.
			require.Zero(t, c.conn.R.Buffered(),
				"read buffer not empty")
		})
	}
}

// TestParseTorReply tests that Tor replies are parsed correctly.
func TestParseTorReply(t *testing.T) {
	t.Parallel()

	testCase := []struct {
		reply          string
		expectedParams map[string]string
	}{
		{
			// Test a regular reply.
			reply: `VERSION Tor="0.4.7.8"`,
			expectedParams: map[string]string{
				"Tor": "0.4.7.8",
			},
		},
		{
			// Test a reply with multiple values, one of them
			// containing spaces.
			reply: `AUTH METHODS=COOKIE,SAFECOOKIE,HASHEDPASSWORD` +
				` COOKIEFILE="/path/with/spaces/Tor Browser/c` +
				`ontrol_auth_cookie"`,
			expectedParams: map[string]string{
				"METHODS": "COOKIE,SAFECOOKIE,HASHEDPASSWORD",
				"COOKIEFILE": "/path/with/spaces/Tor Browser/" +
					"control_auth_cookie",
			},
		},
		{
			// Test a multiline reply.
			reply:          "ServiceID=id\r\nOK",
			expectedParams: map[string]string{"ServiceID": "id"},
		},
		{
			// Test a reply with invalid parameters.
			reply:          "AUTH =invalid",
			expectedParams: map[string]string{},
		},
		{
			// Test escaping arbitrary characters.
			reply: `PARAM="esca\ped \"doub\lequotes\""`,
			expectedParams: map[string]string{
				`PARAM`: `escaped "doublequotes"`,
			},
		},
		{
			// Test escaping backslashes. Each single backslash
			// should be removed, each double backslash replaced
			// with a single one. Note that the single backslash
			// before the space escapes the space character, so
			// there's two spaces in a row.
			reply: `PARAM="escaped \\ \ \\\\"`,
			expectedParams: map[string]string{
				`PARAM`: `escaped \  \\`,
			},
		},
	}

	for _, tc := range testCase {
		params := parseTorReply(tc.reply)
		require.Equal(t, tc.expectedParams, params)
	}
}

// writeCookie stores a random cookie in a temporary file.
func writeCookie(t *testing.T) ([]byte, string) {
	t.Helper()

	cookie := make([]byte, cookieLen)
	_, err := rand.Read(cookie)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "control auth cookie")
	require.NoError(t, os.WriteFile(path, cookie, 0600))

	return cookie, path
}

// protocolInfoReply builds a PROTOCOLINFO reply.
func protocolInfoReply(methods, cookiePath string) string {
	auth := "250-AUTH METHODS=" + methods
	if cookiePath != "" {
		auth += fmt.Sprintf(" COOKIEFILE=%q", cookiePath)
	}

	return "250-PROTOCOLINFO 1\n" + auth + "\n" +
		"250-VERSION Tor=\"0.4.8.10\"\n" +
		"250 OK\n"
}

// safeCookieServer plays the server side of a SAFECOOKIE exchange using the
// given cookie.
func safeCookieServer(cookie []byte) func(f *fakeTor) error {
	return func(f *fakeTor) error {
		line, err := f.expect("AUTHCHALLENGE SAFECOOKIE ")
		if err != nil {
			return err
		}
		clientNonce, err := hex.DecodeString(
			strings.TrimPrefix(line, "AUTHCHALLENGE SAFECOOKIE "),
		)
		if err != nil {
			return err
		}

		serverNonce := make([]byte, nonceLen)
		for i := range serverNonce {
			serverNonce[i] = byte(i)
		}
		serverHash := computeHMAC256(
			serverKey, cookie, clientNonce, serverNonce,
		)
		err = f.send(fmt.Sprintf("250 AUTHCHALLENGE SERVERHASH=%x "+
			"SERVERNONCE=%x\n", serverHash, serverNonce))
		if err != nil {
			return err
		}

		line, err = f.expect("AUTHENTICATE ")
		if err != nil {
			return err
		}
		want := computeHMAC256(
			controllerKey, cookie, clientNonce, serverNonce,
		)
		if strings.TrimPrefix(line, "AUTHENTICATE ") !=
			hex.EncodeToString(want) {

			return f.send("515 Authentication failed\n")
		}

		return f.send("250 OK\n")
	}
}

// TestAuthenticate runs every supported authentication method against a fake
// Tor server.
func TestAuthenticate(t *testing.T) {
	t.Parallel()

	t.Run("null", func(t *testing.T) {
		t.Parallel()

		addr := serveFakeTor(t, func(f *fakeTor) error {
			err := f.respond("PROTOCOLINFO 1",
				protocolInfoReply("NULL", ""))
			if err != nil {
				return err
			}

			return f.respond("AUTHENTICATE", "250 OK\n")
		})

		c := dialFake(t, addr)
		require.NoError(t, c.Authenticate(
			context.Background(), Credential{},
		))
		require.Equal(t, "0.4.8.10", c.Version())
	})

	t.Run("safecookie advertised path", func(t *testing.T) {
		t.Parallel()

		cookie, path := writeCookie(t)
		addr := serveFakeTor(t, func(f *fakeTor) error {
			err := f.respond("PROTOCOLINFO 1", protocolInfoReply(
				"COOKIE,SAFECOOKIE", path,
			))
			if err != nil {
				return err
			}

			return safeCookieServer(cookie)(f)
		})

		c := dialFake(t, addr)
		require.NoError(t, c.Authenticate(
			context.Background(), Credential{},
		))
	})

	t.Run("safecookie wrong cookie", func(t *testing.T) {
		t.Parallel()

		serverCookie, _ := writeCookie(t)
		_, clientPath := writeCookie(t)
		addr := serveFakeTor(t, func(f *fakeTor) error {
			err := f.respond("PROTOCOLINFO 1",
				protocolInfoReply("SAFECOOKIE", ""))
			if err != nil {
				return err
			}

			// The client rejects our hash and hangs up.
			if _, err := f.expect("AUTHCHALLENGE"); err != nil {
				return err
			}
			nonce := make([]byte, nonceLen)
			hash := computeHMAC256(
				serverKey, serverCookie, nonce, nonce,
			)

			return f.send(fmt.Sprintf("250 AUTHCHALLENGE "+
				"SERVERHASH=%x SERVERNONCE=%x\n", hash, nonce))
		})

		c := dialFake(t, addr)
		err := c.Authenticate(context.Background(), Credential{
			CookiePath: clientPath,
		})
		require.ErrorIs(t, err, ErrAuthFailed)
		require.ErrorContains(t, err, "server hash mismatch")
	})

	t.Run("cookie", func(t *testing.T) {
		t.Parallel()

		cookie, path := writeCookie(t)
		addr := serveFakeTor(t, func(f *fakeTor) error {
			err := f.respond("PROTOCOLINFO 1",
				protocolInfoReply("COOKIE", "/nonexistent"))
			if err != nil {
				return err
			}

			return f.respond(
				fmt.Sprintf("AUTHENTICATE %x", cookie),
				"250 OK\n",
			)
		})

		c := dialFake(t, addr)
		require.NoError(t, c.Authenticate(
			context.Background(), Credential{CookiePath: path},
		))
	})

	t.Run("missing cookie", func(t *testing.T) {
		t.Parallel()

		addr := serveFakeTor(t, func(f *fakeTor) error {
			return f.respond("PROTOCOLINFO 1", protocolInfoReply(
				"COOKIE", "/nonexistent/cookie",
			))
		})

		c := dialFake(t, addr)
		err := c.Authenticate(context.Background(), Credential{})
		require.ErrorIs(t, err, ErrAuthFailed)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("password rejected", func(t *testing.T) {
		t.Parallel()

		addr := serveFakeTor(t, func(f *fakeTor) error {
			err := f.respond("PROTOCOLINFO 1",
				protocolInfoReply("HASHEDPASSWORD", ""))
			if err != nil {
				return err
			}

			return f.respond(`AUTHENTICATE "secret"`,
				"515 Authentication failed: Password did "+
					"not match\n")
		})

		c := dialFake(t, addr)
		err := c.Authenticate(context.Background(), Credential{
			Password: "secret",
		})
		require.ErrorIs(t, err, ErrAuthFailed)
		require.ErrorContains(t, err, "credentials rejected")
	})

	t.Run("no usable method", func(t *testing.T) {
		t.Parallel()

		addr := serveFakeTor(t, func(f *fakeTor) error {
			return f.respond("PROTOCOLINFO 1",
				protocolInfoReply("HASHEDPASSWORD", ""))
		})

		c := dialFake(t, addr)
		err := c.Authenticate(context.Background(), Credential{})
		require.ErrorIs(t, err, ErrAuthFailed)
		require.ErrorIs(t, err, ErrNoAuthMethod)
	})
}

// TestSendCommandDeadline asserts that an unanswered command is abandoned
// once the context expires.
func TestSendCommandDeadline(t *testing.T) {
	t.Parallel()

	addr := serveFakeTor(t, func(f *fakeTor) error {
		if _, err := f.expect("GETINFO"); err != nil {
			return err
		}

		// Wait for the client to hang up without replying.
		_, _ = f.r.ReadLine()

		return nil
	})

	c, err := Dial(context.Background(), Config{ControlAddr: addr})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(
		context.Background(), 100*time.Millisecond,
	)
	defer cancel()

	_, err = c.sendCommand(ctx, "GETINFO version")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, c.Close())
}

// TestWithControllerCloses checks that the scoped acquisition closes the
// connection after the callback returns.
func TestWithControllerCloses(t *testing.T) {
	t.Parallel()

	closed := make(chan struct{})
	addr := serveFakeTor(t, func(f *fakeTor) error {
		defer close(closed)

		err := f.respond("PROTOCOLINFO 1", protocolInfoReply("NULL", ""))
		if err != nil {
			return err
		}
		if err := f.respond("AUTHENTICATE", "250 OK\n"); err != nil {
			return err
		}

		// The next read only returns once the client hangs up.
		if _, err := f.r.ReadLine(); err == nil {
			return fmt.Errorf("expected connection to be closed")
		}

		return nil
	})

	var version string
	err := WithController(context.Background(), Config{ControlAddr: addr},
		Credential{}, func(c *Controller) error {
			version = c.Version()
			return nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, "0.4.8.10", version)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("control connection was not closed")
	}
}

// TestProbe checks the liveness probe against a fake server.
func TestProbe(t *testing.T) {
	t.Parallel()

	addr := serveFakeTor(t, func(f *fakeTor) error {
		return f.respond("PROTOCOLINFO 1", protocolInfoReply("NULL", ""))
	})

	version, err := Probe(context.Background(), Config{ControlAddr: addr})
	require.NoError(t, err)
	require.Equal(t, "0.4.8.10", version)

	// Nothing listens on a closed listener's address.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = Probe(context.Background(), Config{ControlAddr: deadAddr})
	require.Error(t, err)
}
