package tor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// success is the Tor Control response code representing a successful
	// request.
	success = 250

	// internalError is returned by Tor when a GETINFO key is known but the
	// requested object is not available.
	internalError = 551

	// unrecognizedEntity is returned by Tor when a GETINFO key, such as the
	// identity in md/id/<hex>, is not recognized.
	unrecognizedEntity = 552

	// authFailed is returned by Tor when the credentials in an
	// AUTHENTICATE command are rejected.
	authFailed = 515

	// nonceLen is the length of a nonce generated by either the controller
	// or the Tor server.
	nonceLen = 32

	// cookieLen is the length of the authentication cookie.
	cookieLen = 32

	// ProtocolInfoVersion is the `protocolinfo` version currently supported
	// by the Tor server.
	ProtocolInfoVersion = 1

	// MinTorVersion is the oldest Tor release whose control port answers
	// all queries issued by the controller.
	MinTorVersion = "0.3.5.7"
)

var (
	// serverKey is the key used when computing the HMAC-SHA256 of a message
	// from the server.
	serverKey = []byte("Tor safe cookie authentication " +
		"server-to-controller hash")

	// controllerKey is the key used when computing the HMAC-SHA256 of a
	// message from the controller.
	controllerKey = []byte("Tor safe cookie authentication " +
		"controller-to-server hash")

	// errCodeNotMatch is used when an expected response code is not
	// returned.
	errCodeNotMatch = errors.New("unexpected code")

	// replyFieldRegexp matches the key=value pairs of a reply line. Quoted
	// values may contain spaces and escaped characters.
	replyFieldRegexp = regexp.MustCompile(
		`(\S+)=("(?:\\.|[^"\\])*"|\S+)`,
	)
)

// Config describes how to reach a Tor control port.
type Config struct {
	// ControlAddr is the host:port of the control port.
	ControlAddr string

	// Dial overrides the dialer used to open the control connection.
	Dial func(ctx context.Context, network,
		addr string) (net.Conn, error)
}

// Controller is a client of the Tor control protocol. It issues one command at
// a time over a single connection.
//
// NOTE: The controller is not safe to share between goroutines that need
// concurrent queries; each worker should dial its own.
type Controller struct {
	// mu serializes commands on the connection.
	mu sync.Mutex

	// netConn is the raw connection, used to apply deadlines.
	netConn net.Conn

	// conn is the textproto view of netConn.
	conn *textproto.Conn

	// controlAddr is the address the controller is connected to.
	controlAddr string

	// version is the Tor version reported by PROTOCOLINFO.
	version string
}

// reply is a parsed control port response.
type reply struct {
	// code is the status code of the final line.
	code int

	// lines holds the text of every reply line after the status code and
	// separator. Data replies only contribute their "key=" prefix.
	lines []string

	// data maps the key of each data reply to its unescaped lines.
	data map[string]string
}

// text returns the reply lines joined by newlines.
func (r *reply) text() string {
	return strings.Join(r.lines, "\n")
}

// value returns the value of a key reported either as a data reply or as a
// single key=value line.
func (r *reply) value(key string) (string, bool) {
	if v, ok := r.data[key]; ok {
		return v, true
	}

	prefix := key + "="
	for _, line := range r.lines {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix), true
		}
	}

	return "", false
}

// Dial opens a new control connection. The connection is not authenticated.
func Dial(ctx context.Context, cfg Config) (*Controller, error) {
	dial := cfg.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	log.Debugf("Connecting to Tor control port at %v", cfg.ControlAddr)

	conn, err := dial(ctx, "tcp", cfg.ControlAddr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to Tor control "+
			"port %v: %w", cfg.ControlAddr, err)
	}

	c := newController(conn)
	c.controlAddr = cfg.ControlAddr

	return c, nil
}

// newController wraps an established connection.
func newController(conn net.Conn) *Controller {
	return &Controller{
		netConn: conn,
		conn:    textproto.NewConn(conn),
	}
}

// WithController dials and authenticates a controller, runs f and closes the
// connection on every exit path.
func WithController(ctx context.Context, cfg Config, cred Credential,
	f func(*Controller) error) error {

	c, err := Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Debugf("Unable to close control connection: %v",
				err)
		}
	}()

	if err := c.Authenticate(ctx, cred); err != nil {
		return err
	}

	return f(c)
}

// Probe checks that a Tor control port is reachable and answering by issuing
// a PROTOCOLINFO request. It returns the Tor version reported.
func Probe(ctx context.Context, cfg Config) (string, error) {
	c, err := Dial(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer c.Close()

	info, err := c.protocolInfo(ctx)
	if err != nil {
		return "", err
	}

	return info.version(), nil
}

// Version returns the Tor version learned during authentication.
func (c *Controller) Version() string {
	return c.version
}

// Close closes the control connection.
func (c *Controller) Close() error {
	if c.conn == nil {
		return nil
	}

	log.Tracef("Closing control connection to %v", c.controlAddr)

	return c.conn.Close()
}

// sendCommand sends a command to the Tor server and returns its reply. The
// context bounds the whole exchange.
func (c *Controller) sendCommand(ctx context.Context,
	command string) (*reply, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	var resp *reply
	err := c.withDeadline(ctx, func() error {
		id, err := c.conn.Cmd("%s", command)
		if err != nil {
			return err
		}

		// Make sure our reader only process the response sent for the
		// above command.
		c.conn.StartResponse(id)
		defer c.conn.EndResponse(id)

		resp, err = c.readResponse(success)

		return err
	})
	if err != nil {
		log.Debugf("sendCommand:%s got err:%v", redact(command), err)
		return resp, err
	}

	return resp, nil
}

// withDeadline runs f with the context's deadline and cancellation applied to
// the underlying connection.
func (c *Controller) withDeadline(ctx context.Context, f func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.netConn != nil {
		deadline, _ := ctx.Deadline()
		if err := c.netConn.SetDeadline(deadline); err != nil {
			return err
		}

		// A cancelled context aborts any blocked read or write.
		done := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			defer close(done)
			_ = c.netConn.SetDeadline(time.Unix(1, 0))
		})
		defer func() {
			if !stop() {
				<-done
			}
			_ = c.netConn.SetDeadline(time.Time{})
		}()
	}

	err := f()
	switch {
	case err == nil:
		return nil

	case ctx.Err() != nil:
		return fmt.Errorf("tor control: %w", ctx.Err())

	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("tor control: %w", context.DeadlineExceeded)
	}

	return err
}

// readResponse reads the replies from Tor to the controller. The reply has the
// following format,
//
//	Reply = SyncReply / AsyncReply
//	SyncReply = *(MidReplyLine / DataReplyLine) EndReplyLine
//	AsyncReply = *(MidReplyLine / DataReplyLine) EndReplyLine
//
//	MidReplyLine = StatusCode "-" ReplyLine
//	DataReplyLine = StatusCode "+" ReplyLine CmdData
//	EndReplyLine = StatusCode SP ReplyLine
//	ReplyLine = [ReplyText] CRLF
//	ReplyText = XXXX
//	StatusCode = 3DIGIT
//
// Unless specified otherwise, multiple lines in a single reply from Tor daemon
// to the controller are guaranteed to share the same status code. Read more on
// this topic:
//
//	https://gitweb.torproject.org/torspec.git/tree/control-spec.txt#n158
//
// NOTE: this code is influenced by https://github.com/Yawning/bulb.
func (c *Controller) readResponse(expected int) (resp *reply, err error) {
	resp = &reply{data: make(map[string]string)}

	// Clean the buffer if there are unread data left.
	defer func() {
		if err != nil {
			buf := make([]byte, c.conn.R.Buffered())
			_, _ = c.conn.R.Read(buf)
		}
	}()

	for {
		var line string
		line, err = c.conn.Reader.ReadLine()
		if err != nil {
			return resp, err
		}
		log.Tracef("Reading line: %v", line)

		// A line shorter than 4 bytes is not allowed.
		if len(line) < 4 {
			err = textproto.ProtocolError("short line: " + line)
			return resp, err
		}

		// Parse the status code.
		resp.code, err = strconv.Atoi(line[0:3])
		if err != nil {
			resp.code = 0
			return resp, err
		}

		switch line[3] {
		// EndReplyLine = StatusCode SP ReplyLine.
		// Example: 250 OK
		// This is the end of the response, so we return the reply.
		case ' ':
			resp.lines = append(resp.lines, line[4:])
			if resp.code != expected {
				err = errCodeNotMatch
			}
			return resp, err

		// MidReplyLine = StatusCode "-" ReplyLine
		// Example: 250-version=...
		// This is a line in the middle of the response, so we continue
		// reading.
		case '-':
			resp.lines = append(resp.lines, line[4:])

		// DataReplyLine = StatusCode "+" ReplyLine CmdData
		// Example: 250+config-text=
		//          line1
		//          line2
		//          .
		// This is a data response, meaning the following multiple lines
		// are the actual data, and a dot(.) in the last line means the
		// end of the data. The data lines are stored under the key in
		// front of the '='.
		case '+':
			head := line[4:]
			resp.lines = append(resp.lines, head)
			key, _, _ := strings.Cut(head, "=")

			var data []string
			for {
				line, err = c.conn.Reader.ReadLine()
				if err != nil {
					return resp, err
				}
				if line == "." {
					break
				}

				// Leading dots are doubled on the wire.
				data = append(data, strings.TrimPrefix(line, "."))
			}
			resp.data[key] = strings.Join(data, "\n")

		default:
			err = textproto.ProtocolError("invalid line: " + line)
			return resp, err
		}
	}
}

// parseTorReply parses the reply from the Tor server after receiving a
// command from a controller. This will parse the relevant reply parameters
// into a map of keys and values.
func parseTorReply(reply string) map[string]string {
	params := make(map[string]string)

	// Find all fields of a reply. The -1 indicates that we want this to
	// find all instances of the regexp.
	contents := replyFieldRegexp.FindAllStringSubmatch(reply, -1)
	for _, content := range contents {
		// Each match has the complete string, the key and the value.
		if len(content) != 3 {
			continue
		}

		key, value := content[1], content[2]

		// Quoted values may contain escaped characters, so we remove
		// the quotes and unescape them.
		if len(value) >= 2 && strings.HasPrefix(value, `"`) &&
			strings.HasSuffix(value, `"`) {

			value = unescapeValue(value[1 : len(value)-1])
		}

		params[key] = value
	}

	return params
}

// unescapeValue removes escape codes from a quoted value: every backslash is
// dropped and the character following it is kept verbatim.
func unescapeValue(value string) string {
	var (
		sb       strings.Builder
		escaping bool
	)
	for _, c := range value {
		if !escaping && c == '\\' {
			escaping = true
			continue
		}

		escaping = false
		sb.WriteRune(c)
	}

	return sb.String()
}

// redact hides the credential in AUTHENTICATE commands.
func redact(command string) string {
	if strings.HasPrefix(command, "AUTHENTICATE ") {
		return "AUTHENTICATE [redacted]"
	}

	return command
}

// checkVersion ensures the Tor version string is at least MinTorVersion. A
// pre-release suffix on the build number, such as "-rc", is ignored.
func checkVersion(version string) error {
	parse := func(v string) ([]int, error) {
		parts := strings.Split(v, ".")
		if len(parts) != 4 {
			return nil, errors.New("version string is not of the " +
				"format major.minor.revision.build")
		}

		// It's possible that the build number (the last part of the
		// version string) includes a pre-release string, e.g. rc,
		// beta, etc., so we'll parse that as well.
		build, _, _ := strings.Cut(parts[3], "-")
		parts[3] = build

		nums := make([]int, len(parts))
		for i, part := range parts {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("version string "+
					"contains non-numeric part %q", part)
			}
			nums[i] = n
		}

		return nums, nil
	}

	have, err := parse(version)
	if err != nil {
		return err
	}
	want, err := parse(MinTorVersion)
	if err != nil {
		return err
	}

	for i := range want {
		switch {
		case have[i] > want[i]:
			return nil

		case have[i] < want[i]:
			return fmt.Errorf("version %v below minimum %v",
				version, MinTorVersion)
		}
	}

	return nil
}
