/*
Package imapclient is an IMAP4rev1 client with a stateful session.

A Session tracks the connection state (Disconnected, Connected, Authenticated,
Selected), the selected mailbox, and the capabilities of the server. Commands
are strictly sequential: a Session must not be used from multiple goroutines at
the same time.

Commands return Go errors. A NO or BAD result is returned as *Error, and the
text of the result is available through LastError. Commands issued in a state
that does not permit them return ErrNotPermitted without any I/O. Connection
errors wrap streamio.ErrDisconnected and leave the session Disconnected.

Protocol traces are logged with prefixes "CR: " and "CW: " (client read/write)
at mlog trace levels, with credentials at LevelTraceauth and message data at
LevelTracedata.
*/
package imapclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
	"github.com/bertjohnson/OpaqueMail-sub001/streamio"
)

var (
	metricCommand = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opaquemail_imapclient_command_duration_seconds",
			Help:    "IMAP client command duration and result.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60},
		},
		[]string{
			"cmd",
			"result", // ok, no, bad, error
		},
	)
)

// ErrNotPermitted is returned for commands that are not allowed in the current
// state of the session, e.g. FETCH without a selected mailbox. Nothing is written
// to the connection.
var ErrNotPermitted = errors.New("command not permitted in current session state")

// State is the connection state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	}
	return fmt.Sprintf("state%d", int(s))
}

// Opts are optional settings for a session.
type Opts struct {
	Logger *slog.Logger

	// Read/write deadline for each command. Zero means no deadline.
	Timeout time.Duration

	// For implicit TLS and STARTTLS. If nil, a config verifying the host name is
	// used.
	TLSConfig *tls.Config
}

// Session is a connection to an IMAP server.
type Session struct {
	Host string
	Port int
	TLS  bool // Whether TLS is started immediately after connecting.

	opts Opts
	log  mlog.Log

	conn net.Conn
	tr   *streamio.TraceReader
	tw   *streamio.TraceWriter
	bw   *bufio.Writer
	buf  []byte

	// Data read after a tagged response line, for the next response.
	pending string

	state   State
	idle    bool
	idleTag string
	tagGen  int64
	mailbox Mailbox

	caps       *Capabilities
	capsAuthed bool // Whether caps were retrieved in authenticated state.

	welcome      string
	lastCommand  string
	lastResponse string
	lastError    string
}

// New returns a session for host and port in Disconnected state. Use Connect to
// open the connection.
func New(host string, port int, useTLS bool, opts Opts) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		Host: host,
		Port: port,
		TLS:  useTLS,
		opts: opts,
		log:  mlog.New("imapclient", opts.Logger),
		buf:  make([]byte, 16*1024),
	}
}

// Connect dials the server, starts TLS if configured, and reads the greeting.
// On failure, the session is Disconnected.
func (s *Session) Connect(ctx context.Context) error {
	if s.state != StateDisconnected {
		return ErrNotPermitted
	}

	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	var d net.Dialer
	if s.opts.Timeout > 0 {
		d.Timeout = s.opts.Timeout
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.lastError = err.Error()
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if s.TLS {
		tlsconn := tls.Client(conn, s.tlsConfig())
		if err := tlsconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			s.lastError = err.Error()
			return fmt.Errorf("tls handshake: %w", err)
		}
		s.log.Debug("tls client handshake done", streamio.TLSAttrs("server", tlsconn))
		conn = tlsconn
	}
	return s.Attach(conn)
}

// Attach uses an established connection, reading the greeting from it. Connect
// uses Attach after dialing. Attach is also useful with connections from
// net.Pipe and for connections set up by the caller.
func (s *Session) Attach(conn net.Conn) error {
	if s.state != StateDisconnected {
		return ErrNotPermitted
	}
	s.setConn(conn)
	s.state = StateConnected
	s.pending = ""
	s.caps = nil

	s.deadline()
	line, err := s.readLine()
	if err != nil {
		return s.ioError(err)
	}
	s.lastResponse = line
	s.welcome = strings.TrimSuffix(line, "\r\n")

	switch {
	case hasPrefixFold(line, "* OK"):
	case hasPrefixFold(line, "* PREAUTH"):
		s.state = StateAuthenticated
	default:
		// Includes "* BYE".
		s.lastError = strings.TrimSpace(strings.TrimPrefix(s.welcome, "*"))
		s.disconnect()
		return fmt.Errorf("%w: greeting: %s", streamio.ErrDisconnected, s.welcome)
	}
	if caps, ok := parseCapabilityCode(line); ok {
		s.setCaps(caps)
	}
	s.log.Debug("connected", slog.String("greeting", s.welcome), slog.Any("state", s.state))
	return nil
}

func (s *Session) tlsConfig() *tls.Config {
	if s.opts.TLSConfig != nil {
		return s.opts.TLSConfig
	}
	return &tls.Config{ServerName: s.Host, MinVersion: tls.VersionTLS12}
}

func (s *Session) setConn(conn net.Conn) {
	s.conn = conn
	s.tr = streamio.NewTraceReader(s.log, "CR: ", conn)
	s.tw = streamio.NewTraceWriter(s.log, "CW: ", conn)
	s.bw = bufio.NewWriter(s.tw)
}

func (s *Session) deadline() {
	if s.opts.Timeout > 0 && s.conn != nil {
		err := s.conn.SetDeadline(time.Now().Add(s.opts.Timeout))
		s.log.Check(err, "setting deadline")
	}
}

// Close closes the connection without logging out.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.state = StateDisconnected
	s.idle = false
	return err
}

func (s *Session) disconnect() {
	if s.conn != nil {
		err := s.conn.Close()
		s.log.Check(err, "closing connection")
		s.conn = nil
	}
	s.state = StateDisconnected
	s.idle = false
	s.mailbox = Mailbox{}
}

// ioError closes the connection and returns err, wrapping ErrDisconnected.
func (s *Session) ioError(err error) error {
	s.lastError = err.Error()
	s.log.Debugx("connection error, disconnecting", err)
	s.disconnect()
	if !errors.Is(err, streamio.ErrDisconnected) {
		err = fmt.Errorf("%w: %w", streamio.ErrDisconnected, err)
	}
	return err
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.state
}

// Idling returns whether an IDLE command is in progress.
func (s *Session) Idling() bool {
	return s.idle
}

// Welcome returns the greeting line of the server, without CRLF.
func (s *Session) Welcome() string {
	return s.welcome
}

// Mailbox returns the currently selected mailbox. Zero if none is selected.
func (s *Session) Mailbox() Mailbox {
	return s.mailbox
}

// LastCommand returns the last command written, without tag. Credentials are
// not included.
func (s *Session) LastCommand() string {
	return s.lastCommand
}

// LastResponse returns the raw response text read for the last command.
func (s *Session) LastResponse() string {
	return s.lastResponse
}

// LastError returns the error text of the last failed command. For NO and BAD
// results, this is the text following the status.
func (s *Session) LastError() string {
	return s.lastError
}

func (s *Session) authenticated() bool {
	return s.state == StateAuthenticated || s.state == StateSelected
}

// permit checks whether a command needing minimum state can be issued.
func (s *Session) permit(minimum State) error {
	if s.state == StateDisconnected || s.state < minimum || s.idle {
		return ErrNotPermitted
	}
	return nil
}

func (s *Session) nextTag() string {
	s.tagGen++
	return strconv.FormatInt(s.tagGen, 10)
}

// transact writes cmd with a new tag and reads its response. Literals in cmd are
// only sent after the server sent a continuation. NO and BAD results are returned
// as *Error along with the response.
func (s *Session) transact(cmd *cmdBuf) (resp Response, rerr error) {
	verb := cmd.verb()
	t0 := time.Now()
	defer func() {
		result := "ok"
		var e *Error
		if errors.As(rerr, &e) {
			result = strings.ToLower(string(e.Status))
		} else if rerr != nil {
			result = "error"
		}
		metricCommand.WithLabelValues(verb, result).Observe(float64(time.Since(t0)) / float64(time.Second))
	}()

	tag := s.nextTag()
	s.lastCommand = cmd.String()
	level := mlog.LevelTrace
	if verb == "LOGIN" {
		s.lastCommand = "LOGIN ..."
		level = mlog.LevelTraceauth
		s.tw.SetTrace(level)
		defer s.tw.SetTrace(mlog.LevelTrace)
	}
	s.deadline()

	line := tag + " " + cmd.parts[0]
	for i, lit := range cmd.lits {
		if err := s.write(line + "\r\n"); err != nil {
			return Response{}, s.ioError(err)
		}
		resp, err := s.readResponse(tag, true)
		if err != nil {
			return resp, s.ioError(err)
		}
		if !resp.continuation {
			// Server rejected the command before the literal.
			resp.Command = s.lastCommand
			return resp, s.result(verb, resp, nil)
		}
		if verb == "APPEND" {
			s.tw.SetTrace(mlog.LevelTracedata)
		}
		err = s.write(lit)
		s.tw.SetTrace(level)
		if err != nil {
			return Response{}, s.ioError(err)
		}
		line = cmd.parts[i+1]
	}
	if err := s.write(line + "\r\n"); err != nil {
		return Response{}, s.ioError(err)
	}

	resp, err := s.readResponse(tag, false)
	resp.Command = s.lastCommand
	return resp, s.result(verb, resp, err)
}

// result processes the outcome of reading a response, updating the last error.
func (s *Session) result(verb string, resp Response, err error) error {
	if err != nil {
		return s.ioError(err)
	}
	s.lastResponse = resp.Body
	if resp.Status == OK {
		if caps, ok := parseCapabilityCode(resp.Text); ok {
			s.setCaps(caps)
		}
		return nil
	}
	s.lastError = resp.Text
	s.log.Debug("command failed", slog.String("cmd", verb), slog.Any("status", resp.Status), slog.String("text", resp.Text))
	return &Error{Status: resp.Status, Command: verb, Text: resp.Text}
}

// write writes text without appending CRLF and flushes.
func (s *Session) write(text string) error {
	if s.conn == nil {
		return streamio.ErrDisconnected
	}
	return streamio.WriteAll(s.bw, text)
}

// simple executes a command without result data.
func (s *Session) simple(minimum State, format string, args ...any) error {
	if err := s.permit(minimum); err != nil {
		return err
	}
	_, err := s.transact(newCmd(format, args...))
	return err
}

// Noop sends NOOP, e.g. to poll for mailbox changes or keep the connection
// alive. Untagged EXISTS and RECENT updates are applied to the selected mailbox.
func (s *Session) Noop() error {
	if err := s.permit(StateConnected); err != nil {
		return err
	}
	resp, err := s.transact(newCmd("NOOP"))
	if err == nil && s.state == StateSelected {
		s.mailbox = s.mailbox.updated(resp.Lines())
	}
	return err
}

// Logout sends LOGOUT and closes the connection. The capability cache is
// invalidated through the change of authentication state.
func (s *Session) Logout() error {
	if s.state == StateDisconnected {
		return ErrNotPermitted
	}
	if s.idle {
		if err := s.Done(); err != nil {
			return err
		}
	}
	_, err := s.transact(newCmd("LOGOUT"))
	var e *Error
	if err != nil && !errors.As(err, &e) {
		// Server may close the connection right after BYE.
		if errors.Is(err, streamio.ErrDisconnected) {
			err = nil
		}
	}
	s.disconnect()
	return err
}
