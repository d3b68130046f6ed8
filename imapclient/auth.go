package imapclient

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
	"github.com/bertjohnson/OpaqueMail-sub001/sasl"
	"github.com/bertjohnson/OpaqueMail-sub001/streamio"
)

// AuthMode selects the authentication command.
type AuthMode int

const (
	AuthLogin   AuthMode = iota // LOGIN command.
	AuthPlain                   // AUTHENTICATE PLAIN.
	AuthCRAMMD5                 // AUTHENTICATE CRAM-MD5.
)

func (m AuthMode) String() string {
	switch m {
	case AuthLogin:
		return "login"
	case AuthPlain:
		return "plain"
	case AuthCRAMMD5:
		return "cram-md5"
	}
	return fmt.Sprintf("authmode%d", int(m))
}

// ParseAuthMode parses "login", "plain" or "cram-md5", case-insensitive.
func ParseAuthMode(s string) (AuthMode, error) {
	switch strings.ToLower(s) {
	case "", "login":
		return AuthLogin, nil
	case "plain":
		return AuthPlain, nil
	case "cram-md5":
		return AuthCRAMMD5, nil
	}
	return 0, fmt.Errorf("unknown authentication mode %q", s)
}

// StartTLS upgrades the connection to TLS with the STARTTLS command. Cached
// capabilities are discarded.
func (s *Session) StartTLS(ctx context.Context) error {
	if s.state != StateConnected || s.idle {
		return ErrNotPermitted
	}
	if _, ok := s.conn.(*tls.Conn); ok {
		return ErrNotPermitted
	}
	if _, err := s.transact(newCmd("STARTTLS")); err != nil {
		return err
	}
	if s.pending != "" {
		// Data sent before the handshake could be injected by an attacker.
		return s.ioError(errors.New("unexpected data after starttls response"))
	}

	tlsconn := tls.Client(s.conn, s.tlsConfig())
	if err := tlsconn.HandshakeContext(ctx); err != nil {
		return s.ioError(fmt.Errorf("tls handshake: %w", err))
	}
	s.log.Debug("starttls handshake done", streamio.TLSAttrs("server", tlsconn))
	s.setConn(tlsconn)
	s.caps = nil
	return nil
}

// Authenticate logs in with username and password using mode. On success the
// session is Authenticated. Capabilities sent with the result are cached, the
// cache is invalidated otherwise.
func (s *Session) Authenticate(mode AuthMode, username, password string) error {
	if s.state != StateConnected || s.idle {
		return ErrNotPermitted
	}

	var resp Response
	var err error
	switch mode {
	case AuthLogin:
		cmd := newCmd("LOGIN ").astring(username).add(" ").astring(password)
		resp, err = s.transact(cmd)
	case AuthPlain:
		resp, err = s.authenticateSASL(sasl.Plain, username, password)
	case AuthCRAMMD5:
		resp, err = s.authenticateSASL(sasl.CRAMMD5, username, password)
	default:
		return fmt.Errorf("unknown authentication mode %v", mode)
	}
	if err != nil {
		s.log.Debugx("authentication failed", err, slog.Any("mode", mode), slog.String("username", username))
		return err
	}

	s.state = StateAuthenticated
	s.caps = nil
	if caps, ok := parseCapabilityCode(resp.Text); ok {
		s.setCaps(caps)
	} else if caps, ok := parseCapabilityLines(resp.Lines()); ok {
		s.setCaps(caps)
	}
	s.log.Debug("authenticated", slog.Any("mode", mode), slog.String("username", username))
	return nil
}

// authenticateSASL runs AUTHENTICATE with a SASL mechanism, answering each
// continuation from the server.
func (s *Session) authenticateSASL(mech, username, password string) (resp Response, rerr error) {
	verb := "AUTHENTICATE"
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

	client, err := sasl.NewClient(mech, username, password)
	if err != nil {
		return Response{}, err
	}
	_, ir, err := client.Start()
	if err != nil {
		return Response{}, fmt.Errorf("sasl start: %w", err)
	}

	tag := s.nextTag()
	s.lastCommand = "AUTHENTICATE " + mech
	s.deadline()
	if err := s.write(tag + " AUTHENTICATE " + mech + "\r\n"); err != nil {
		return Response{}, s.ioError(err)
	}

	s.tw.SetTrace(mlog.LevelTraceauth)
	s.tr.SetTrace(mlog.LevelTraceauth)
	defer func() {
		s.tw.SetTrace(mlog.LevelTrace)
		s.tr.SetTrace(mlog.LevelTrace)
	}()

	first := true
	for {
		resp, err = s.readResponse(tag, true)
		if err != nil {
			return resp, s.ioError(err)
		}
		if !resp.continuation {
			resp.Command = s.lastCommand
			return resp, s.result(verb, resp, nil)
		}

		var out []byte
		if first && ir != nil {
			out = ir
		} else {
			challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(resp.Text))
			if err != nil {
				// Abort the exchange, the server will respond with BAD.
				s.log.Debugx("bad sasl challenge from server", err)
				if err := s.write("*\r\n"); err != nil {
					return Response{}, s.ioError(err)
				}
				continue
			}
			out, err = client.Next(challenge)
			if err != nil {
				s.log.Debugx("sasl next", err)
				if err := s.write("*\r\n"); err != nil {
					return Response{}, s.ioError(err)
				}
				continue
			}
		}
		first = false
		if err := s.write(base64.StdEncoding.EncodeToString(out) + "\r\n"); err != nil {
			return Response{}, s.ioError(err)
		}
	}
}
