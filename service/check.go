package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/bertjohnson/OpaqueMail-sub001/config"
	"github.com/bertjohnson/OpaqueMail-sub001/imapclient"
	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
)

// CheckResult is the outcome of CheckRelay.
type CheckResult struct {
	Addr         string
	Welcome      string
	Capabilities string
	Inbox        imapclient.Mailbox
	Duration     time.Duration
}

// CheckOpts are parameters for CheckRelay.
type CheckOpts struct {
	// Connect to the local address of the relay instead of the remote server,
	// testing a running relay.
	ViaRelay bool

	AuthMode imapclient.AuthMode

	TLSConfig *tls.Config // Optional base config.
	Timeout   time.Duration
}

// Dial connects to the remote server of a relay, or through the relay itself
// with ViaRelay, and logs in with the account configured for the relay. The
// returned session is Authenticated.
func Dial(ctx context.Context, log mlog.Log, conf *Config, name string, opts CheckOpts) (*imapclient.Session, error) {
	r, ok := conf.Static.Relays[name]
	if !ok {
		return nil, fmt.Errorf("unknown relay %q", name)
	}
	if r.Username == "" {
		return nil, fmt.Errorf("relay %s has no username and password configured", name)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	host, port, useTLS := r.RemoteHost, RemotePort(r), r.RemoteTLS
	tlsConfig := opts.TLSConfig.Clone()
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	if opts.ViaRelay {
		host, port, useTLS = r.LocalIP, r.LocalPort, r.LocalTLS != nil
		if host == "" {
			host = "127.0.0.1"
		}
		// The relay may well have a self-signed certificate for a different name.
		tlsConfig.InsecureSkipVerify = true
	} else {
		tlsConfig.ServerName = r.RemoteHost
		tlsConfig.InsecureSkipVerify = r.RemoteTLSSkipVerify
	}

	log = log.With(slog.String("relay", name), slog.String("addr", net.JoinHostPort(host, strconv.Itoa(port))))
	s := imapclient.New(host, port, useTLS, imapclient.Opts{
		Logger:    log.Logger,
		Timeout:   opts.Timeout,
		TLSConfig: tlsConfig,
	})
	if err := s.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := s.Authenticate(opts.AuthMode, r.Username, r.Password); err != nil {
		err2 := s.Close()
		log.Check(err2, "closing imap session")
		return nil, fmt.Errorf("authenticate with %s: %w", opts.AuthMode, err)
	}
	return s, nil
}

// CheckRelay connects to the remote server of a relay, or through the relay
// itself, logs in with the configured account and examines the inbox.
func CheckRelay(ctx context.Context, log mlog.Log, conf *Config, name string, opts CheckOpts) (result CheckResult, rerr error) {
	start := time.Now()
	s, err := Dial(ctx, log, conf, name, opts)
	if err != nil {
		return result, err
	}
	defer func() {
		err := s.Close()
		log.Check(err, "closing imap session")
	}()
	result.Addr = net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	result.Welcome = s.Welcome()

	caps, err := s.Capability()
	if err != nil {
		return result, fmt.Errorf("capability: %w", err)
	}
	result.Capabilities = caps.String()

	mb, err := s.Examine("INBOX")
	if err != nil {
		return result, fmt.Errorf("examine inbox: %w", err)
	}
	result.Inbox = mb

	if err := s.Logout(); err != nil {
		return result, fmt.Errorf("logout: %w", err)
	}
	result.Duration = time.Since(start)
	log.Debug("relay check done", slog.String("relay", name), slog.Duration("duration", result.Duration))
	return result, nil
}

// RemotePort is the remote port of relay r, with the default filled in.
func RemotePort(r config.Relay) int {
	if r.RemotePort != 0 {
		return r.RemotePort
	}
	if r.RemoteTLS {
		return 993
	}
	return 143
}
