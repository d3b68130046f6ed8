package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bertjohnson/OpaqueMail-sub001/certstore"
	"github.com/bertjohnson/OpaqueMail-sub001/config"
	"github.com/bertjohnson/OpaqueMail-sub001/dns"
	"github.com/bertjohnson/OpaqueMail-sub001/imapproxy"
	"github.com/bertjohnson/OpaqueMail-sub001/metrics"
	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
)

// Opts are optional parameters for NewHost.
type Opts struct {
	Resolver dns.Resolver

	// Base TLS config for connections to remote servers.
	RemoteTLSConfig *tls.Config

	// Called when a relay is throttled by its remote server.
	Throttled func(relay string, tm time.Time)
}

// Host runs a proxy for each configured relay.
type Host struct {
	Config *Config
	Store  *certstore.Store

	log     mlog.Log
	proxies []*imapproxy.Proxy
	lns     []net.Listener
	closers []io.Closer

	acmeLn net.Listener

	stopOnce sync.Once
}

// NewHost opens the certificate store, creates the proxies and binds their
// listeners. Serving starts with Run.
func NewHost(ctx context.Context, log mlog.Log, conf *Config, opts Opts) (rh *Host, rerr error) {
	h := &Host{Config: conf, log: log}
	defer func() {
		if rerr != nil {
			h.Stop()
		}
	}()

	dataDir := conf.DataDirPath("")
	if err := os.MkdirAll(dataDir, 0770); err != nil {
		return nil, fmt.Errorf("making data directory: %v", err)
	}
	store, err := certstore.Open(ctx, log, conf.DataDirPath("certs.db"))
	if err != nil {
		return nil, fmt.Errorf("opening certificate store: %v", err)
	}
	h.Store = store

	for _, name := range conf.RelayNames() {
		r := conf.Static.Relays[name]
		logger, closer := relayLogger(conf, name)
		if closer != nil {
			h.closers = append(h.closers, closer)
		}
		popts := imapproxy.Opts{
			Logger:          logger,
			Resolver:        opts.Resolver,
			RemoteTLSConfig: opts.RemoteTLSConfig,
			CertStore:       store,
			Scope:           conf.Scope,
			Throttled:       opts.Throttled,
		}
		if r.LocalTLS != nil {
			popts.TLSConfig = r.LocalTLS.Config
		}
		p, err := imapproxy.New(ctx, name, r, popts)
		if err != nil {
			return nil, err
		}
		h.proxies = append(h.proxies, p)
	}

	for _, p := range h.proxies {
		ln, err := p.Listen()
		if err != nil {
			return nil, err
		}
		h.lns = append(h.lns, ln)
	}

	if acme := conf.Static.ACME; acme != nil && acme.Manager != nil {
		addr := net.JoinHostPort("", strconv.Itoa(config.Port(acme.Port, 443)))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen for acme validation: %v", err)
		}
		h.acmeLn = tls.NewListener(ln, acme.Manager.ACMETLSConfig)
	}

	return h, nil
}

// Proxies returns the proxies, sorted by relay name.
func (h *Host) Proxies() []*imapproxy.Proxy {
	return h.proxies
}

// Proxy returns the proxy for relay name, or nil.
func (h *Host) Proxy(name string) *imapproxy.Proxy {
	for _, p := range h.proxies {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Status returns the status of all relays.
func (h *Host) Status() []imapproxy.Status {
	l := make([]imapproxy.Status, len(h.proxies))
	for i, p := range h.proxies {
		l[i] = p.Status()
	}
	return l
}

// Run serves all relays until ctx is canceled or a relay fails, then stops all
// relays.
func (h *Host) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range h.proxies {
		ln := h.lns[i]
		g.Go(func() error {
			return p.Serve(ln)
		})
	}
	if h.acmeLn != nil {
		g.Go(func() error {
			h.serveACME(h.acmeLn)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		h.Stop()
		return nil
	})
	return g.Wait()
}

// serveACME completes TLS handshakes for tls-alpn-01 validation requests.
func (h *Host) serveACME(ln net.Listener) {
	log := h.log.With(slog.String("listener", "acme"))
	log.Print("listening for acme validation", slog.Any("addr", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Debugx("acme listener stopped", err)
			return
		}
		go func() {
			defer func() {
				x := recover()
				if x != nil {
					log.Error("acme validation panic", slog.Any("panic", x))
					debug.PrintStack()
					metrics.PanicInc("service")
				}
			}()
			defer conn.Close()

			tlsConn := conn.(*tls.Conn)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			err := tlsConn.HandshakeContext(ctx)
			log.Debugx("acme validation handshake", err, slog.Any("remote", conn.RemoteAddr()))
		}()
	}
}

// Stop stops all relays, then closes the certificate store and log files. Safe
// to call multiple times.
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		for _, p := range h.proxies {
			p.Stop()
		}
		// Listeners not yet passed to Serve.
		for _, ln := range h.lns {
			ln.Close()
		}
		if h.acmeLn != nil {
			h.acmeLn.Close()
		}
		if h.Store != nil {
			err := h.Store.Close()
			h.log.Check(err, "closing certificate store")
		}
		for _, c := range h.closers {
			err := c.Close()
			h.log.Check(err, "closing relay log file")
		}
	})
}
