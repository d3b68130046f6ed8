// Package imapproxy relays IMAP connections from local mail clients to a
// remote IMAP server, with TLS on either leg.
//
// Relayed data is passed through unchanged. The relay watches the protocol to
// find messages in FETCH responses and APPEND commands. Signing certificates of
// S/MIME messages are installed into the certificate store in the background,
// so replies can be encrypted to the sender later on.
package imapproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bertjohnson/OpaqueMail-sub001/certstore"
	"github.com/bertjohnson/OpaqueMail-sub001/config"
	"github.com/bertjohnson/OpaqueMail-sub001/dns"
	"github.com/bertjohnson/OpaqueMail-sub001/metrics"
	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
	"github.com/bertjohnson/OpaqueMail-sub001/ratelimit"
	"github.com/bertjohnson/OpaqueMail-sub001/streamio"
)

// RejectLine is sent to clients whose IP is not accepted.
const RejectLine = "* BYE Connection rejected by proxy IP filter\r\n"

// ThrottleInterval is the minimum time between two throttle notices.
const ThrottleInterval = 20 * time.Minute

// Opts are the parameters for New besides the relay configuration.
type Opts struct {
	// Logger for the relay, e.g. writing to the relay log file as well. If nil,
	// the default logger is used.
	Logger *slog.Logger

	Resolver dns.Resolver // If nil, a StrictResolver is used.

	// TLS configuration for connections from mail clients, required if the relay
	// has LocalTLS.
	TLSConfig *tls.Config

	// Base TLS configuration for connections to the remote server, e.g. with
	// RootCAs for testing. ServerName and InsecureSkipVerify are set from the
	// relay configuration.
	RemoteTLSConfig *tls.Config

	// Certificate store for signing certificates. If nil, no certificates are
	// imported.
	CertStore *certstore.Store
	Scope     certstore.Scope

	// Hostname of this machine, for the localhost IP filter. Default os.Hostname.
	Hostname string

	// Throttled is called when the remote server signals throttling, at most once
	// per ThrottleInterval. Optional.
	Throttled func(name string, tm time.Time)
}

// Proxy relays connections for one configured relay.
type Proxy struct {
	Name string

	relay    config.Relay
	opts     Opts
	log      mlog.Log
	resolver dns.Resolver
	filter   *IPFilter
	timeout  time.Duration

	// Context for background work, canceled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	cid      atomic.Int64
	throttle ratelimit.Gate

	// Limits on connections per client IP and network.
	connectionRate *ratelimit.Limiter
	connections    *ratelimit.Limiter

	total         atomic.Int64
	bytesToServer atomic.Int64
	bytesToClient atomic.Int64

	imports sync.WaitGroup

	mu      sync.Mutex
	ln      net.Listener
	conns   map[*relayConn]struct{}
	stopped bool
}

// New returns a proxy for relay, ready for Serve.
func New(ctx context.Context, name string, relay config.Relay, opts Opts) (*Proxy, error) {
	log := mlog.New("imapproxy", opts.Logger).With(slog.String("relay", name))
	if relay.LocalTLS != nil && opts.TLSConfig == nil {
		return nil, fmt.Errorf("relay %s: local tls configured, but no tls config", name)
	}
	if relay.RemoteHost == "" {
		return nil, fmt.Errorf("relay %s: missing remote host", name)
	}
	if opts.Resolver == nil {
		opts.Resolver = dns.StrictResolver{Pkg: "imapproxy", Log: log.Logger}
	}
	accepted := relay.AcceptedIPs
	if accepted == "" {
		accepted = "localhost"
	}
	filter, err := ParseIPFilter(ctx, log, opts.Resolver, opts.Hostname, accepted)
	if err != nil {
		return nil, fmt.Errorf("relay %s: accepted ips: %w", name, err)
	}
	timeout := relay.Timeout
	if timeout == 0 {
		timeout = config.DefaultTimeout
	}

	p := &Proxy{
		Name:     name,
		relay:    relay,
		opts:     opts,
		log:      log,
		resolver: opts.Resolver,
		filter:   filter,
		timeout:  timeout,
		throttle: ratelimit.Gate{Interval: ThrottleInterval},
		connectionRate: &ratelimit.Limiter{
			Windows: []ratelimit.Window{
				{Size: time.Minute, Limits: [...]int64{300, 900, 2700}},
			},
		},
		connections: &ratelimit.Limiter{
			Windows: []ratelimit.Window{
				// Period never ends, Add with -1 when a connection closes.
				{Size: time.Duration(1<<63 - 1), Limits: [...]int64{100, 200, 400}},
			},
		},
		conns: map[*relayConn]struct{}{},
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.cid.Store(time.Now().UnixMilli())
	return p, nil
}

// Addr returns the configured address to listen on.
func (p *Proxy) Addr() string {
	ip := p.relay.LocalIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	return net.JoinHostPort(ip, strconv.Itoa(p.relay.LocalPort))
}

// RemoteAddr returns the configured remote host and port.
func (p *Proxy) RemoteAddr() string {
	return net.JoinHostPort(p.relay.RemoteHost, strconv.Itoa(p.remotePort()))
}

func (p *Proxy) remotePort() int {
	if p.relay.RemoteTLS {
		return config.Port(p.relay.RemotePort, 993)
	}
	return config.Port(p.relay.RemotePort, 143)
}

// Listen listens on the configured address. Use Serve to accept connections.
func (p *Proxy) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", p.Addr())
	if err != nil {
		return nil, fmt.Errorf("relay %s: listen: %w", p.Name, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until Stop is called, starting a relay for
// each. Serve returns nil after Stop.
func (p *Proxy) Serve(ln net.Listener) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		ln.Close()
		return nil
	}
	p.ln = ln
	p.mu.Unlock()

	p.log.Print("relaying imap",
		slog.Any("addr", ln.Addr()),
		slog.String("remote", p.RemoteAddr()),
		slog.Bool("localtls", p.relay.LocalTLS != nil),
		slog.Bool("remotetls", p.relay.RemoteTLS),
		slog.String("acceptedips", p.filter.String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if p.isStopped() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("relay %s: accept: %w", p.Name, err)
			}
			p.log.Infox("accept", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		go p.serve(p.cid.Add(1), conn)
	}
}

func (p *Proxy) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Stop closes the listener and all relayed connections, then waits for
// certificate imports to finish.
func (p *Proxy) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.ln != nil {
		err := p.ln.Close()
		p.log.Check(err, "closing listener")
	}
	conns := make([]*relayConn, 0, len(p.conns))
	for rc := range p.conns {
		conns = append(conns, rc)
	}
	p.mu.Unlock()

	for _, rc := range conns {
		rc.close(p.log.WithCid(rc.cid))
	}
	p.imports.Wait()
	p.cancel()
	p.log.Info("relay stopped", slog.Int("connections", len(conns)))
}

// background runs fn in a goroutine that Stop waits for. After Stop, fn is not
// run.
func (p *Proxy) background(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.imports.Add(1)
	go func() {
		defer p.imports.Done()
		fn()
	}()
}

func (p *Proxy) register(rc *relayConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.conns[rc] = struct{}{}
	return true
}

func (p *Proxy) unregister(rc *relayConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, rc)
}

// serve sets up a relayed connection: checks the client IP, does TLS with the
// client, connects to the remote server and starts the two relay directions.
func (p *Proxy) serve(cid int64, nc net.Conn) {
	log := p.log.WithCid(cid)

	var remoteIP net.IP
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP
	} else {
		// For net.Pipe, during tests.
		remoteIP = net.ParseIP("127.0.0.10")
	}
	rc := &relayConn{cid: cid, remoteIP: remoteIP, start: time.Now(), client: nc}

	var started bool
	defer func() {
		if started {
			return
		}
		rc.close(log)
		x := recover()
		if x != nil {
			log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc("imapproxy")
		}
	}()

	log.Info("new connection",
		slog.Any("remote", nc.RemoteAddr()),
		slog.Any("local", nc.LocalAddr()),
		slog.Bool("tls", p.relay.LocalTLS != nil))

	if !p.filter.Allow(remoteIP) {
		log.Info("connection rejected by ip filter", slog.Any("remoteip", remoteIP))
		metricConnection.WithLabelValues(p.Name, "ipfilter").Inc()
		p.reject(log, nc, RejectLine)
		return
	}
	if !p.connectionRate.Add(remoteIP, time.Now(), 1) {
		metricConnection.WithLabelValues(p.Name, "ratelimit").Inc()
		p.reject(log, nc, "* BYE connection rate from your ip or network too high, slow down please\r\n")
		return
	}
	if !p.connections.Add(remoteIP, time.Now(), 1) {
		log.Debug("refusing connection due to many open connections", slog.Any("remoteip", remoteIP))
		metricConnection.WithLabelValues(p.Name, "ratelimit").Inc()
		p.reject(log, nc, "* BYE too many open connections from your ip or network\r\n")
		return
	}
	releaseConn := func() { p.connections.Add(remoteIP, time.Now(), -1) }
	if !p.register(rc) {
		releaseConn()
		return
	}
	defer func() {
		if !started {
			p.unregister(rc)
			releaseConn()
		}
	}()

	keepalive(log, nc)

	if p.relay.LocalTLS != nil {
		tlsConn := tls.Server(nc, p.opts.TLSConfig)
		ctx, cancel := context.WithTimeout(p.ctx, time.Minute)
		err := tlsConn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			log.Infox("tls handshake with client", err)
			metricConnection.WithLabelValues(p.Name, "tls").Inc()
			return
		}
		log.Debug("tls with client", streamio.TLSAttrs("client", tlsConn))
		if !rc.setConn(log, "client", tlsConn) {
			return
		}
	}

	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()
	server, err := p.dial(ctx, log)
	if err != nil {
		log.Errorx("connecting to remote server", err, slog.String("remote", p.RemoteAddr()))
		metricConnection.WithLabelValues(p.Name, "dial").Inc()
		return
	}
	if !rc.setConn(log, "server", server) {
		return
	}
	keepalive(log, server)

	if p.relay.RemoteTLS {
		tlsConn := tls.Client(server, p.remoteTLSConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			log.Errorx("tls handshake with remote server", err, slog.String("remote", p.RemoteAddr()))
			metricConnection.WithLabelValues(p.Name, "remotetls").Inc()
			return
		}
		log.Debug("tls with remote server", streamio.TLSAttrs("server", tlsConn))
		if !rc.setConn(log, "server", tlsConn) {
			return
		}
	}

	metricConnection.WithLabelValues(p.Name, "ok").Inc()
	p.total.Add(1)
	started = true
	p.start(log, rc, releaseConn)
}

// start launches the two relay directions.
func (p *Proxy) start(log mlog.Log, rc *relayConn, release func()) {
	var im *importer
	if p.opts.CertStore != nil && !p.relay.NoCertificateImport {
		im = newImporter(p.ctx, log, p.opts.CertStore, p.opts.Scope, "relay "+p.Name, p.background)
	}
	dispatch := func(msg []byte) {
		if im != nil {
			im.dispatch(msg)
		}
	}

	cs := &clientSniffer{log: log, dispatch: dispatch}
	ss := &serverSniffer{log: log, dispatch: dispatch, throttled: p.throttled, refused: cs.refused}

	done := func() {
		if rc.finished.Add(1) == 2 {
			p.unregister(rc)
			release()
		}
	}
	go p.pump(log, rc, toServer, rc.client, rc.server, &rc.bytesToServer, &p.bytesToServer, cs, done)
	go p.pump(log, rc, toClient, rc.server, rc.client, &rc.bytesToClient, &p.bytesToClient, ss, done)
}

// pump runs one direction of a relayed connection. When it stops, both legs are
// closed, so the other direction stops too.
func (p *Proxy) pump(log mlog.Log, rc *relayConn, dir direction, src, dst net.Conn, counter, total *atomic.Int64, sn sniffer, done func()) {
	defer func() {
		rc.close(log)
		n := counter.Load()
		total.Add(n)
		metricBytes.WithLabelValues(p.Name, string(dir)).Add(float64(n))

		x := recover()
		if x != nil {
			log.Error("unhandled panic", slog.Any("err", x), slog.String("direction", string(dir)))
			debug.PrintStack()
			metrics.PanicInc("imapproxy")
		}
		if cs, ok := sn.(*clientSniffer); ok {
			log.Info("connection closed",
				slog.Int64("bytestoserver", n),
				slog.Int64("bytestoclient", rc.bytesToClient.Load()),
				slog.String("lastcommand", cs.lastVerb),
				slog.Duration("duration", time.Since(rc.start)))
		}
		done()
	}()

	err := relay(log, src, dst, p.timeout, counter, sn)
	if err != nil {
		log.Infox("relay stopped", err, slog.String("direction", string(dir)))
	}
}

// reject writes line to the client and closes the connection.
func (p *Proxy) reject(log mlog.Log, nc net.Conn, line string) {
	err := nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	log.Check(err, "setting write deadline")
	err = streamio.WriteAll(nc, line)
	if err != nil && !streamio.IsClosed(err) {
		log.Debugx("writing rejection", err)
	}
}

func (p *Proxy) throttled() {
	now := time.Now()
	if !p.throttle.Pass(now) {
		return
	}
	metricThrottled.WithLabelValues(p.Name).Inc()
	p.log.Error("remote server is throttling connections", slog.String("remote", p.RemoteAddr()))
	if p.opts.Throttled != nil {
		p.opts.Throttled(p.Name, now)
	}
}

// dial connects to the remote server, trying each of its IPs.
func (p *Proxy) dial(ctx context.Context, log mlog.Log) (net.Conn, error) {
	var ips []net.IP
	if ip := net.ParseIP(p.relay.RemoteHost); ip != nil {
		ips = []net.IP{ip}
	} else {
		host := p.relay.RemoteDomain
		if host.IsZero() {
			d, err := dns.ParseDomain(p.relay.RemoteHost)
			if err != nil {
				return nil, fmt.Errorf("parsing remote host: %w", err)
			}
			host = d
		}
		addrs, _, err := p.resolver.LookupIPAddr(ctx, host.Absolute())
		if err != nil {
			return nil, fmt.Errorf("resolving remote host: %w", err)
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}

	var dialer net.Dialer
	var lastErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(p.remotePort()))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			log.Debug("connected to remote server", slog.String("addr", addr))
			return conn, nil
		}
		log.Debugx("dialing remote server", err, slog.String("addr", addr))
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no ips for remote host")
	}
	return nil, lastErr
}

func (p *Proxy) remoteTLSConfig() *tls.Config {
	var config *tls.Config
	if p.opts.RemoteTLSConfig != nil {
		config = p.opts.RemoteTLSConfig.Clone()
	} else {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if config.ServerName == "" {
		if !p.relay.RemoteDomain.IsZero() {
			config.ServerName = p.relay.RemoteDomain.ASCII
		} else {
			config.ServerName = p.relay.RemoteHost
		}
	}
	config.InsecureSkipVerify = p.relay.RemoteTLSSkipVerify
	return config
}

// Many IMAP clients use IDLE, keepalive helps find broken connections early.
func keepalive(log mlog.Log, nc net.Conn) {
	if tcpconn, ok := nc.(*net.TCPConn); ok {
		if err := tcpconn.SetKeepAlivePeriod(5 * time.Minute); err != nil {
			log.Errorx("setting keepalive period", err)
		} else if err := tcpconn.SetKeepAlive(true); err != nil {
			log.Errorx("enabling keepalive", err)
		}
	}
}

// Status is a snapshot of the state of a relay.
type Status struct {
	Name              string
	Addr              string
	Remote            string
	Connections       int   // Currently open.
	TotalConnections  int64 // Successfully relayed since start.
	BytesToServer     int64 // For closed connections.
	BytesToClient     int64
	LastThrottled     time.Time
	CertificateImport bool
}

// Status returns the current state.
func (p *Proxy) Status() Status {
	p.mu.Lock()
	n := len(p.conns)
	p.mu.Unlock()
	return Status{
		Name:              p.Name,
		Addr:              p.Addr(),
		Remote:            p.RemoteAddr(),
		Connections:       n,
		TotalConnections:  p.total.Load(),
		BytesToServer:     p.bytesToServer.Load(),
		BytesToClient:     p.bytesToClient.Load(),
		LastThrottled:     p.throttle.Last(),
		CertificateImport: p.opts.CertStore != nil && !p.relay.NoCertificateImport,
	}
}
