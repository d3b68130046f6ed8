package imapproxy

import (
	"bufio"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bertjohnson/OpaqueMail-sub001/certstore"
	"github.com/bertjohnson/OpaqueMail-sub001/config"
	"github.com/bertjohnson/OpaqueMail-sub001/dns"
	"github.com/bertjohnson/OpaqueMail-sub001/imapclient"
)

// remoteServer is a scripted IMAP server with a single message in INBOX.
type remoteServer struct {
	t   *testing.T
	ln  net.Listener
	msg string

	sync.Mutex
	appended []string
	commands []string
}

func newRemoteServer(t *testing.T, msg string, tlsConfig *tls.Config) *remoteServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	rs := &remoteServer{t: t, ln: ln, msg: msg}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go rs.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return rs
}

func (rs *remoteServer) port() int {
	return rs.ln.Addr().(*net.TCPAddr).Port
}

func (rs *remoteServer) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	w := func(format string, args ...any) {
		fmt.Fprintf(conn, format, args...)
	}
	w("* OK remote ready\r\n")
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		t := strings.Fields(line)
		if len(t) < 2 {
			continue
		}
		tag, verb := t[0], strings.ToUpper(t[1])
		if verb == "UID" && len(t) > 2 {
			verb += " " + strings.ToUpper(t[2])
		}
		rs.Lock()
		rs.commands = append(rs.commands, verb)
		rs.Unlock()

		switch verb {
		case "LOGIN":
			w("%s OK logged in\r\n", tag)
		case "SELECT":
			w("* 1 EXISTS\r\n* OK [UIDVALIDITY 1] x\r\n* OK [UIDNEXT 2] x\r\n%s OK [READ-WRITE] done\r\n", tag)
		case "FETCH", "UID FETCH":
			w("* 1 FETCH (UID 1 FLAGS () RFC822.SIZE %d BODY[] {%d}\r\n%s)\r\n%s OK done\r\n", len(rs.msg), len(rs.msg), rs.msg, tag)
		case "NOOP":
			w("* NO [THROTTLED]\r\n%s OK done\r\n", tag)
		case "APPEND":
			var size int
			if i := strings.LastIndex(line, "{"); i >= 0 {
				fmt.Sscanf(line[i+1:], "%d", &size)
			}
			w("+ go ahead\r\n")
			buf := make([]byte, size+2)
			if _, err := io.ReadFull(br, buf); err != nil {
				return
			}
			rs.Lock()
			rs.appended = append(rs.appended, string(buf[:size]))
			rs.Unlock()
			w("%s OK [APPENDUID 1 2] done\r\n", tag)
		case "LOGOUT":
			w("* BYE bye\r\n%s OK done\r\n", tag)
			return
		default:
			w("%s BAD unknown\r\n", tag)
		}
	}
}

func fakeTLSConfig(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(nil)
	tcheck(t, err, "generate key")
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(cryptorand.Reader, template, template, key.Public(), key)
	tcheck(t, err, "create certificate")
	cert, err := x509.ParseCertificate(der)
	tcheck(t, err, "parse certificate")
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	config := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
	return config, pool
}

func startProxy(t *testing.T, relay config.Relay, opts Opts) (*Proxy, int) {
	t.Helper()
	if opts.Resolver == nil {
		opts.Resolver = dns.MockResolver{}
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	p, err := New(ctxbg, "test", relay, opts)
	tcheck(t, err, "new proxy")
	ln, err := p.Listen()
	tcheck(t, err, "listen")
	done := make(chan error, 1)
	go func() {
		done <- p.Serve(ln)
	}()
	t.Cleanup(func() {
		p.Stop()
		err := <-done
		tcheck(t, err, "serve")
	})
	return p, ln.Addr().(*net.TCPAddr).Port
}

func waitIdle(t *testing.T, p *Proxy) Status {
	t.Helper()
	for i := 0; i < 100; i++ {
		if st := p.Status(); st.Connections == 0 {
			return st
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("connections not closed")
	return Status{}
}

func TestProxy(t *testing.T) {
	cert, key := fakeCert(t, "alice@example.org")
	msg := signedMessage(t, cert, key)

	for _, withTLS := range []bool{false, true} {
		t.Run(fmt.Sprintf("tls=%v", withTLS), func(t *testing.T) {
			var serverTLS, localTLS *tls.Config
			var pool *x509.CertPool
			if withTLS {
				serverTLS, pool = fakeTLSConfig(t)
				localTLS = serverTLS
			}
			rs := newRemoteServer(t, msg, serverTLS)
			store := openStore(t)

			relay := config.Relay{
				AcceptedIPs: "127.0.0.1",
				LocalIP:     "127.0.0.1",
				RemoteHost:  "127.0.0.1",
				RemotePort:  rs.port(),
				RemoteTLS:   withTLS,
			}
			var throttleMutex sync.Mutex
			var throttled []string
			opts := Opts{
				CertStore: store,
				Scope:     certstore.ScopeUser,
				Throttled: func(name string, tm time.Time) {
					throttleMutex.Lock()
					defer throttleMutex.Unlock()
					throttled = append(throttled, name)
				},
			}
			if withTLS {
				relay.LocalTLS = &config.LocalTLS{SelfSigned: "localhost"}
				opts.TLSConfig = localTLS
				opts.RemoteTLSConfig = &tls.Config{RootCAs: pool}
			}
			p, port := startProxy(t, relay, opts)

			copts := imapclient.Opts{Timeout: 5 * time.Second}
			if withTLS {
				copts.TLSConfig = &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}
			}
			s := imapclient.New("127.0.0.1", port, withTLS, copts)
			err := s.Connect(ctxbg)
			tcheck(t, err, "connect through proxy")
			tcompare(t, s.Welcome(), "* OK remote ready")
			err = s.Authenticate(imapclient.AuthLogin, "mjl", "test1234")
			tcheck(t, err, "login")
			_, err = s.Select("INBOX")
			tcheck(t, err, "select")
			m, err := s.FetchMessage(1, false)
			tcheck(t, err, "fetch")
			tcompare(t, string(m.Raw), msg)
			if m.SigningCertificate == nil || !m.SigningCertificate.Equal(cert) {
				t.Fatalf("fetched message has no signing certificate")
			}
			uid, err := s.Append("Sent", []string{`\Seen`}, time.Time{}, []byte(msg))
			tcheck(t, err, "append")
			tcompare(t, uid, uint32(2))
			err = s.Noop()
			tcheck(t, err, "noop")
			err = s.Noop()
			tcheck(t, err, "noop")
			err = s.Logout()
			tcheck(t, err, "logout")

			st := waitIdle(t, p)
			tcompare(t, st.TotalConnections, int64(1))
			if st.BytesToClient < int64(len(msg)) || st.BytesToServer < int64(len(msg)) {
				t.Fatalf("byte counts too low, %d to client, %d to server", st.BytesToClient, st.BytesToServer)
			}
			// Two throttle markers, one notice.
			throttleMutex.Lock()
			tcompare(t, throttled, []string{"test"})
			throttleMutex.Unlock()
			if st.LastThrottled.IsZero() {
				t.Fatalf("missing last throttle time")
			}

			rs.Lock()
			tcompare(t, rs.appended, []string{msg})
			rs.Unlock()

			// Stop waits for certificate imports.
			p.Stop()
			certs, err := store.List(ctxbg, certstore.ScopeUser)
			tcheck(t, err, "list certificates")
			tcompare(t, len(certs), 1)
			tcompare(t, certs[0].Fingerprint, certstore.Fingerprint(cert))
			tcompare(t, certs[0].Source, "relay test")
		})
	}
}

func TestProxyReject(t *testing.T) {
	rs := newRemoteServer(t, "", nil)
	relay := config.Relay{
		AcceptedIPs: "192.168.*",
		LocalIP:     "127.0.0.1",
		RemoteHost:  "127.0.0.1",
		RemotePort:  rs.port(),
	}
	p, port := startProxy(t, relay, Opts{})

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	tcheck(t, err, "dial")
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	buf, err := io.ReadAll(conn)
	tcheck(t, err, "read rejection")
	tcompare(t, string(buf), RejectLine)

	st := waitIdle(t, p)
	tcompare(t, st.TotalConnections, int64(0))
	rs.Lock()
	tcompare(t, len(rs.commands), 0)
	rs.Unlock()
}

func TestProxyDialFail(t *testing.T) {
	// Nothing listens on the remote port, the client connection is closed and
	// the proxy keeps accepting.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	remotePort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	relay := config.Relay{
		LocalIP:    "127.0.0.1",
		RemoteHost: "127.0.0.1",
		RemotePort: remotePort,
	}
	p, port := startProxy(t, relay, Opts{})
	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		tcheck(t, err, "dial")
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		buf, err := io.ReadAll(conn)
		tcheck(t, err, "read")
		tcompare(t, len(buf), 0)
		conn.Close()
	}
	waitIdle(t, p)
}

func TestProxyStop(t *testing.T) {
	rs := newRemoteServer(t, "", nil)
	relay := config.Relay{
		LocalIP:    "127.0.0.1",
		RemoteHost: "127.0.0.1",
		RemotePort: rs.port(),
	}
	p, port := startProxy(t, relay, Opts{})
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	tcheck(t, err, "dial")
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	tcheck(t, err, "read greeting")
	tcompare(t, line, "* OK remote ready\r\n")
	tcompare(t, p.Status().Connections, 1)

	p.Stop()
	_, err = br.ReadString('\n')
	if err == nil {
		t.Fatalf("connection still open after stop")
	}
	waitIdle(t, p)
}

func TestThrottleNotice(t *testing.T) {
	var n int
	p, err := New(ctxbg, "test", config.Relay{RemoteHost: "127.0.0.1"}, Opts{
		Resolver:  dns.MockResolver{},
		Hostname:  "localhost",
		Throttled: func(name string, tm time.Time) { n++ },
	})
	tcheck(t, err, "new proxy")
	p.throttled()
	p.throttled()
	tcompare(t, n, 1)
	if p.Status().LastThrottled.IsZero() {
		t.Fatalf("no last throttle time")
	}
}
