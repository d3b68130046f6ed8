package imapproxy

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bertjohnson/OpaqueMail-sub001/metrics"
	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
	"github.com/bertjohnson/OpaqueMail-sub001/streamio"
)

// Read buffers for relay directions.
var bufpool = streamio.NewBufpool(64, 16*1024)

type direction string

const (
	toServer direction = "toserver"
	toClient direction = "toclient"
)

// sniffer observes relayed data. It must not keep references to data after
// returning.
type sniffer interface {
	sniff(data []byte)
}

// relayConn is a client connection with its connection to the remote server.
type relayConn struct {
	cid      int64
	remoteIP net.IP
	start    time.Time
	client   net.Conn
	server   net.Conn

	bytesToServer atomic.Int64
	bytesToClient atomic.Int64
	finished      atomic.Int32

	mu     sync.Mutex
	closed bool
}

// setConn sets the client or server leg, e.g. after a TLS handshake, or closes c
// if the relayed connection was closed in the mean time.
func (rc *relayConn) setConn(log mlog.Log, leg string, c net.Conn) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		closeConn(log, leg, c)
		return false
	}
	if leg == "client" {
		rc.client = c
	} else {
		rc.server = c
	}
	return true
}

// close closes both legs. Safe to call from both directions and from Stop.
func (rc *relayConn) close(log mlog.Log) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	closeConn(log, "client", rc.client)
	if rc.server != nil {
		closeConn(log, "server", rc.server)
	}
}

// closeConn closes the underlying connection of TLS connections directly. A TLS
// close would first write a close notify, which can block on a peer that does
// not read.
func closeConn(log mlog.Log, leg string, c net.Conn) {
	if tc, ok := c.(*tls.Conn); ok {
		c = tc.NetConn()
	}
	if err := c.Close(); err != nil && !streamio.IsClosed(err) {
		log.Debugx("closing connection", err, slog.String("leg", leg))
	}
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// relay copies data from src to dst until either fails, calling sn after each
// write. Data is always written before it is inspected and is never changed.
// Bytes written are added to counter. A panic in sn is logged and disables
// inspection for the rest of the connection. Closed connections are normal
// termination and return a nil error.
func relay(log mlog.Log, src io.Reader, dst io.Writer, timeout time.Duration, counter *atomic.Int64, sn sniffer) error {
	buf := bufpool.Get()
	defer bufpool.Put(log, buf)

	sniffing := sn != nil
	for {
		if d, ok := src.(deadliner); ok && timeout > 0 {
			if err := d.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return fmt.Errorf("setting read deadline: %w", err)
			}
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if d, ok := dst.(deadliner); ok && timeout > 0 {
				if err := d.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
					return fmt.Errorf("setting write deadline: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				if streamio.IsClosed(err) {
					return nil
				}
				return fmt.Errorf("write: %w", err)
			}
			counter.Add(int64(n))
			if sniffing {
				sniffing = safeSniff(log, sn, buf[:n])
			}
		}
		if rerr == io.EOF || rerr != nil && streamio.IsClosed(rerr) {
			return nil
		} else if rerr != nil {
			return fmt.Errorf("read: %w", rerr)
		}
	}
}

func safeSniff(log mlog.Log, sn sniffer, data []byte) (ok bool) {
	defer func() {
		x := recover()
		if x != nil {
			log.Error("unhandled panic while inspecting relayed data, no longer inspecting", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc("imapproxy")
			ok = false
		}
	}()
	sn.sniff(data)
	return true
}
