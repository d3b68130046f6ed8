package imapproxy

import (
	"bytes"
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"testing"
)

// chunkReader returns data in reads of at most n bytes.
type chunkReader struct {
	data []byte
	n    int
}

func (r *chunkReader) Read(buf []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	k := min(r.n, len(r.data), len(buf))
	copy(buf, r.data[:k])
	r.data = r.data[k:]
	return k, nil
}

type panicSniffer struct {
	calls int
}

func (s *panicSniffer) sniff(data []byte) {
	s.calls++
	panic("sniffer bug")
}

func TestRelayChunks(t *testing.T) {
	// Random data with protocol-looking text that is not a real literal.
	var b bytes.Buffer
	rnd := rand.New(rand.NewSource(1))
	for b.Len() < 100*1024 {
		switch rnd.Intn(4) {
		case 0:
			b.WriteString("* 1 FETCH (BODY[] {100000}\r\n")
		case 1:
			b.WriteString(" FETCH {12} [THROTTLED]\r\n")
		default:
			buf := make([]byte, rnd.Intn(500))
			rnd.Read(buf)
			b.Write(buf)
		}
	}
	data := b.Bytes()

	for _, n := range []int{1, 7, 512, 4096, 20000, len(data)} {
		sniffers := []sniffer{
			nil,
			(&sniffCollector{}).server(),
			(&sniffCollector{}).client(),
		}
		for _, sn := range sniffers {
			var out bytes.Buffer
			var counter atomic.Int64
			err := relay(pkglog, &chunkReader{data, n}, &out, 0, &counter, sn)
			tcheck(t, err, "relay")
			if !bytes.Equal(out.Bytes(), data) {
				t.Fatalf("chunk size %d: relayed data differs", n)
			}
			tcompare(t, counter.Load(), int64(len(data)))
		}
	}

	// A broken sniffer does not break relaying, and is not called again.
	var out bytes.Buffer
	var counter atomic.Int64
	ps := &panicSniffer{}
	err := relay(pkglog, &chunkReader{data, 1000}, &out, 0, &counter, ps)
	tcheck(t, err, "relay with panicking sniffer")
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("relayed data differs with panicking sniffer")
	}
	tcompare(t, ps.calls, 1)
}

func TestRelayClosed(t *testing.T) {
	// Closing the source ends the relay without error.
	srcClient, srcServer := net.Pipe()
	dstClient, dstServer := net.Pipe()
	defer dstClient.Close()
	defer dstServer.Close()

	done := make(chan error, 1)
	var counter atomic.Int64
	go func() {
		done <- relay(pkglog, srcServer, dstServer, 0, &counter, nil)
	}()

	go func() {
		buf := make([]byte, 5)
		io.ReadFull(dstClient, buf)
	}()
	_, err := srcClient.Write([]byte("hello"))
	tcheck(t, err, "write")
	srcClient.Close()
	err = <-done
	tcheck(t, err, "relay")
	tcompare(t, counter.Load(), int64(5))

	// A closed destination ends the relay too.
	srcClient, srcServer = net.Pipe()
	defer srcClient.Close()
	dstServer.Close()
	go func() {
		done <- relay(pkglog, srcServer, dstServer, 0, &counter, nil)
	}()
	srcClient.Write([]byte("x"))
	err = <-done
	tcheck(t, err, "relay to closed destination")
}
