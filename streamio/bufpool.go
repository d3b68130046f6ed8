package streamio

import (
	"log/slog"

	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
)

// Bufpool caches fixed-size byte slices for reuse as read buffers, e.g. by relay
// connections that each need a buffer per direction.
type Bufpool struct {
	c    chan []byte
	size int
}

// NewBufpool makes a new pool, initially empty, but holding at most "max" buffers of "size" bytes each.
func NewBufpool(max, size int) *Bufpool {
	return &Bufpool{
		c:    make(chan []byte, max),
		size: size,
	}
}

// Size returns the size of buffers handed out.
func (b *Bufpool) Size() int {
	return b.size
}

// Get returns a buffer from the pool if available, otherwise allocates a new
// buffer. The buffer should be returned with a call to Put.
func (b *Bufpool) Get() []byte {
	select {
	case buf := <-b.c:
		return buf
	default:
		return make([]byte, b.size)
	}
}

// Put puts "buf" back in the pool. Put clears the buffer, it may have held
// message data. If the pool is full, the buffer is discarded. The caller should
// no longer reference "buf" after a call to Put.
func (b *Bufpool) Put(log mlog.Log, buf []byte) {
	if len(buf) != b.size {
		log.Error("buffer with bad size returned, ignoring", slog.Int("badsize", len(buf)), slog.Int("expsize", b.size))
		return
	}
	clear(buf)
	select {
	case b.c <- buf:
	default:
	}
}
