package streamio

import (
	"fmt"
	"testing"

	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
)

func TestBufpool(t *testing.T) {
	bp := NewBufpool(1, 8)
	a := bp.Get()
	b := bp.Get()
	for i := range a {
		a[i] = 1
	}
	log := mlog.New("streamio", nil)
	bp.Put(log, a) // Will be stored.
	bp.Put(log, b) // Will be discarded.
	// Bad size, ignored.
	bp.Put(log, make([]byte, 3))
	na := bp.Get()
	if fmt.Sprintf("%p", a) != fmt.Sprintf("%p", na) {
		t.Fatalf("received unexpected new buf %p != %p", a, na)
	}
	for _, c := range na {
		if c != 0 {
			t.Fatalf("reused buf not cleared")
		}
	}
	if nb := bp.Get(); len(nb) != 8 {
		t.Fatalf("new buffer has size %d, expected 8", len(nb))
	}
}
