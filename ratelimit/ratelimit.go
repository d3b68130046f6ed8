// Package ratelimit limits how often events may happen, either counted per
// client IP over fixed windows, or as a single gate that opens at most once per
// interval.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Limiter counts events per client IP in one or more fixed windows, e.g. the
// current minute and hour. Counts are kept for three classes of the IP: the
// address itself (IPv6 /64), its /26 (IPv6 /48) and its /21 (IPv6 /32).
type Limiter struct {
	sync.Mutex
	Windows []Window
}

// Window holds the counts for the current period of one window size.
type Window struct {
	Size   time.Duration
	Limits [3]int64 // Per IP class, narrowest first.

	period int64
	counts map[classKey]int64
}

type classKey struct {
	class  uint8
	masked [16]byte
}

// Add consumes n for ip. If any window would go over its limit, nothing is
// counted and false is returned.
func (l *Limiter) Add(ip net.IP, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()
	if !l.fits(ip, tm, n) {
		return false
	}
	keys := classKeys(ip)
	for i := range l.Windows {
		for _, k := range keys {
			l.Windows[i].counts[k] += n
		}
	}
	return true
}

// CanAdd returns whether Add would succeed, without counting.
func (l *Limiter) CanAdd(ip net.IP, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()
	return l.fits(ip, tm, n)
}

// Reset removes the count of ip itself in the current periods, also from its
// wider classes.
func (l *Limiter) Reset(ip net.IP, tm time.Time) {
	l.Lock()
	defer l.Unlock()
	keys := classKeys(ip)
	for i := range l.Windows {
		w := &l.Windows[i]
		if w.counts == nil || w.period != tm.UnixNano()/int64(w.Size) {
			continue
		}
		n := w.counts[keys[0]]
		for _, k := range keys {
			w.counts[k] -= n
		}
	}
}

// fits must be called with the lock held. It starts new periods as needed.
func (l *Limiter) fits(ip net.IP, tm time.Time, n int64) bool {
	keys := classKeys(ip)
	for i := range l.Windows {
		w := &l.Windows[i]
		if p := tm.UnixNano() / int64(w.Size); p > w.period || w.counts == nil {
			w.period = p
			w.counts = map[classKey]int64{}
		}
		for j, k := range keys {
			if w.counts[k]+n > w.Limits[j] {
				return false
			}
		}
	}
	return true
}

func classKeys(ip net.IP) [3]classKey {
	var keys [3]classKey
	for i := range keys {
		keys[i] = classKey{uint8(i), maskIP(i, ip)}
	}
	return keys
}

var (
	v4Masks = [3]net.IPMask{net.CIDRMask(32, 32), net.CIDRMask(26, 32), net.CIDRMask(21, 32)}
	v6Masks = [3]net.IPMask{net.CIDRMask(64, 128), net.CIDRMask(48, 128), net.CIDRMask(32, 128)}
)

func maskIP(class int, ip net.IP) [16]byte {
	var masked net.IP
	if len(ip) == 0 {
		return [16]byte{}
	} else if ip4 := ip.To4(); ip4 != nil {
		masked = ip4.Mask(v4Masks[class])
	} else {
		masked = ip.To16().Mask(v6Masks[class])
	}
	return [16]byte(masked.To16())
}

// Gate lets an event through at most once per Interval, e.g. to log a warning
// about a condition that can repeat often. The zero Gate with an Interval set
// is ready for use.
type Gate struct {
	Interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// Pass returns true if tm is at least Interval after the last time Pass
// returned true, or if it never did. The time is then recorded.
func (g *Gate) Pass(tm time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.last.IsZero() && tm.Sub(g.last) < g.Interval {
		return false
	}
	g.last = tm
	return true
}

// Last returns the last time Pass returned true, zero if never.
func (g *Gate) Last() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
