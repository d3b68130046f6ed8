package imapproxy

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/bertjohnson/OpaqueMail-sub001/dns"
	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
)

// IPFilter decides which client IPs may connect to a relay.
type IPFilter struct {
	expr  string
	all   bool
	ips   []net.IP  // Exact addresses, also for IPv6.
	nets  []*net.IPNet
	rules []octetRule
	spans []ipSpan

	localhost bool
	local     []net.IP // Addresses of this machine, for "localhost".
}

// octetRule matches IPv4 addresses with a range per octet, for forms like
// 192.168.* and 10.0.0-3.*.
type octetRule [4]struct{ lo, hi uint8 }

// ipSpan is an inclusive range of IPv4 addresses, e.g. 10.0.0.1-10.0.0.50.
type ipSpan struct{ lo, hi uint32 }

// ParseIPFilter parses expr, a list of entries separated by commas and/or
// spaces. An empty expression accepts all IPs. For the entry "localhost", the
// addresses of this machine are gathered from its interfaces and from resolving
// hostname (os.Hostname if empty). Failures to find local addresses are logged,
// loopback addresses are always accepted for localhost.
func ParseIPFilter(ctx context.Context, log mlog.Log, resolver dns.Resolver, hostname, expr string) (*IPFilter, error) {
	f := &IPFilter{expr: expr}
	fields := strings.FieldsFunc(expr, func(c rune) bool { return c == ',' || c == ' ' || c == '\t' || c == ';' })
	if len(fields) == 0 {
		f.all = true
		return f, nil
	}
	for _, s := range fields {
		if err := f.add(s); err != nil {
			return nil, err
		}
	}
	if f.localhost {
		f.local = localAddrs(ctx, log, resolver, hostname)
	}
	return f, nil
}

func (f *IPFilter) add(s string) error {
	switch {
	case s == "*":
		f.all = true
		return nil
	case strings.EqualFold(s, "localhost"):
		f.localhost = true
		return nil
	}
	if ip := net.ParseIP(s); ip != nil {
		// A loopback address means this machine, like "localhost".
		f.localhost = f.localhost || ip.IsLoopback()
		f.ips = append(f.ips, ip)
		return nil
	}
	if strings.Contains(s, "/") {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return fmt.Errorf("parsing ip network %q: %v", s, err)
		}
		f.nets = append(f.nets, ipnet)
		return nil
	}
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		lip := net.ParseIP(lo).To4()
		hip := net.ParseIP(hi).To4()
		if lip != nil && hip != nil {
			span := ipSpan{ipv4Int(lip), ipv4Int(hip)}
			if span.lo > span.hi {
				return fmt.Errorf("ip range %q: start after end", s)
			}
			f.spans = append(f.spans, span)
			return nil
		}
	}
	r, err := parseOctetRule(s)
	if err != nil {
		return err
	}
	f.rules = append(f.rules, r)
	return nil
}

// parseOctetRule parses an IPv4 pattern with octets that are a number, a range
// "a-b", or "*". A final "*" also matches the missing trailing octets, as in
// "192.168.*".
func parseOctetRule(s string) (octetRule, error) {
	var r octetRule
	t := strings.Split(s, ".")
	if len(t) > 4 {
		return r, fmt.Errorf("invalid ip pattern %q: too many octets", s)
	} else if len(t) < 4 && t[len(t)-1] != "*" {
		return r, fmt.Errorf("invalid ip pattern %q: missing octets, end with * to match any", s)
	}
	for i := range r {
		r[i].lo, r[i].hi = 0, 255
		if i >= len(t) || t[i] == "*" {
			continue
		}
		lo, hi, isRange := strings.Cut(t[i], "-")
		l, err := strconv.ParseUint(lo, 10, 8)
		if err != nil {
			return r, fmt.Errorf("invalid ip pattern %q: bad octet %q", s, t[i])
		}
		h := l
		if isRange {
			h, err = strconv.ParseUint(hi, 10, 8)
			if err != nil || h < l {
				return r, fmt.Errorf("invalid ip pattern %q: bad octet range %q", s, t[i])
			}
		}
		r[i].lo, r[i].hi = uint8(l), uint8(h)
	}
	return r, nil
}

func ipv4Int(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

// localAddrs returns the interface addresses of this machine, and the
// addresses hostname resolves to.
func localAddrs(ctx context.Context, log mlog.Log, resolver dns.Resolver, hostname string) []net.IP {
	var l []net.IP
	addrs, err := net.InterfaceAddrs()
	log.Check(err, "listing interface addresses")
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			l = append(l, ipnet.IP)
		}
	}

	if hostname == "" {
		hostname, err = os.Hostname()
		if err != nil {
			log.Errorx("getting hostname for local addresses", err)
			return l
		}
	}
	d, err := dns.ParseDomain(strings.TrimSuffix(hostname, "."))
	if err != nil {
		log.Debugx("parsing hostname for local addresses", err)
		return l
	}
	ips, _, err := resolver.LookupIPAddr(ctx, d.Absolute())
	if err != nil {
		log.Debugx("resolving hostname for local addresses", err)
	}
	for _, ip := range ips {
		l = append(l, ip.IP)
	}
	return l
}

// Allow returns whether ip may connect.
func (f *IPFilter) Allow(ip net.IP) bool {
	if f.all {
		return true
	}
	if f.localhost {
		if ip.IsLoopback() {
			return true
		}
		for _, lip := range f.local {
			if lip.Equal(ip) {
				return true
			}
		}
	}
	for _, x := range f.ips {
		if x.Equal(ip) {
			return true
		}
	}
	for _, n := range f.nets {
		if n.Contains(ip) {
			return true
		}
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	v := ipv4Int(ip4)
	for _, s := range f.spans {
		if v >= s.lo && v <= s.hi {
			return true
		}
	}
	for _, r := range f.rules {
		if r.match(ip4) {
			return true
		}
	}
	return false
}

func (r octetRule) match(ip4 net.IP) bool {
	for i, o := range r {
		if ip4[i] < o.lo || ip4[i] > o.hi {
			return false
		}
	}
	return true
}

func (f *IPFilter) String() string {
	return f.expr
}
