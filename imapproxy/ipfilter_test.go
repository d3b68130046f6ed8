package imapproxy

import (
	"context"
	"net"
	"testing"

	"github.com/bertjohnson/OpaqueMail-sub001/dns"
)

func TestIPFilter(t *testing.T) {
	resolver := dns.MockResolver{
		A:    map[string][]string{"workstation.example.": {"198.51.100.7"}},
		AAAA: map[string][]string{"workstation.example.": {"2001:db8::7"}},
	}
	parse := func(expr string) *IPFilter {
		t.Helper()
		f, err := ParseIPFilter(context.Background(), pkglog, resolver, "workstation.example", expr)
		tcheck(t, err, "parse filter")
		return f
	}
	test := func(f *IPFilter, ip string, exp bool) {
		t.Helper()
		if got := f.Allow(net.ParseIP(ip)); got != exp {
			t.Fatalf("filter %q, ip %s: got %v, expected %v", f, ip, got, exp)
		}
	}

	f := parse("192.168.*")
	test(f, "192.168.1.5", true)
	test(f, "10.0.0.1", false)
	test(f, "2001:db8::1", false)

	f = parse("localhost")
	test(f, "127.0.0.1", true)
	test(f, "::1", true)
	test(f, "198.51.100.7", true)
	test(f, "2001:db8::7", true)
	test(f, "203.0.113.1", false)

	// Loopback address in the list works like localhost.
	f = parse("127.0.0.1")
	test(f, "198.51.100.7", true)
	test(f, "203.0.113.1", false)

	f = parse("10.0.0.1-10.0.0.50, 10.1.0-3.*  172.16.0.0/12;2001:db8::1")
	test(f, "10.0.0.1", true)
	test(f, "10.0.0.50", true)
	test(f, "10.0.0.51", false)
	test(f, "10.1.3.200", true)
	test(f, "10.1.4.1", false)
	test(f, "172.31.255.1", true)
	test(f, "172.32.0.1", false)
	test(f, "2001:db8::1", true)
	test(f, "2001:db8::2", false)
	test(f, "127.0.0.1", false)

	f = parse("10.*")
	test(f, "10.255.0.1", true)
	test(f, "11.0.0.1", false)

	f = parse("10.*.*.9")
	test(f, "10.200.1.9", true)
	test(f, "10.200.1.8", false)

	for _, expr := range []string{"", " , ", "*", "10.0.0.1,*"} {
		test(parse(expr), "203.0.113.1", true)
	}

	for _, expr := range []string{"10.0.0.300", "1.2.3.4.5", "10.0.5-3.*", "10.0.0.9-10.0.0.1", "host.example", "10.0.0.0/33", "10", "192.168.1", "10.0-3"} {
		_, err := ParseIPFilter(context.Background(), pkglog, resolver, "workstation.example", expr)
		if err == nil {
			t.Fatalf("expected error for %q", expr)
		}
	}
}
