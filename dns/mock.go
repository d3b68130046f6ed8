package dns

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/exp/slices"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver used for testing.
// Set DNS records in the fields, which map FQDNs (with trailing dot) to values.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	Fail []string // Records of the form "type name", e.g. "host localhost." that will return a servfail.
}

var _ Resolver = MockResolver{}

func (r MockResolver) nxdomain(s string) error {
	return &adns.DNSError{
		Err:        "no record",
		Name:       s,
		Server:     "mock",
		IsNotFound: true,
	}
}

func (r MockResolver) servfail(s string) error {
	return &adns.DNSError{
		Err:         "temp error",
		Name:        s,
		Server:      "mock",
		IsTemporary: true,
	}
}

func (r MockResolver) check(ctx context.Context, typ, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if slices.Contains(r.Fail, typ+" "+name) {
		return r.servfail(name)
	}
	return nil
}

func (r MockResolver) LookupAddr(ctx context.Context, ip string) ([]string, adns.Result, error) {
	if err := r.check(ctx, "ptr", ip); err != nil {
		return nil, adns.Result{}, err
	}
	l, ok := r.PTR[ip]
	if !ok {
		return nil, adns.Result{}, r.nxdomain(ip)
	}
	return l, adns.Result{}, nil
}

func (r MockResolver) LookupHost(ctx context.Context, host string) ([]string, adns.Result, error) {
	if err := r.check(ctx, "host", host); err != nil {
		return nil, adns.Result{}, err
	}
	var addrs []string
	addrs = append(addrs, r.A[host]...)
	addrs = append(addrs, r.AAAA[host]...)
	if len(addrs) == 0 {
		return nil, adns.Result{}, r.nxdomain(host)
	}
	return addrs, adns.Result{}, nil
}

func (r MockResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error) {
	if err := r.check(ctx, "ipaddr", host); err != nil {
		return nil, adns.Result{}, err
	}
	addrs, result, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, result, err
	}
	ips := make([]net.IPAddr, len(addrs))
	for i, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			return nil, result, fmt.Errorf("malformed ip %q", a)
		}
		ips[i] = net.IPAddr{IP: ip}
	}
	return ips, result, nil
}
