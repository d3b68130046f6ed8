// Package dns parses internationalized host names (IDNA) and provides a
// strict, logging and metrics-keeping DNS resolver.
package dns

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"

	"github.com/mjl-/adns"
)

var errTrailingDot = errors.New("dns name has trailing dot")

// Domain is a host name with an ASCII representation, and for IDNA non-ASCII
// names a unicode representation. The ASCII string must be used for DNS
// lookups.
type Domain struct {
	// A non-unicode name, e.g. with A-labels (xn--...). Always in lower case.
	ASCII string

	// Name as U-labels. Empty if this is an ASCII-only name.
	Unicode string
}

// Name returns the unicode name if set, otherwise the ASCII name.
func (d Domain) Name() string {
	if d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// String returns a human-readable string, with both unicode and ASCII name for
// IDNA names.
func (d Domain) String() string {
	if d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode + "/" + d.ASCII
}

// Absolute returns the ASCII name with trailing dot, for use with
// StrictResolver.
func (d Domain) Absolute() string {
	return d.ASCII + "."
}

// IsZero returns if this is an empty Domain.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// ParseDomain parses a host name that can consist of ASCII-only labels or U
// labels (unicode). Names are IDN-canonicalized and lower-cased.
func ParseDomain(s string) (Domain, error) {
	if strings.HasSuffix(s, ".") {
		return Domain{}, errTrailingDot
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to ascii: %w", err)
	}
	unicode, err := idna.Lookup.ToUnicode(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to unicode: %w", err)
	}
	if ascii == unicode {
		return Domain{ascii, ""}, nil
	}
	return Domain{ascii, unicode}, nil
}

// IsNotFound returns whether an error is a DNS error with IsNotFound set.
func IsNotFound(err error) bool {
	var dnsErr *net.DNSError
	var adnsErr *adns.DNSError
	return err != nil && (errors.As(err, &dnsErr) && dnsErr.IsNotFound || errors.As(err, &adnsErr) && adnsErr.IsNotFound)
}
