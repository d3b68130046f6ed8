package sasl

import (
	"errors"
	"testing"
)

func TestCRAMMD5(t *testing.T) {
	// Example from RFC 2195.
	c, err := NewClient("cram-md5", "tim", "tanstaaftanstaaf")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	mech, ir, err := c.Start()
	if err != nil || mech != "CRAM-MD5" || ir != nil {
		t.Fatalf("start: %q %v %v", mech, ir, err)
	}
	resp, err := c.Next([]byte("<1896.697170952@postoffice.reston.mci.net>"))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if exp := "tim b913a602c7eda7a495b4e6e7334d3890"; string(resp) != exp {
		t.Fatalf("got %q, expected %q", resp, exp)
	}
	if _, err := c.Next([]byte("again")); err == nil {
		t.Fatalf("expected error for second challenge")
	}
}

func TestPlain(t *testing.T) {
	c, err := NewClient("PLAIN", "user", "pass")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	mech, ir, err := c.Start()
	if err != nil || mech != "PLAIN" || string(ir) != "\x00user\x00pass" {
		t.Fatalf("start: %q %q %v", mech, ir, err)
	}
}

func TestUnknown(t *testing.T) {
	if _, err := NewClient("SCRAM-SHA-256", "user", "pass"); !errors.Is(err, ErrUnknownMechanism) {
		t.Fatalf("got %v, expected ErrUnknownMechanism", err)
	}
}
