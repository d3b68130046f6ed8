// Package sasl provides SASL clients for IMAP AUTHENTICATE, RFC 4422.
//
// Clients implement the go-sasl Client interface. PLAIN comes from go-sasl,
// CRAM-MD5 is implemented here.
package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"errors"
	"fmt"
	"strings"

	gosasl "github.com/emersion/go-sasl"
)

// Mechanism names, as used in AUTHENTICATE and AUTH= capabilities.
const (
	Plain   = "PLAIN"
	CRAMMD5 = "CRAM-MD5"
)

var ErrUnknownMechanism = errors.New("sasl: unknown mechanism")

// NewClient returns a client for mechanism, case-insensitive.
func NewClient(mechanism, username, password string) (gosasl.Client, error) {
	switch strings.ToUpper(mechanism) {
	case Plain:
		return gosasl.NewPlainClient("", username, password), nil
	case CRAMMD5:
		return NewClientCRAMMD5(username, password), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMechanism, mechanism)
}

type clientCRAMMD5 struct {
	username, password string
	step               int
}

var _ gosasl.Client = (*clientCRAMMD5)(nil)

// NewClientCRAMMD5 returns a client for SASL CRAM-MD5 authentication, RFC 2195.
func NewClientCRAMMD5(username, password string) gosasl.Client {
	return &clientCRAMMD5{username: username, password: password}
}

// Start returns no initial response, the server sends a challenge first.
func (c *clientCRAMMD5) Start() (mech string, ir []byte, err error) {
	c.step = 0
	return CRAMMD5, nil, nil
}

// Next responds to the server challenge with the username and the hex HMAC-MD5
// digest of the challenge, keyed with the password.
func (c *clientCRAMMD5) Next(challenge []byte) ([]byte, error) {
	defer func() { c.step++ }()
	if c.step != 0 {
		return nil, fmt.Errorf("unexpected challenge at step %d", c.step)
	}
	if len(challenge) == 0 {
		return nil, errors.New("empty challenge")
	}
	return []byte(fmt.Sprintf("%s %x", c.username, CRAMMD5Digest(c.password, challenge))), nil
}

// CRAMMD5Digest returns HMAC-MD5 of challenge with password as key.
func CRAMMD5Digest(password string, challenge []byte) []byte {
	mac := hmac.New(md5.New, []byte(password))
	mac.Write(challenge)
	return mac.Sum(nil)
}
