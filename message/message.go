// Package message parses raw email messages as retrieved over IMAP, including
// the signing certificate of S/MIME signed messages.
package message

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"go.mozilla.org/pkcs7"
)

// Content types of S/MIME parts.
const (
	ContentTypeSignature  = "application/pkcs7-signature"
	ContentTypeXSignature = "application/x-pkcs7-signature"
	ContentTypeMIME       = "application/pkcs7-mime"
	ContentTypeXMIME      = "application/x-pkcs7-mime"
)

var (
	ErrNoSignature = errors.New("message has no s/mime signature")
	ErrEnveloped   = errors.New("s/mime message is encrypted, not signed")
)

// Message is a parsed email message.
type Message struct {
	Raw []byte

	Header      mail.Header
	Subject     string
	From        []*mail.Address
	To          []*mail.Address
	Date        time.Time
	MessageID   string
	ContentType string // Lower case media type, e.g. "multipart/signed".

	// Certificates from the S/MIME signature, if any. SigningCertificate is the
	// certificate of the signer.
	SigningCertificate *x509.Certificate
	Certificates       []*x509.Certificate

	// IMAP attributes, set by the code that fetched the message.
	Mailbox string
	UID     uint32
	Index   uint32
	Flags   []string
	Size    int64
}

// SetFlags sets Flags from an IMAP flag list like `(\Seen \Flagged)`.
func (m *Message) SetFlags(s string) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	m.Flags = strings.Fields(s)
}

// SetUID sets the UID the message has in Mailbox.
func (m *Message) SetUID(uid uint32) {
	m.UID = uid
}

// SetMailbox sets the mailbox the message was fetched from.
func (m *Message) SetMailbox(name string) {
	m.Mailbox = name
}

// HasFlag returns whether flag is set, case-insensitive.
func (m *Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// IsSMIME returns whether raw contains one of the S/MIME content types,
// case-insensitive. It only looks at bytes, not at message structure.
func IsSMIME(raw []byte) bool {
	l := bytes.ToLower(raw)
	return bytes.Contains(l, []byte(ContentTypeXSignature)) || bytes.Contains(l, []byte(ContentTypeMIME))
}

// Parse parses a raw message. Headers that cannot be parsed are left empty. A
// message with an S/MIME signature gets its certificates set. A broken
// signature is not an error, the certificate fields stay empty.
func Parse(raw []byte) (*Message, error) {
	e, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	m := &Message{
		Raw:    raw,
		Header: mail.Header{Header: e.Header},
		Size:   int64(len(raw)),
	}
	m.Subject, _ = m.Header.Subject()
	m.From, _ = m.Header.AddressList("From")
	m.To, _ = m.Header.AddressList("To")
	m.Date, _ = m.Header.Date()
	m.MessageID, _ = m.Header.MessageID()
	m.ContentType, _, _ = e.Header.ContentType()

	if certs, signer, err := signatureCertificates(e); err == nil {
		m.Certificates = certs
		m.SigningCertificate = signer
	}
	return m, nil
}

// signatureCertificates finds the PKCS#7 signed data, either as the signature
// part of a multipart/signed message, or as an opaque application/pkcs7-mime
// body, possibly nested in a multipart message.
func signatureCertificates(e *gomessage.Entity) ([]*x509.Certificate, *x509.Certificate, error) {
	ct, params, _ := e.Header.ContentType()
	switch ct {
	case ContentTypeSignature, ContentTypeXSignature:
		return parsePKCS7(e.Body)
	case ContentTypeMIME, ContentTypeXMIME:
		if st := strings.ToLower(params["smime-type"]); st == "enveloped-data" || st == "authenveloped-data" {
			return nil, nil, ErrEnveloped
		}
		return parsePKCS7(e.Body)
	}

	mr := e.MultipartReader()
	if mr == nil {
		return nil, nil, ErrNoSignature
	}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil, nil, ErrNoSignature
		} else if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
			return nil, nil, fmt.Errorf("reading part: %w", err)
		}
		certs, signer, err := signatureCertificates(p)
		if err == nil || !errors.Is(err, ErrNoSignature) {
			return certs, signer, err
		}
	}
}

func parsePKCS7(r io.Reader) ([]*x509.Certificate, *x509.Certificate, error) {
	der, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading pkcs7 data: %w", err)
	}
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing pkcs7 data: %w", err)
	}
	if len(p7.Certificates) == 0 {
		return nil, nil, fmt.Errorf("%w: no certificates in signature", ErrNoSignature)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		signer = p7.Certificates[0]
	}
	return p7.Certificates, signer, nil
}
