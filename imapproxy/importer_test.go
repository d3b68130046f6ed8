package imapproxy

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"

	"github.com/bertjohnson/OpaqueMail-sub001/certstore"
)

var ctxbg = context.Background()

func fakeCert(t *testing.T, cn string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	tcheck(t, err, "generate key")
	template := &x509.Certificate{
		SerialNumber:   big.NewInt(time.Now().UnixNano()),
		Subject:        pkix.Name{CommonName: cn},
		EmailAddresses: []string{cn},
		NotBefore:      time.Now().Add(-time.Hour),
		NotAfter:       time.Now().Add(time.Hour),
		KeyUsage:       x509.KeyUsageDigitalSignature,
		ExtKeyUsage:    []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	tcheck(t, err, "create certificate")
	cert, err := x509.ParseCertificate(der)
	tcheck(t, err, "parse certificate")
	return cert, key
}

// signedMessage returns a multipart/signed message with a detached signature.
func signedMessage(t *testing.T, cert *x509.Certificate, key *rsa.PrivateKey) string {
	t.Helper()
	body := "Content-Type: text/plain\r\n\r\nHello.\r\n"
	sd, err := pkcs7.NewSignedData([]byte(body))
	tcheck(t, err, "new signed data")
	err = sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{})
	tcheck(t, err, "add signer")
	sd.Detach()
	der, err := sd.Finish()
	tcheck(t, err, "finish signature")

	sig := base64.StdEncoding.EncodeToString(der)
	var b strings.Builder
	for len(sig) > 76 {
		b.WriteString(sig[:76] + "\r\n")
		sig = sig[76:]
	}
	b.WriteString(sig + "\r\n")

	return "From: " + cert.Subject.CommonName + "\r\n" +
		"To: bob@example.org\r\n" +
		"Subject: signed\r\n" +
		"Message-ID: <signed@example.org>\r\n" +
		"MIME-Version: 1.0\r\n" +
		`Content-Type: multipart/signed; protocol="application/x-pkcs7-signature"; micalg=sha-256; boundary="b1"` + "\r\n" +
		"\r\n" +
		"--b1\r\n" +
		body +
		"--b1\r\n" +
		"Content-Type: application/x-pkcs7-signature; name=smime.p7s\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		b.String() +
		"--b1--\r\n"
}

func openStore(t *testing.T) *certstore.Store {
	t.Helper()
	store, err := certstore.Open(ctxbg, pkglog, filepath.Join(t.TempDir(), "certs.db"))
	tcheck(t, err, "open certificate store")
	t.Cleanup(func() { store.Close() })
	return store
}

func TestImporter(t *testing.T) {
	store := openStore(t)
	run := func(fn func()) { fn() }
	im := newImporter(ctxbg, pkglog, store, certstore.ScopeUser, "test", run)

	cert, key := fakeCert(t, "alice@example.org")
	msg := []byte(signedMessage(t, cert, key))

	im.dispatch(msg)
	im.dispatch(msg) // Seen, not installed again.
	certs, err := store.List(ctxbg, certstore.ScopeUser)
	tcheck(t, err, "list")
	tcompare(t, len(certs), 1)
	tcompare(t, certs[0].Fingerprint, certstore.Fingerprint(cert))
	tcompare(t, certs[0].Source, "test")
	tcompare(t, len(im.seen), 1)

	// A new connection has its own seen set, the store already has the certificate.
	im2 := newImporter(ctxbg, pkglog, store, certstore.ScopeUser, "test", run)
	im2.dispatch(msg)
	certs, err = store.List(ctxbg, "")
	tcheck(t, err, "list")
	tcompare(t, len(certs), 1)

	// Broken messages are ignored.
	im.dispatch([]byte("Content-Type: application/pkcs7-mime\r\n\r\nbogus"))
	im.dispatch([]byte("no header at all"))
	im.dispatch([]byte("Content-Type: multipart/signed; boundary=x\r\n\r\n--x\r\nContent-Type: application/x-pkcs7-signature\r\n\r\n!!!\r\n--x--\r\n"))
	tcompare(t, len(im.seen), 1)

	// A failed install does not mark the certificate as seen.
	cert2, key2 := fakeCert(t, "carol@example.org")
	msg2 := []byte(signedMessage(t, cert2, key2))
	imBad := newImporter(ctxbg, pkglog, store, certstore.Scope("bogus"), "test", run)
	imBad.dispatch(msg2)
	tcompare(t, len(imBad.seen), 0)
}
