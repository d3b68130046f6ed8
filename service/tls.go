package service

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/bertjohnson/OpaqueMail-sub001/config"
	"github.com/bertjohnson/OpaqueMail-sub001/dns"
	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
)

var tlsVersions = map[string]uint16{
	"TLSv1.0": tls.VersionTLS10,
	"TLSv1.1": tls.VersionTLS11,
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

// prepareLocalTLS sets ltls.Config from static key/certificate files, the ACME
// manager or a self-signed certificate, in that order of preference.
func prepareLocalTLS(log mlog.Log, conf *Config, ltls *config.LocalTLS, checkOnly bool) error {
	var minVersion uint16 = tls.VersionTLS12
	if ltls.MinVersion != "" {
		v, ok := tlsVersions[ltls.MinVersion]
		if !ok {
			return fmt.Errorf("unknown TLS minimum version %q", ltls.MinVersion)
		}
		minVersion = v
	}

	switch {
	case len(ltls.KeyCerts) > 0:
		var certs []tls.Certificate
		for _, kp := range ltls.KeyCerts {
			cert, err := tls.LoadX509KeyPair(conf.ConfigDirPath(kp.CertFile), conf.ConfigDirPath(kp.KeyFile))
			if err != nil {
				return fmt.Errorf("parsing x509 key pair: %v", err)
			}
			certs = append(certs, cert)
		}
		ltls.Config = &tls.Config{Certificates: certs}
	case ltls.ACME:
		if conf.Static.ACME == nil {
			return fmt.Errorf("acme requested, but no top-level acme configured")
		}
		if m := conf.Static.ACME.Manager; m != nil {
			ltls.Config = m.TLSConfig.Clone()
		} else if !checkOnly {
			return fmt.Errorf("acme manager not loaded")
		}
	case ltls.SelfSigned != "":
		host, err := dns.ParseDomain(ltls.SelfSigned)
		if err != nil {
			return fmt.Errorf("parsing self-signed hostname: %v", err)
		}
		cert, err := selfSigned(log, conf.DataDirPath("selfsigned"), host, checkOnly)
		if err != nil {
			return fmt.Errorf("self-signed certificate: %v", err)
		}
		ltls.Config = &tls.Config{Certificates: []tls.Certificate{cert}}
	default:
		return fmt.Errorf("needs KeyCerts, ACME or SelfSigned")
	}
	if ltls.Config != nil {
		ltls.Config.MinVersion = minVersion
	}
	return nil
}

// selfSigned loads the certificate for host from dir, or generates a new one.
// Generated certificates are stored so mail clients that accepted it keep
// accepting it after a restart. With checkOnly, a new certificate is not
// written.
func selfSigned(log mlog.Log, dir string, host dns.Domain, checkOnly bool) (tls.Certificate, error) {
	certPath := filepath.Join(dir, host.ASCII+".crt")
	keyPath := filepath.Join(dir, host.ASCII+".key")
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		return cert, nil
	} else if !os.IsNotExist(err) {
		return tls.Certificate{}, err
	}

	certPEM, keyPEM, err := makeSelfSigned(host, time.Now())
	if err != nil {
		return tls.Certificate{}, err
	}
	if !checkOnly {
		if err := os.MkdirAll(dir, 0770); err != nil {
			return tls.Certificate{}, fmt.Errorf("making directory: %v", err)
		}
		if err := os.WriteFile(keyPath, keyPEM, 0660); err != nil {
			return tls.Certificate{}, fmt.Errorf("writing private key: %v", err)
		}
		if err := os.WriteFile(certPath, certPEM, 0660); err != nil {
			return tls.Certificate{}, fmt.Errorf("writing certificate: %v", err)
		}
		log.Print("generated self-signed certificate", slog.Any("host", host), slog.String("path", certPath))
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

// makeSelfSigned returns a PEM certificate and PKCS8 private key for host, valid
// for 4 years from now.
func makeSelfSigned(host dns.Domain, now time.Time) (certPEM, keyPEM []byte, rerr error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), cryptorand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ecdsa key: %v", err)
	}
	privKeyDER, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %v", err)
	}
	var keyBuf bytes.Buffer
	if err := pem.Encode(&keyBuf, &pem.Block{Type: "PRIVATE KEY", Bytes: privKeyDER}); err != nil {
		return nil, nil, fmt.Errorf("pem-encoding private key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.Unix()),
		DNSNames:     []string{host.ASCII},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(4 * 365 * 24 * time.Hour),
		Issuer: pkix.Name{
			Organization: []string{"opaquemail"},
		},
		Subject: pkix.Name{
			Organization: []string{"opaquemail"},
			CommonName:   host.ASCII,
		},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if host.ASCII == "localhost" {
		template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}
	certDER, err := x509.CreateCertificate(cryptorand.Reader, template, template, privKey.Public(), privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("making self-signed certificate: %v", err)
	}
	var certBuf bytes.Buffer
	if err := pem.Encode(&certBuf, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return nil, nil, fmt.Errorf("pem-encoding certificate: %v", err)
	}
	return certBuf.Bytes(), keyBuf.Bytes(), nil
}
