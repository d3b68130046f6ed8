// Package certstore keeps certificates imported from S/MIME signed messages,
// in a user or machine scope.
package certstore

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
	"github.com/bertjohnson/OpaqueMail-sub001/opaquevar"
)

var (
	metricInstall = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opaquemail_certstore_install_total",
			Help: "Certificate installs, by scope and result.",
		},
		[]string{
			"scope",
			"result", // "new", "exists", "error"
		},
	)
)

// Scope of an installed certificate, the equivalent of a machine-wide or
// per-user certificate store.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeMachine Scope = "machine"
)

// Scopes returns all scopes.
func Scopes() []Scope {
	return []Scope{ScopeUser, ScopeMachine}
}

var ErrScope = errors.New("unknown certificate store scope")

// ParseScope parses a scope, case-insensitive. The empty string is the user
// scope.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(s)) {
	case "", ScopeUser:
		return ScopeUser, nil
	case ScopeMachine:
		return ScopeMachine, nil
	}
	return "", fmt.Errorf("%w: %q", ErrScope, s)
}

// Certificate is an installed certificate.
type Certificate struct {
	ID          int64
	Scope       Scope  `bstore:"nonzero,unique Scope+Fingerprint"`
	Fingerprint string `bstore:"nonzero"` // Hex SHA-256 of DER.
	Subject     string
	Issuer      string
	Emails      []string
	NotBefore   time.Time
	NotAfter    time.Time
	DER         []byte    `bstore:"nonzero"`
	Source      string    // E.g. relay the certificate was seen on.
	Added       time.Time `bstore:"default now"`
}

// X509 parses the stored DER.
func (c Certificate) X509() (*x509.Certificate, error) {
	return x509.ParseCertificate(c.DER)
}

// Fingerprint returns the hex SHA-256 fingerprint of the DER-encoded cert.
func Fingerprint(cert *x509.Certificate) string {
	h := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(h[:])
}

// ParsePEM returns all certificates from PEM data. Other PEM blocks are
// ignored. At least one certificate must be present.
func ParsePEM(buf []byte) ([]*x509.Certificate, error) {
	var l []*x509.Certificate
	for {
		var b *pem.Block
		b, buf = pem.Decode(buf)
		if b == nil {
			break
		}
		if b.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(b.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %v", err)
		}
		l = append(l, cert)
	}
	if len(l) == 0 {
		return nil, errors.New("no certificates in pem data")
	}
	return l, nil
}

// DBTypes are the types stored in the database.
var DBTypes = []any{Certificate{}}

// Store is a certificate store backed by a bstore database.
type Store struct {
	DB  *bstore.DB
	log mlog.Log
}

// Open opens or creates the database at path.
func Open(ctx context.Context, log mlog.Log, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, fmt.Errorf("making directory for certificate store: %w", err)
	}
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: opaquevar.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open certificate store: %w", err)
	}
	return &Store{db, log.With(slog.String("path", path))}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Install adds cert to scope. If the certificate is already present in scope,
// the existing record is returned with installed false.
func (s *Store) Install(ctx context.Context, cert *x509.Certificate, scope Scope, source string) (c Certificate, installed bool, rerr error) {
	defer func() {
		result := "exists"
		if rerr != nil {
			result = "error"
		} else if installed {
			result = "new"
		}
		metricInstall.WithLabelValues(string(scope), result).Inc()
	}()

	if _, err := ParseScope(string(scope)); err != nil || scope == "" {
		return Certificate{}, false, fmt.Errorf("%w: %q", ErrScope, scope)
	}

	fp := Fingerprint(cert)
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		c, err = bstore.QueryTx[Certificate](tx).FilterNonzero(Certificate{Scope: scope, Fingerprint: fp}).Get()
		if err == nil {
			return nil
		} else if err != bstore.ErrAbsent {
			return fmt.Errorf("looking up certificate: %w", err)
		}

		c = Certificate{
			Scope:       scope,
			Fingerprint: fp,
			Subject:     cert.Subject.String(),
			Issuer:      cert.Issuer.String(),
			Emails:      cert.EmailAddresses,
			NotBefore:   cert.NotBefore,
			NotAfter:    cert.NotAfter,
			DER:         cert.Raw,
			Source:      source,
		}
		if err := tx.Insert(&c); err != nil {
			return fmt.Errorf("inserting certificate: %w", err)
		}
		installed = true
		return nil
	})
	if err != nil {
		return Certificate{}, false, err
	}
	if installed {
		s.log.Info("certificate installed",
			slog.String("scope", string(scope)),
			slog.String("fingerprint", fp),
			slog.String("subject", c.Subject),
			slog.String("source", source))
	}
	return c, installed, nil
}

// List returns certificates in scope, or all certificates if scope is empty,
// most recently added first.
func (s *Store) List(ctx context.Context, scope Scope) ([]Certificate, error) {
	q := bstore.QueryDB[Certificate](ctx, s.DB)
	if scope != "" {
		q.FilterNonzero(Certificate{Scope: scope})
	}
	q.SortDesc("Added")
	return q.List()
}

// Get returns the certificate with fingerprint in scope, or bstore.ErrAbsent.
func (s *Store) Get(ctx context.Context, scope Scope, fingerprint string) (Certificate, error) {
	return bstore.QueryDB[Certificate](ctx, s.DB).FilterNonzero(Certificate{Scope: scope, Fingerprint: strings.ToLower(fingerprint)}).Get()
}

// Remove deletes a certificate by ID.
func (s *Store) Remove(ctx context.Context, id int64) error {
	err := s.DB.Delete(ctx, &Certificate{ID: id})
	if err == nil {
		s.log.Info("certificate removed", slog.Int64("id", id))
	}
	return err
}
