// Package trust decides whether certificates presented by the IDP-Dienst
// belong to the TI. Roots and the TSL come from gempki.
package trust

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/gematik/zero-lab/go/gempki"
)

// maxChainLength bounds the walk from a leaf to an anchor.
const maxChainLength = 5

var (
	ErrNoTrustAnchor      = errors.New("trust store has no trust anchor")
	ErrIssuerNotFound     = errors.New("issuer of certificate not found in trust store")
	ErrValidityPeriod     = errors.New("certificate validity period")
	ErrChainTooLong       = errors.New("certificate chain too long")
	ErrNotPinned          = errors.New("IDP certificate is not one of the pinned certificates")
	ErrCertificateMissing = errors.New("no certificate given")
)

// TrustStore decides whether a certificate presented by the IDP-Dienst
// chains to one of the configured anchors.
type TrustStore struct {
	anchors       []*x509.Certificate
	intermediates []*x509.Certificate
	pinned        []*x509.Certificate
	now           func() time.Time
}

type Option func(*TrustStore)

func WithAnchors(certs ...*x509.Certificate) Option {
	return func(ts *TrustStore) {
		ts.anchors = append(ts.anchors, certs...)
	}
}

func WithIntermediates(certs ...*x509.Certificate) Option {
	return func(ts *TrustStore) {
		ts.intermediates = append(ts.intermediates, certs...)
	}
}

// WithPinnedIdpCertificates restricts accepted IDP certificates to the
// given set. Each of them still has to chain to an anchor.
func WithPinnedIdpCertificates(certs ...*x509.Certificate) Option {
	return func(ts *TrustStore) {
		ts.pinned = append(ts.pinned, certs...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(ts *TrustStore) {
		ts.now = now
	}
}

func NewTrustStore(opts ...Option) (*TrustStore, error) {
	ts := &TrustStore{now: time.Now}
	for _, opt := range opts {
		opt(ts)
	}
	if len(ts.anchors) == 0 {
		return nil, ErrNoTrustAnchor
	}
	return ts, nil
}

// NewTrustStoreFromRoots trusts the TI roots and the CA certificates of tsl
// issued by one of them. tsl may be nil, then only certificates issued
// directly by a root or by intermediates passed as options are trusted.
func NewTrustStoreFromRoots(roots *gempki.Roots, tsl *gempki.TrustServiceStatusList, opts ...Option) (*TrustStore, error) {
	if roots == nil || len(roots.ByCommonName) == 0 {
		return nil, ErrNoTrustAnchor
	}
	anchors := make([]*x509.Certificate, 0, len(roots.ByCommonName))
	for _, cn := range slices.Sorted(maps.Keys(roots.ByCommonName)) {
		anchors = append(anchors, roots.ByCommonName[cn])
	}
	base := []Option{WithAnchors(anchors...)}
	if tsl != nil {
		subCAs := roots.FilterValidSubCAs(tsl)
		slog.Debug("Sub CAs taken from TSL", "count", len(subCAs), "tsl", tsl.Url)
		base = append(base, WithIntermediates(subCAs...))
	}
	return NewTrustStore(append(base, opts...)...)
}

// NewTrustStoreForEnvironment uses the roots embedded in gempki for env.
func NewTrustStoreForEnvironment(env gempki.Environment, tsl *gempki.TrustServiceStatusList, opts ...Option) (*TrustStore, error) {
	roots, err := gempki.LoadRootsEmbedded(env)
	if err != nil {
		return nil, fmt.Errorf("loading roots: %w", err)
	}
	return NewTrustStoreFromRoots(roots, tsl, opts...)
}

// TSLURL returns the download location of the TSL for env.
func TSLURL(env gempki.Environment) (string, error) {
	switch env {
	case gempki.EnvTest:
		return gempki.URLTrustServiceListTest, nil
	case gempki.EnvDev, gempki.EnvRef:
		return gempki.URLTrustServiceListRef, nil
	case gempki.EnvProd:
		return gempki.URLTrustServiceListProd, nil
	default:
		return "", fmt.Errorf("unknown environment: %s", env)
	}
}

// CheckIdpCertificate returns an error if cert is not trusted.
func (ts *TrustStore) CheckIdpCertificate(ctx context.Context, cert *x509.Certificate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cert == nil {
		return ErrCertificateMissing
	}

	if len(ts.pinned) > 0 && !containsCertificate(ts.pinned, cert) {
		return fmt.Errorf("%w: %s", ErrNotPinned, cert.Subject.CommonName)
	}

	if err := ts.verifyChain(cert); err != nil {
		slog.Error("IDP certificate could not be validated", "subject", cert.Subject.CommonName, "error", err)
		return err
	}

	slog.Debug("IDP certificate validated", "subject", cert.Subject.CommonName)
	return nil
}

func (ts *TrustStore) verifyChain(cert *x509.Certificate) error {
	now := ts.now()
	current := cert
	for depth := 0; depth < maxChainLength; depth++ {
		if err := checkValidity(current, now); err != nil {
			return err
		}

		if containsCertificate(ts.anchors, current) {
			return nil
		}

		if anchor := findIssuer(ts.anchors, current); anchor != nil {
			return checkValidity(anchor, now)
		}

		issuer := findIssuer(ts.intermediates, current)
		if issuer == nil {
			return fmt.Errorf("%w: %s issued by %s", ErrIssuerNotFound, current.Subject.CommonName, current.Issuer.CommonName)
		}
		current = issuer
	}
	return ErrChainTooLong
}

// findIssuer returns the candidate whose subject matches the issuer of cert
// and whose key verifies the signature of cert.
func findIssuer(candidates []*x509.Certificate, cert *x509.Certificate) *x509.Certificate {
	for _, candidate := range candidates {
		if !bytes.Equal(candidate.RawSubject, cert.RawIssuer) {
			continue
		}
		if err := cert.CheckSignatureFrom(candidate); err != nil {
			slog.Debug("Signature check against candidate issuer failed", "issuer", candidate.Subject.CommonName, "error", err)
			continue
		}
		return candidate
	}
	return nil
}

func checkValidity(c *x509.Certificate, now time.Time) error {
	if now.Before(c.NotBefore) {
		return fmt.Errorf("%w: certificate %s is not valid yet: notBefore=%s", ErrValidityPeriod, c.Subject.CommonName, c.NotBefore)
	}
	if now.After(c.NotAfter) {
		return fmt.Errorf("%w: certificate %s has expired: notAfter=%s", ErrValidityPeriod, c.Subject.CommonName, c.NotAfter)
	}
	return nil
}

func containsCertificate(certs []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range certs {
		if c.Equal(cert) {
			return true
		}
	}
	return false
}

// ParseCertificatesPEM parses every CERTIFICATE block of data. Brainpool keys
// are supported.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := brainpool.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificate found in PEM data")
	}
	return certs, nil
}

