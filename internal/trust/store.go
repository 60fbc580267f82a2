// Package trust holds the CA roots used to authenticate the tax authority and
// reports the status of the engine's own client certificate.
package trust

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Store manages trusted CA certificates and revocation checking
type Store struct {
	roots       *x509.CertPool
	ocspCache   *OCSPCache
	ocspTimeout time.Duration
	ocspClient  *http.Client
	softFail    bool
	now         func() time.Time
}

// StoreOption configures a Store
type StoreOption func(*Store)

// NewSystemStore creates a store seeded with the host's root CAs
func NewSystemStore(opts ...StoreOption) (*Store, error) {
	roots, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("failed to load system root CAs: %w", err)
	}
	s := newStore(roots)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewEmptyStore creates a store without default CAs
func NewEmptyStore(opts ...StoreOption) *Store {
	s := newStore(x509.NewCertPool())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newStore(roots *x509.CertPool) *Store {
	return &Store{
		roots:       roots,
		ocspCache:   NewOCSPCache(DefaultOCSPCacheTTL),
		ocspTimeout: DefaultOCSPTimeout,
		ocspClient:  &http.Client{},
		now:         time.Now,
	}
}

// WithSoftFail treats an unreachable OCSP responder as healthy
func WithSoftFail() StoreOption {
	return func(s *Store) {
		s.softFail = true
	}
}

// WithOCSPTimeout sets the timeout for OCSP requests
func WithOCSPTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		s.ocspTimeout = d
	}
}

// WithOCSPCacheTTL sets the TTL for OCSP cache entries
func WithOCSPCacheTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		s.ocspCache = NewOCSPCache(d)
	}
}

// WithOCSPClient sets the HTTP client used to reach OCSP responders
func WithOCSPClient(c *http.Client) StoreOption {
	return func(s *Store) {
		s.ocspClient = c
	}
}

// WithClock sets the time source for validity checks
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
		s.ocspCache.now = now
	}
}

// AddCertificate adds a single certificate to the trust store
func (s *Store) AddCertificate(cert *x509.Certificate) {
	if cert != nil {
		s.roots.AddCert(cert)
	}
}

// AddCertificatesFromPEM parses and adds certificates from PEM data
func (s *Store) AddCertificatesFromPEM(pemData []byte) error {
	var added int
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("failed to parse certificate: %w", err)
			}
			s.AddCertificate(cert)
			added++
		}
		pemData = rest
	}
	if added == 0 {
		return fmt.Errorf("no certificates found in PEM data")
	}
	return nil
}

// AddPEMFile adds the CA certificates in a PEM file
func (s *Store) AddPEMFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read CA file: %w", err)
	}
	if err := s.AddCertificatesFromPEM(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// VerifyChain verifies a certificate against the trusted roots
func (s *Store) VerifyChain(cert *x509.Certificate, intermediates []*x509.Certificate) ([]*x509.Certificate, error) {
	if cert == nil {
		return nil, fmt.Errorf("certificate is nil")
	}

	var interPool *x509.CertPool
	if len(intermediates) > 0 {
		interPool = x509.NewCertPool()
		for _, inter := range intermediates {
			interPool.AddCert(inter)
		}
	}

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:         s.roots,
		Intermediates: interPool,
		CurrentTime:   s.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("chain verification failed: %w", err)
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("no valid certificate chains found")
	}
	return chains[0], nil
}

// CheckRevocation returns the OCSP status of cert, consulting the cache first
func (s *Store) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) (Revocation, error) {
	if cert == nil {
		return RevocationUnknown, fmt.Errorf("certificate is nil")
	}
	if status, ok := s.ocspCache.Get(cert); ok {
		return status, nil
	}
	if issuer == nil || len(cert.OCSPServer) == 0 {
		return RevocationSkipped, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.ocspTimeout)
	defer cancel()

	status, err := CheckOCSP(ctx, s.ocspClient, cert, issuer)
	if err != nil {
		return RevocationUnknown, fmt.Errorf("OCSP check failed: %w", err)
	}
	s.ocspCache.Set(cert, status)
	return status, nil
}

// CertificateStatus describes a certificate for health reporting
type CertificateStatus struct {
	Subject      string     `json:"subject"`
	Issuer       string     `json:"issuer"`
	SerialNumber string     `json:"serial_number"`
	NotBefore    time.Time  `json:"not_before"`
	NotAfter     time.Time  `json:"not_after"`
	Expired      bool       `json:"expired"`
	NotYetValid  bool       `json:"not_yet_valid"`
	Trusted      bool       `json:"trusted"`
	Revocation   Revocation `json:"revocation"`
	Warnings     []string   `json:"warnings,omitempty"`
	softFail     bool
}

// Healthy reports whether the certificate can be used for authentication
func (c CertificateStatus) Healthy() bool {
	if c.Expired || c.NotYetValid || !c.Trusted || c.Revocation == RevocationRevoked {
		return false
	}
	return c.Revocation != RevocationUnknown || c.softFail
}

// Status inspects leaf's validity window, whether it chains to a trusted
// root and its revocation. The issuer is looked up among chain by signature.
func (s *Store) Status(ctx context.Context, leaf *x509.Certificate, chain []*x509.Certificate) CertificateStatus {
	now := s.now()
	st := CertificateStatus{
		Subject:      leaf.Subject.String(),
		Issuer:       leaf.Issuer.String(),
		SerialNumber: leaf.SerialNumber.String(),
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
		Expired:      now.After(leaf.NotAfter),
		NotYetValid:  now.Before(leaf.NotBefore),
		softFail:     s.softFail,
	}
	if st.Expired {
		st.Warnings = append(st.Warnings, "certificate has expired")
	}
	if st.NotYetValid {
		st.Warnings = append(st.Warnings, "certificate is not yet valid")
	}

	var issuer *x509.Certificate
	intermediates := make([]*x509.Certificate, 0, len(chain))
	for _, c := range chain {
		if c == leaf {
			continue
		}
		intermediates = append(intermediates, c)
		if issuer == nil && leaf.CheckSignatureFrom(c) == nil {
			issuer = c
		}
	}

	if _, err := s.VerifyChain(leaf, intermediates); err != nil {
		st.Warnings = append(st.Warnings, "certificate does not chain to a trusted root: "+err.Error())
	} else {
		st.Trusted = true
	}

	status, err := s.CheckRevocation(ctx, leaf, issuer)
	st.Revocation = status
	if err != nil {
		st.Warnings = append(st.Warnings, err.Error())
	}
	if status == RevocationSkipped {
		st.Warnings = append(st.Warnings, "revocation not checked")
	}
	return st
}

// Roots returns the certificate pool
func (s *Store) Roots() *x509.CertPool {
	return s.roots
}
