package trust

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

// Default OCSP configuration
const (
	DefaultOCSPTimeout  = 10 * time.Second
	DefaultOCSPCacheTTL = 1 * time.Hour
)

// Revocation is the OCSP status of a certificate
type Revocation string

const (
	RevocationGood    Revocation = "good"
	RevocationRevoked Revocation = "revoked"
	RevocationUnknown Revocation = "unknown"
	// RevocationSkipped means no check was possible (no responder URL or no issuer)
	RevocationSkipped Revocation = "skipped"
)

// OCSPCache caches OCSP answers per certificate
type OCSPCache struct {
	mu      sync.RWMutex
	entries map[string]ocspCacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type ocspCacheEntry struct {
	status    Revocation
	expiresAt time.Time
}

// NewOCSPCache creates a new OCSP response cache
func NewOCSPCache(ttl time.Duration) *OCSPCache {
	return &OCSPCache{
		entries: make(map[string]ocspCacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get retrieves a cached status
func (c *OCSPCache) Get(cert *x509.Certificate) (Revocation, bool) {
	if cert == nil {
		return "", false
	}
	key := certCacheKey(cert)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}

	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return "", false
	}
	return entry.status, true
}

// Set caches a definitive status. Unknown and skipped results are not cached.
func (c *OCSPCache) Set(cert *x509.Certificate, status Revocation) {
	if cert == nil || (status != RevocationGood && status != RevocationRevoked) {
		return
	}

	c.mu.Lock()
	c.entries[certCacheKey(cert)] = ocspCacheEntry{status: status, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func certCacheKey(cert *x509.Certificate) string {
	return fmt.Sprintf("%s:%s", cert.Issuer.String(), cert.SerialNumber.String())
}

// CheckOCSP asks each responder listed in cert until one answers
func CheckOCSP(ctx context.Context, client *http.Client, cert, issuer *x509.Certificate) (Revocation, error) {
	if len(cert.OCSPServer) == 0 {
		return RevocationSkipped, fmt.Errorf("no OCSP server URL in certificate")
	}
	if client == nil {
		client = http.DefaultClient
	}

	request, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return RevocationUnknown, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	var lastErr error
	for _, server := range cert.OCSPServer {
		status, err := queryOCSPServer(ctx, client, server, request, issuer)
		if err == nil {
			return status, nil
		}
		lastErr = err
	}
	return RevocationUnknown, fmt.Errorf("all OCSP servers failed: %w", lastErr)
}

func queryOCSPServer(ctx context.Context, client *http.Client, serverURL string, request []byte, issuer *x509.Certificate) (Revocation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(request))
	if err != nil {
		return RevocationUnknown, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	resp, err := client.Do(req)
	if err != nil {
		return RevocationUnknown, fmt.Errorf("OCSP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RevocationUnknown, fmt.Errorf("OCSP server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RevocationUnknown, fmt.Errorf("failed to read OCSP response: %w", err)
	}

	parsed, err := ocsp.ParseResponseForCert(body, nil, issuer)
	if err != nil {
		return RevocationUnknown, fmt.Errorf("failed to parse OCSP response: %w", err)
	}

	switch parsed.Status {
	case ocsp.Good:
		return RevocationGood, nil
	case ocsp.Revoked:
		return RevocationRevoked, nil
	case ocsp.Unknown:
		return RevocationUnknown, fmt.Errorf("OCSP status unknown")
	default:
		return RevocationUnknown, fmt.Errorf("unexpected OCSP status: %d", parsed.Status)
	}
}
