package authority

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/rezonia/compliance-engine/internal/model"
)

// Credentials is the engine's client identity, decoded once at startup and
// shared read-only by every worker.
type Credentials struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	Chain       []*x509.Certificate
}

// LoadCredentials decodes a PKCS#12 bundle using the passphrase stored in
// passphrasePath. Trailing newlines in the passphrase file are ignored.
func LoadCredentials(bundlePath, passphrasePath string) (*Credentials, error) {
	if bundlePath == "" {
		return nil, model.NewConfigError("cert_bundle", "certificate bundle path is not set", nil)
	}
	if passphrasePath == "" {
		return nil, model.NewConfigError("cert_passphrase_file", "passphrase file path is not set", nil)
	}

	bundle, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, model.NewConfigError("cert_bundle", "cannot read certificate bundle", err)
	}
	raw, err := os.ReadFile(passphrasePath)
	if err != nil {
		return nil, model.NewConfigError("cert_passphrase_file", "cannot read passphrase file", err)
	}
	passphrase := strings.TrimRight(string(raw), "\r\n")
	if passphrase == "" {
		return nil, model.NewConfigError("cert_passphrase_file", "passphrase is empty", nil)
	}

	return DecodeCredentials(bundle, passphrase)
}

// DecodeCredentials decodes PKCS#12 data into a TLS client certificate
func DecodeCredentials(bundle []byte, passphrase string) (*Credentials, error) {
	key, leaf, chain, err := pkcs12.DecodeChain(bundle, passphrase)
	if err != nil {
		return nil, model.NewConfigError("cert_bundle", "cannot decode certificate bundle", err)
	}
	if leaf == nil || key == nil {
		return nil, model.NewConfigError("cert_bundle", "bundle has no certificate or private key", nil)
	}

	der := make([][]byte, 0, 1+len(chain))
	der = append(der, leaf.Raw)
	for _, c := range chain {
		der = append(der, c.Raw)
	}

	return &Credentials{
		Certificate: tls.Certificate{
			Certificate: der,
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf:  leaf,
		Chain: chain,
	}, nil
}

// Subject returns a short description of the client certificate
func (c *Credentials) Subject() string {
	if c == nil || c.Leaf == nil {
		return ""
	}
	return fmt.Sprintf("%s (serial %s)", c.Leaf.Subject.String(), c.Leaf.SerialNumber.String())
}
