// Package verification builds the public verification URL for a registered
// invoice and renders it as a QR code.
package verification

import (
	"encoding/hex"
	"net/url"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	dec "github.com/rezonia/compliance-engine/internal/decimal"
	"github.com/rezonia/compliance-engine/internal/model"
)

const (
	// DefaultBaseURL is the authority's public verification endpoint
	DefaultBaseURL = "https://verify.tax-authority.example/v1/invoice"

	// DefaultSize is the minimum edge length of the rendered PNG in pixels
	DefaultSize = 256

	// HashPrefixLength is the number of hex characters of the chain hash printed on the code
	HashPrefixLength = 16

	// DateLayout is the issue date format used in the verification URL
	DateLayout = "02-01-2006"
)

// Renderer produces verification codes
type Renderer struct {
	BaseURL string
	Size    int
}

// NewRenderer creates a renderer. An empty base URL takes the default and
// sizes below DefaultSize are raised to it.
func NewRenderer(baseURL string, size int) *Renderer {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if size < DefaultSize {
		size = DefaultSize
	}
	return &Renderer{BaseURL: baseURL, Size: size}
}

// BuildURL returns the verification URL for inv. Query parameters are emitted
// in a fixed order: nif, number, date, amount, hash.
func (r *Renderer) BuildURL(inv model.Invoice, hash string) (string, error) {
	base, err := url.Parse(r.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", model.NewRenderError(inv.ID, "invalid verification base URL "+r.BaseURL, err)
	}
	if base.RawQuery != "" || base.Fragment != "" {
		return "", model.NewRenderError(inv.ID, "verification base URL must not carry a query or fragment", nil)
	}

	if len(hash) < HashPrefixLength {
		return "", model.NewRenderError(inv.ID, "hash is shorter than the verification prefix", nil)
	}
	prefix := hash[:HashPrefixLength]
	if _, err := hex.DecodeString(prefix); err != nil {
		return "", model.NewRenderError(inv.ID, "hash is not hex encoded", err)
	}

	params := [][2]string{
		{"nif", inv.TaxID},
		{"number", inv.Number},
		{"date", inv.IssueDate.Format(DateLayout)},
		{"amount", dec.FormatFixed(inv.GrossAmount)},
		{"hash", strings.ToLower(prefix)},
	}

	var b strings.Builder
	b.WriteString(base.String())
	for i, p := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[1]))
	}
	return b.String(), nil
}

// Render builds the verification URL and encodes it as a PNG QR code with
// medium error correction.
func (r *Renderer) Render(inv model.Invoice, hash string) (model.VerificationCode, error) {
	content, err := r.BuildURL(inv, hash)
	if err != nil {
		return model.VerificationCode{}, err
	}

	size := r.Size
	if size < DefaultSize {
		size = DefaultSize
	}

	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return model.VerificationCode{}, model.NewRenderError(inv.ID, "encode QR code", err)
	}

	return model.VerificationCode{URL: content, PNG: png, Size: size}, nil
}
