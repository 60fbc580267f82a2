// Package authority talks to the national tax authority over a mutually
// authenticated SOAP endpoint described by a WSDL.
package authority

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"

	dec "github.com/rezonia/compliance-engine/internal/decimal"
	"github.com/rezonia/compliance-engine/internal/model"
)

// DefaultCallTimeout bounds a single remote call
const DefaultCallTimeout = 30 * time.Second

const maxResponseSize = 4 << 20

// Registration is the authority's acknowledgement of an invoice
type Registration struct {
	Reference string
	// Duplicate is set when the authority already held this invoice
	Duplicate bool
}

// Period is an inclusive range of issue dates
type Period struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t's calendar day falls inside the period
func (p Period) Contains(t time.Time) bool {
	day := t.Format(model.DateLayout)
	return day >= p.From.Format(model.DateLayout) && day <= p.To.Format(model.DateLayout)
}

// DayPeriod returns the single-day period containing t
func DayPeriod(t time.Time) Period {
	return Period{From: t, To: t}
}

// RegisteredInvoice is one entry of a QueryInvoices answer
type RegisteredInvoice struct {
	Number      string
	IssueDate   string
	Hash        string
	Reference   string
	GrossAmount string
}

// QueryResult lists what the authority holds for a tax id and period
type QueryResult struct {
	Invoices []RegisteredInvoice
}

// Find returns the registered invoice with the given number and issue day
func (r QueryResult) Find(number, issueDay string) (RegisteredInvoice, bool) {
	for _, inv := range r.Invoices {
		if inv.Number == number && inv.IssueDate == issueDay {
			return inv, true
		}
	}
	return RegisteredInvoice{}, false
}

// Client calls the authority. It is safe for concurrent use; the underlying
// connection pool is shared across tenants.
type Client struct {
	http        *http.Client
	service     *ServiceDescription
	credentials *Credentials
	rootCAs     *x509.CertPool
	callTimeout time.Duration
	signer      *dsig.SigningContext
	signing     bool
	logger      *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithRootCAs sets the pool used to verify the authority's server certificate
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Client) {
		c.rootCAs = pool
	}
}

// WithCallTimeout bounds every remote call
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithSigning signs request bodies with the client key (XML-DSig, enveloped)
func WithSigning() Option {
	return func(c *Client) {
		c.signing = true
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient builds an mTLS client for the service
func NewClient(creds *Credentials, service *ServiceDescription, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, model.NewConfigError("cert_bundle", "client credentials are required", nil)
	}
	if service == nil {
		return nil, model.NewConfigError("service_description", "service description is required", nil)
	}

	c := &Client{
		service:     service,
		credentials: creds,
		callTimeout: DefaultCallTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.signing {
		c.signer = dsig.NewDefaultSigningContext(dsig.TLSCertKeyStore(creds.Certificate))
		c.signer.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	}

	c.http = &http.Client{Transport: NewTransport(creds, c.rootCAs)}
	return c, nil
}

// NewTransport returns a pooled transport presenting the client certificate.
// A nil pool means the system roots.
func NewTransport(creds *Credentials, rootCAs *x509.CertPool) *http.Transport {
	tlsConfig := &tls.Config{
		RootCAs:    rootCAs,
		MinVersion: tls.VersionTLS12,
	}
	if creds != nil {
		tlsConfig.Certificates = []tls.Certificate{creds.Certificate}
	}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

// Endpoint returns the resolved SOAP endpoint
func (c *Client) Endpoint() string {
	return c.service.Endpoint
}

// Operations lists the operations exposed by the service
func (c *Client) Operations() []string {
	return c.service.Operations()
}

// RegisterInvoice transmits an invoice and its chain hash. A Duplicate answer
// is success: the registration already exists and its reference is returned.
func (c *Client) RegisterInvoice(ctx context.Context, inv model.Invoice, hash string, code model.VerificationCode) (Registration, error) {
	req := newRequestElement("RegisterInvoiceRequest", "req-"+uuid.NewString())
	addText(req.CreateElement("tax:Issuer"), "TaxID", inv.TaxID)

	invEl := req.CreateElement("tax:Invoice")
	addText(invEl, "Number", inv.Number)
	addText(invEl, "IssueDate", inv.IssueDay())
	addText(invEl, "NetAmount", dec.FormatFixed(inv.NetAmount))
	addText(invEl, "TaxAmount", dec.FormatFixed(inv.TaxAmount))
	addText(invEl, "GrossAmount", dec.FormatFixed(inv.GrossAmount))

	chainEl := req.CreateElement("tax:Chain")
	addText(chainEl, "Algorithm", HashAlgorithm)
	addText(chainEl, "Hash", hash)
	addText(req, "VerificationURL", code.URL)

	resp, err := c.call(ctx, OpRegisterInvoice, req)
	if err != nil {
		return Registration{}, err
	}

	status := pathText(resp, "Status")
	reference := pathText(resp, "Reference")
	switch status {
	case StatusAccepted:
		return Registration{Reference: reference}, nil
	case StatusDuplicate:
		c.logger.Info("authority reported duplicate registration",
			"invoice_id", inv.ID, "reference", reference)
		return Registration{Reference: reference, Duplicate: true}, nil
	case StatusRejected:
		return Registration{}, newError(KindRejected, OpRegisterInvoice,
			pathText(resp, "ErrorCode"), pathText(resp, "ErrorDescription"), nil)
	case StatusTryLater:
		return Registration{}, newError(KindTransient, OpRegisterInvoice,
			pathText(resp, "ErrorCode"), pathText(resp, "ErrorDescription"), nil)
	default:
		return Registration{}, newError(KindProtocol, OpRegisterInvoice, "",
			fmt.Sprintf("unknown registration status %q", status), nil)
	}
}

// QueryInvoices lists the invoices the authority holds for a tax id and period
func (c *Client) QueryInvoices(ctx context.Context, taxID string, period Period) (QueryResult, error) {
	req := newRequestElement("QueryInvoicesRequest", "req-"+uuid.NewString())
	addText(req, "TaxID", taxID)
	p := req.CreateElement("tax:Period")
	addText(p, "From", period.From.Format(model.DateLayout))
	addText(p, "To", period.To.Format(model.DateLayout))

	resp, err := c.call(ctx, OpQueryInvoices, req)
	if err != nil {
		return QueryResult{}, err
	}

	var out QueryResult
	for _, el := range resp.SelectElements("Invoice") {
		out.Invoices = append(out.Invoices, RegisteredInvoice{
			Number:      pathText(el, "Number"),
			IssueDate:   pathText(el, "IssueDate"),
			Hash:        pathText(el, "Hash"),
			Reference:   pathText(el, "Reference"),
			GrossAmount: pathText(el, "GrossAmount"),
		})
	}
	return out, nil
}

// call sends one SOAP request and classifies every failure
func (c *Client) call(ctx context.Context, op string, body *etree.Element) (*etree.Element, error) {
	if c.signer != nil {
		signed, err := c.signer.SignEnveloped(body)
		if err != nil {
			return nil, newError(KindProtocol, op, "", "sign request", err)
		}
		body = signed
	}
	payload, err := wrapEnvelope(body)
	if err != nil {
		return nil, newError(KindProtocol, op, "", "encode request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.service.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, newError(KindProtocol, op, "", "build request", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	action := c.service.SOAPActions[op]
	if action == "" {
		action = TaxNS + "#" + op
	}
	req.Header.Set("SOAPAction", `"`+action+`"`)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, transportError(op, err)
	}

	c.logger.Debug("authority call",
		"operation", op, "status", resp.StatusCode, "duration", time.Since(start))

	el, flt, parseErr := parseEnvelope(data)
	switch {
	case flt != nil:
		kind := KindTransient
		if flt.isClient() {
			kind = KindRejected
		}
		msg := flt.String
		if flt.Detail != "" {
			msg += " (" + flt.Detail + ")"
		}
		return nil, newError(kind, op, flt.Code, msg, nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, newError(KindTransient, op, "", fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, newError(KindProtocol, op, "", fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	case parseErr != nil:
		return nil, newError(KindProtocol, op, "", "malformed response", parseErr)
	}
	return el, nil
}
