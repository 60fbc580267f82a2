// Package authoritytest runs an in-process tax authority that speaks the
// engine's SOAP protocol over mutually authenticated TLS.
package authoritytest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/rezonia/compliance-engine/internal/authority"
)

// Passphrase protects the generated PKCS#12 bundle
const Passphrase = "test-passphrase"

// Entry is an invoice held by the fake authority
type Entry struct {
	TaxID       string
	Number      string
	IssueDate   string
	Hash        string
	Reference   string
	GrossAmount string
}

func (e Entry) key() string {
	return e.TaxID + "|" + e.Number + "|" + e.IssueDate
}

type rejection struct {
	code    string
	message string
	fault   bool
}

// Server is a fake authority endpoint
type Server struct {
	*httptest.Server

	BundlePath     string
	PassphrasePath string
	WSDLPath       string
	CAPath         string
	ClientCert     *x509.Certificate
	ClientCA       *x509.Certificate

	mu               sync.Mutex
	entries          map[string]Entry
	registerCalls    int
	queryCalls       int
	rejections       map[string]rejection
	transientFaults  int
	tryLater         int
	lostResponses    int
	delay            time.Duration
	requireSignature bool
	signedRequests   int
}

// Option configures the fake
type Option func(*Server)

// WithRejectTaxID rejects every registration for taxID with a Rejected status
func WithRejectTaxID(taxID, code, message string) Option {
	return func(s *Server) {
		s.rejections[taxID] = rejection{code: code, message: message}
	}
}

// WithClientFaultTaxID rejects registrations for taxID with a soap:Client fault
func WithClientFaultTaxID(taxID, message string) Option {
	return func(s *Server) {
		s.rejections[taxID] = rejection{message: message, fault: true}
	}
}

// WithTransientFaults answers the next n registrations with a soap:Server fault
func WithTransientFaults(n int) Option {
	return func(s *Server) {
		s.transientFaults = n
	}
}

// WithTryLater answers the next n registrations with Status=TryLater
func WithTryLater(n int) Option {
	return func(s *Server) {
		s.tryLater = n
	}
}

// WithLostResponses registers the next n invoices but drops the connection
// before answering
func WithLostResponses(n int) Option {
	return func(s *Server) {
		s.lostResponses = n
	}
}

// WithDelay holds every registration for d before answering
func WithDelay(d time.Duration) Option {
	return func(s *Server) {
		s.delay = d
	}
}

// WithRequiredSignature rejects request bodies without a valid XML signature
func WithRequiredSignature() Option {
	return func(s *Server) {
		s.requireSignature = true
	}
}

// New starts a fake authority and writes its credentials, WSDL and CA file
// into a temporary directory.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		entries:    make(map[string]Entry),
		rejections: make(map[string]rejection),
	}
	for _, opt := range opts {
		opt(s)
	}

	caCert, caKey := newCA(t)
	clientKey, clientCert := newClientCert(t, caCert, caKey)
	s.ClientCert = clientCert
	s.ClientCA = caCert

	clientCAs := x509.NewCertPool()
	clientCAs.AddCert(caCert)

	mux := http.NewServeMux()
	mux.HandleFunc("/soap", s.handleSOAP)
	mux.HandleFunc("/wsdl", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, WSDL(s.URL+"/soap"))
	})

	s.Server = httptest.NewUnstartedServer(mux)
	s.Server.TLS = &tls.Config{
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  clientCAs,
		MinVersion: tls.VersionTLS12,
	}
	s.Server.StartTLS()
	t.Cleanup(s.Server.Close)

	dir := t.TempDir()
	bundle, err := pkcs12.Modern.Encode(clientKey, clientCert, []*x509.Certificate{caCert}, Passphrase)
	if err != nil {
		t.Fatalf("encode pkcs12: %v", err)
	}
	s.BundlePath = writeFile(t, dir, "client.p12", bundle)
	s.PassphrasePath = writeFile(t, dir, "passphrase", []byte(Passphrase+"\n"))
	s.WSDLPath = writeFile(t, dir, "authority.wsdl", []byte(WSDL(s.URL+"/soap")))
	s.CAPath = writeFile(t, dir, "authority-ca.pem",
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.Certificate().Raw}))

	return s
}

// RootCAs returns a pool that trusts the fake's server certificate
func (s *Server) RootCAs() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.Certificate())
	return pool
}

// Client builds an authority client wired to the fake
func (s *Server) Client(t testing.TB, opts ...authority.Option) *authority.Client {
	t.Helper()

	creds, err := authority.LoadCredentials(s.BundlePath, s.PassphrasePath)
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	desc, err := authority.LoadServiceDescription(context.Background(), s.WSDLPath, nil)
	if err != nil {
		t.Fatalf("load service description: %v", err)
	}
	opts = append([]authority.Option{authority.WithRootCAs(s.RootCAs())}, opts...)
	c, err := authority.NewClient(creds, desc, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

// Preload stores an entry as if it had been registered earlier
func (s *Server) Preload(e Entry) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Reference == "" {
		e.Reference = "REF-" + uuid.NewString()
	}
	s.entries[e.key()] = e
	return e
}

// Lookup returns the registered entry for an invoice
func (s *Server) Lookup(taxID, number, issueDate string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[Entry{TaxID: taxID, Number: number, IssueDate: issueDate}.key()]
	return e, ok
}

// Registrations returns the number of distinct registered invoices
func (s *Server) Registrations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RegisterCalls returns how many RegisterInvoice requests arrived
func (s *Server) RegisterCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerCalls
}

// QueryCalls returns how many QueryInvoices requests arrived
func (s *Server) QueryCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryCalls
}

// SignedRequests returns how many requests carried a valid signature
func (s *Server) SignedRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signedRequests
}

// SetTransientFaults changes the number of upcoming soap:Server faults
func (s *Server) SetTransientFaults(n int) {
	s.mu.Lock()
	s.transientFaults = n
	s.mu.Unlock()
}

func (s *Server) handleSOAP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeFault(w, "soapenv:Client", "unreadable request")
		return
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil || doc.Root() == nil {
		writeFault(w, "soapenv:Client", "malformed envelope")
		return
	}
	body := doc.Root().SelectElement("Body")
	if body == nil || len(body.ChildElements()) == 0 {
		writeFault(w, "soapenv:Client", "empty body")
		return
	}
	req := body.ChildElements()[0]

	if s.requireSignature {
		if err := s.verifySignature(req); err != nil {
			writeFault(w, "soapenv:Client", "invalid signature: "+err.Error())
			return
		}
	}

	switch req.Tag {
	case "RegisterInvoiceRequest":
		s.handleRegister(w, r, req)
	case "QueryInvoicesRequest":
		s.handleQuery(w, req)
	default:
		writeFault(w, "soapenv:Client", "unknown operation "+req.Tag)
	}
}

func (s *Server) verifySignature(el *etree.Element) error {
	vctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{s.ClientCert},
	})
	if _, err := vctx.Validate(el); err != nil {
		return err
	}
	s.mu.Lock()
	s.signedRequests++
	s.mu.Unlock()
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, req *etree.Element) {
	e := Entry{
		TaxID:       text(req, "Issuer/TaxID"),
		Number:      text(req, "Invoice/Number"),
		IssueDate:   text(req, "Invoice/IssueDate"),
		GrossAmount: text(req, "Invoice/GrossAmount"),
		Hash:        text(req, "Chain/Hash"),
	}

	s.mu.Lock()
	s.registerCalls++
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	if rej, ok := s.rejections[e.TaxID]; ok {
		s.mu.Unlock()
		if rej.fault {
			writeFault(w, "soapenv:Client", rej.message)
			return
		}
		writeRegisterResponse(w, authority.StatusRejected, "", rej.code, rej.message)
		return
	}
	if s.transientFaults > 0 {
		s.transientFaults--
		s.mu.Unlock()
		writeFault(w, "soapenv:Server", "service temporarily unavailable")
		return
	}
	if s.tryLater > 0 {
		s.tryLater--
		s.mu.Unlock()
		writeRegisterResponse(w, authority.StatusTryLater, "", "503", "busy")
		return
	}

	if existing, ok := s.entries[e.key()]; ok {
		s.mu.Unlock()
		if existing.Hash != e.Hash {
			writeRegisterResponse(w, authority.StatusRejected, "", "3002", "invoice already registered with a different hash")
			return
		}
		writeRegisterResponse(w, authority.StatusDuplicate, existing.Reference, "", "")
		return
	}

	e.Reference = "REF-" + uuid.NewString()
	s.entries[e.key()] = e
	lost := s.lostResponses > 0
	if lost {
		s.lostResponses--
	}
	s.mu.Unlock()

	if lost {
		panic(http.ErrAbortHandler)
	}
	writeRegisterResponse(w, authority.StatusAccepted, e.Reference, "", "")
}

func (s *Server) handleQuery(w http.ResponseWriter, req *etree.Element) {
	taxID := text(req, "TaxID")
	from := text(req, "Period/From")
	to := text(req, "Period/To")

	s.mu.Lock()
	s.queryCalls++
	matches := make([]Entry, 0)
	for _, e := range s.entries {
		if e.TaxID == taxID && e.IssueDate >= from && e.IssueDate <= to {
			matches = append(matches, e)
		}
	}
	s.mu.Unlock()

	resp := etree.NewElement("tax:QueryInvoicesResponse")
	resp.CreateAttr("xmlns:tax", authority.TaxNS)
	for _, e := range matches {
		inv := resp.CreateElement("tax:Invoice")
		inv.CreateElement("tax:Number").SetText(e.Number)
		inv.CreateElement("tax:IssueDate").SetText(e.IssueDate)
		inv.CreateElement("tax:Hash").SetText(e.Hash)
		inv.CreateElement("tax:Reference").SetText(e.Reference)
		inv.CreateElement("tax:GrossAmount").SetText(e.GrossAmount)
	}
	writeEnvelope(w, http.StatusOK, resp)
}

func writeRegisterResponse(w http.ResponseWriter, status, reference, code, description string) {
	resp := etree.NewElement("tax:RegisterInvoiceResponse")
	resp.CreateAttr("xmlns:tax", authority.TaxNS)
	resp.CreateElement("tax:Status").SetText(status)
	if reference != "" {
		resp.CreateElement("tax:Reference").SetText(reference)
	}
	if code != "" {
		resp.CreateElement("tax:ErrorCode").SetText(code)
	}
	if description != "" {
		resp.CreateElement("tax:ErrorDescription").SetText(description)
	}
	writeEnvelope(w, http.StatusOK, resp)
}

func writeFault(w http.ResponseWriter, code, message string) {
	f := etree.NewElement("soapenv:Fault")
	f.CreateElement("faultcode").SetText(code)
	f.CreateElement("faultstring").SetText(message)
	writeEnvelope(w, http.StatusInternalServerError, f)
}

func writeEnvelope(w http.ResponseWriter, status int, body *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", authority.SOAPEnvelopeNS)
	env.CreateElement("soapenv:Body").AddChild(body)

	out, err := doc.WriteToBytes()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(out)
}

func text(el *etree.Element, path string) string {
	if c := el.FindElement(path); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

// WSDL returns a minimal service description for endpoint
func WSDL(endpoint string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<wsdl:definitions xmlns:wsdl="http://schemas.xmlsoap.org/wsdl/"
    xmlns:soap="http://schemas.xmlsoap.org/wsdl/soap/"
    xmlns:tax="%[1]s"
    targetNamespace="%[1]s">
  <wsdl:portType name="InvoiceRegistry">
    <wsdl:operation name="RegisterInvoice"/>
    <wsdl:operation name="QueryInvoices"/>
  </wsdl:portType>
  <wsdl:binding name="InvoiceRegistrySoap" type="tax:InvoiceRegistry">
    <soap:binding transport="http://schemas.xmlsoap.org/soap/http" style="document"/>
    <wsdl:operation name="RegisterInvoice">
      <soap:operation soapAction="%[1]s#RegisterInvoice"/>
    </wsdl:operation>
    <wsdl:operation name="QueryInvoices">
      <soap:operation soapAction="%[1]s#QueryInvoices"/>
    </wsdl:operation>
  </wsdl:binding>
  <wsdl:service name="InvoiceRegistryService">
    <wsdl:port name="InvoiceRegistryPort" binding="tax:InvoiceRegistrySoap">
      <soap:address location="%[2]s"/>
    </wsdl:port>
  </wsdl:service>
</wsdl:definitions>
`, authority.TaxNS, endpoint)
}

func newCA(t testing.TB) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Issuing CA", Organization: []string{"Compliance Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create CA: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse CA: %v", err)
	}
	return cert, key
}

func newClientCert(t testing.TB, ca *x509.Certificate, caKey *rsa.PrivateKey) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "B12345678", Organization: []string{"Tenant One"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create client cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse client cert: %v", err)
	}
	return key, cert
}

func writeFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}
