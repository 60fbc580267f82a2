// Package compliancelib exposes the engine's core types to the invoicing tier.
//
// It lets callers build invoices, recompute chain hashes and verification
// URLs and check an exported chain without running the engine.
//
// Example usage:
//
//	hash, err := compliancelib.Hash(inv, previousHash)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	url, err := compliancelib.VerificationURL("", inv, hash)
package compliancelib

import (
	"github.com/rezonia/compliance-engine/internal/canonical"
	"github.com/rezonia/compliance-engine/internal/chain"
	"github.com/rezonia/compliance-engine/internal/model"
	"github.com/rezonia/compliance-engine/internal/verification"
)

// Re-export core types for public API
type (
	Invoice          = model.Invoice
	ComplianceRecord = model.ComplianceRecord
	ChainRecord      = model.ChainRecord
	VerificationCode = model.VerificationCode
	Attempt          = model.Attempt
	Status           = model.Status
	ChainReport      = chain.Report
)

// Re-export submission statuses
const (
	StatusPending    = model.StatusPending
	StatusLinked     = model.StatusLinked
	StatusSubmitting = model.StatusSubmitting
	StatusRegistered = model.StatusRegistered
	StatusRejected   = model.StatusRejected
	StatusFailed     = model.StatusFailed
)

// Re-export error codes
const (
	ErrCodeInvalidInvoice  = model.ErrCodeInvalidInvoice
	ErrCodeChainContention = model.ErrCodeChainContention
	ErrCodeLockTimeout     = model.ErrCodeLockTimeout
	ErrCodeRender          = model.ErrCodeRender
	ErrCodeRejected        = model.ErrCodeRejected
	ErrCodeRetryExhausted  = model.ErrCodeRetryExhausted
	ErrCodeCancelled       = model.ErrCodeCancelled
	ErrCodeHashMismatch    = model.ErrCodeHashMismatch
)

// Re-export error types
type (
	InvalidInvoiceError = model.InvalidInvoiceError
	ChainConflictError  = model.ChainConflictError
	RenderError         = model.RenderError
	ConfigError         = model.ConfigError
	BrokenLinkError     = chain.BrokenLinkError
)

// DateLayout is the calendar-date format used on the wire
const DateLayout = model.DateLayout

// Canonicalize returns the exact bytes that are hashed for inv
func Canonicalize(inv Invoice, previousHash string) ([]byte, error) {
	return canonical.Canonicalize(inv, previousHash)
}

// Hash returns the chain hash of inv linked after previousHash ("" for the
// first invoice of a tenant).
func Hash(inv Invoice, previousHash string) (string, error) {
	return canonical.Hash(inv, previousHash)
}

// VerifyChain recomputes a tenant's chain from exported records
func VerifyChain(tenantID string, records []ComplianceRecord) (ChainReport, error) {
	return chain.Verify(tenantID, records)
}

// VerificationURL builds the public verification URL of a linked invoice.
// An empty baseURL selects the default verification service.
func VerificationURL(baseURL string, inv Invoice, hash string) (string, error) {
	return verification.NewRenderer(baseURL, 0).BuildURL(inv, hash)
}
