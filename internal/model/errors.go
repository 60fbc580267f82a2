package model

import (
	"errors"
	"fmt"
)

// Error codes recorded on ComplianceRecord.ErrorCode
const (
	ErrCodeInvalidInvoice  = "INVALID_INVOICE"
	ErrCodeChainContention = "CHAIN_CONTENTION"
	ErrCodeLockTimeout     = "LOCK_TIMEOUT"
	ErrCodeRender          = "RENDER_FAILED"
	ErrCodeRejected        = "AUTHORITY_REJECTED"
	ErrCodeRetryExhausted  = "RETRY_EXHAUSTED"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeHashMismatch    = "AUTHORITY_HASH_MISMATCH"
)

// Store facts shared by every persistence backend
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// InvalidInvoiceError is a caller defect detected before any chain mutation.
type InvalidInvoiceError struct {
	Field   string
	Message string
	Cause   error
}

func (e *InvalidInvoiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid invoice: %s: %s (%v)", e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("invalid invoice: %s: %s", e.Field, e.Message)
}

func (e *InvalidInvoiceError) Unwrap() error {
	return e.Cause
}

// NewInvalidInvoiceError creates a new invalid invoice error
func NewInvalidInvoiceError(field, message string, cause error) *InvalidInvoiceError {
	return &InvalidInvoiceError{
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

// ChainConflictError reports that a tenant's chain head moved between read and commit.
type ChainConflictError struct {
	TenantID         string
	ExpectedSequence int64
	ActualSequence   int64
}

func (e *ChainConflictError) Error() string {
	return fmt.Sprintf("chain conflict for tenant %s: expected sequence %d, found %d",
		e.TenantID, e.ExpectedSequence, e.ActualSequence)
}

// NewChainConflictError creates a new chain conflict error
func NewChainConflictError(tenantID string, expected, actual int64) *ChainConflictError {
	return &ChainConflictError{
		TenantID:         tenantID,
		ExpectedSequence: expected,
		ActualSequence:   actual,
	}
}

// RenderError is raised when a verification code cannot be produced. Never retried.
type RenderError struct {
	InvoiceID string
	Message   string
	Cause     error
}

func (e *RenderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("render verification code for %s: %s (%v)", e.InvoiceID, e.Message, e.Cause)
	}
	return fmt.Sprintf("render verification code for %s: %s", e.InvoiceID, e.Message)
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}

// NewRenderError creates a new render error
func NewRenderError(invoiceID, message string, cause error) *RenderError {
	return &RenderError{
		InvoiceID: invoiceID,
		Message:   message,
		Cause:     cause,
	}
}

// ConfigError covers missing or unloadable startup material (certificates,
// passphrase, service description). It is fatal at startup.
type ConfigError struct {
	Setting string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration %s: %s (%v)", e.Setting, e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration %s: %s", e.Setting, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error
func NewConfigError(setting, message string, cause error) *ConfigError {
	return &ConfigError{
		Setting: setting,
		Message: message,
		Cause:   cause,
	}
}

// IsInvalidInvoice reports whether err carries an InvalidInvoiceError
func IsInvalidInvoice(err error) bool {
	var target *InvalidInvoiceError
	return errors.As(err, &target)
}

// IsChainConflict reports whether err carries a ChainConflictError
func IsChainConflict(err error) bool {
	var target *ChainConflictError
	return errors.As(err, &target)
}

// IsRenderError reports whether err carries a RenderError
func IsRenderError(err error) bool {
	var target *RenderError
	return errors.As(err, &target)
}
