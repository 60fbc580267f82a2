package model

import (
	"fmt"
	"time"
)

// Status is the externally visible submission state of a ComplianceRecord
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusLinked     Status = "LINKED"
	StatusSubmitting Status = "SUBMITTING"
	StatusRegistered Status = "REGISTERED"
	StatusRejected   Status = "REJECTED"
	StatusFailed     Status = "FAILED"
)

// transitions lists the allowed edges of the submission state machine.
// FAILED -> REGISTERED is only taken by reconciliation when the authority
// confirms it holds the same hash.
var transitions = map[Status][]Status{
	StatusPending:    {StatusPending, StatusLinked, StatusFailed},
	StatusLinked:     {StatusSubmitting, StatusFailed},
	StatusSubmitting: {StatusSubmitting, StatusRegistered, StatusRejected, StatusFailed},
	StatusFailed:     {StatusRegistered},
}

// CanTransition reports whether moving from one status to another is allowed
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for REGISTERED, REJECTED and FAILED
func (s Status) IsTerminal() bool {
	return s == StatusRegistered || s == StatusRejected || s == StatusFailed
}

// ChainRecord is the single source of truth for a tenant's chain head
type ChainRecord struct {
	TenantID     string
	LastHash     *string
	LastSequence int64
}

// Head returns the previous-hash input for the next link ("" before the first link)
func (c ChainRecord) Head() string {
	if c.LastHash == nil {
		return ""
	}
	return *c.LastHash
}

// Attempt outcomes
const (
	OutcomeRegistered = "registered"
	OutcomeDuplicate  = "duplicate"
	OutcomeRejected   = "rejected"
	OutcomeRetryable  = "retryable"
	OutcomeCancelled  = "cancelled"
	OutcomeReconciled = "reconciled"
)

// Attempt is one remote registration attempt, kept for audit
type Attempt struct {
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// VerificationCode is the public verification payload and its rendered image
type VerificationCode struct {
	URL  string `json:"url"`
	PNG  []byte `json:"png"`
	Size int    `json:"size"`
}

// ComplianceRecord is the audit trail entry for one invoice. It is never deleted.
type ComplianceRecord struct {
	InvoiceID          string           `json:"invoice_id"`
	TenantID           string           `json:"tenant_id"`
	Invoice            Invoice          `json:"invoice"`
	Sequence           int64            `json:"sequence"`
	Hash               string           `json:"hash"`
	PreviousHash       string           `json:"previous_hash"`
	VerificationCode   VerificationCode `json:"verification_code"`
	Status             Status           `json:"submission_status"`
	AuthorityReference string           `json:"authority_reference,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
	ErrorCode          string           `json:"error_code,omitempty"`
	Attempts           []Attempt        `json:"attempts,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// NewComplianceRecord creates a PENDING record for an invoice entering the coordinator
func NewComplianceRecord(inv Invoice, now time.Time) ComplianceRecord {
	return ComplianceRecord{
		InvoiceID: inv.ID,
		TenantID:  inv.TenantID,
		Invoice:   inv,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal reports whether the record reached a final state
func (r ComplianceRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// IsLinked reports whether a hash has been committed for this record
func (r ComplianceRecord) IsLinked() bool {
	return r.Hash != ""
}

// Transition moves the record to a new status, enforcing the state machine
func (r *ComplianceRecord) Transition(to Status, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("invalid status transition %s -> %s for invoice %s", r.Status, to, r.InvoiceID)
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

// Fail records an error code and message on the record
func (r *ComplianceRecord) Fail(code, message string) {
	r.ErrorCode = code
	r.LastError = message
}

// Clone returns a copy that shares no mutable slices with r
func (r ComplianceRecord) Clone() ComplianceRecord {
	out := r
	if r.Attempts != nil {
		out.Attempts = append([]Attempt(nil), r.Attempts...)
	}
	if r.VerificationCode.PNG != nil {
		out.VerificationCode.PNG = append([]byte(nil), r.VerificationCode.PNG...)
	}
	return out
}
