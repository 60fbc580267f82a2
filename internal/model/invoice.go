// Package model holds the compliance engine's domain types: the invoice as
// received from the invoicing tier, the per-tenant chain head and the
// per-invoice compliance record that forms the audit trail.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	dec "github.com/rezonia/compliance-engine/internal/decimal"
)

// DateLayout is the ISO 8601 calendar date used wherever an issue date is serialized
const DateLayout = "2006-01-02"

// Invoice carries the compliance-relevant fields of an issued invoice.
// It is immutable once hashed.
type Invoice struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	TaxID       string          `json:"tax_id"`
	Number      string          `json:"number"`
	IssueDate   time.Time       `json:"issue_date"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
	GrossAmount decimal.Decimal `json:"gross_amount"`
}

// Validate checks required fields and amount signs
func (inv Invoice) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"id", inv.ID},
		{"tenant_id", inv.TenantID},
		{"tax_id", inv.TaxID},
		{"number", inv.Number},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return NewInvalidInvoiceError(r.field, "is required", nil)
		}
	}

	if inv.IssueDate.IsZero() {
		return NewInvalidInvoiceError("issue_date", "is required", nil)
	}

	amounts := []struct {
		field string
		value decimal.Decimal
	}{
		{"net_amount", inv.NetAmount},
		{"tax_amount", inv.TaxAmount},
		{"gross_amount", inv.GrossAmount},
	}
	for _, a := range amounts {
		if !dec.IsNonNegative(a.value) {
			return NewInvalidInvoiceError(a.field, "must not be negative", nil)
		}
	}

	return nil
}

// IssueDay returns the issue date formatted without a time component
func (inv Invoice) IssueDay() string {
	return inv.IssueDate.Format(DateLayout)
}

// SameContent reports whether other carries the same compliance-relevant
// fields. Amounts compare by value, the issue date by calendar day.
func (inv Invoice) SameContent(other Invoice) bool {
	return inv.ID == other.ID &&
		inv.TenantID == other.TenantID &&
		inv.TaxID == other.TaxID &&
		inv.Number == other.Number &&
		inv.IssueDay() == other.IssueDay() &&
		inv.NetAmount.Equal(other.NetAmount) &&
		inv.TaxAmount.Equal(other.TaxAmount) &&
		inv.GrossAmount.Equal(other.GrossAmount)
}
