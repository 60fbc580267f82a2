package server

import (
	"encoding/base64"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rezonia/compliance-engine/internal/authority"
	"github.com/rezonia/compliance-engine/internal/chain"
	dec "github.com/rezonia/compliance-engine/internal/decimal"
	"github.com/rezonia/compliance-engine/internal/model"
)

// RegisterInvoiceRequest is the body of the register-invoice endpoint
type RegisterInvoiceRequest struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	TaxID       string          `json:"tax_id"`
	Number      string          `json:"number"`
	IssueDate   string          `json:"issue_date"`
	NetAmount   decimal.NullDecimal `json:"net_amount"`
	TaxAmount   decimal.NullDecimal `json:"tax_amount"`
	GrossAmount decimal.NullDecimal `json:"gross_amount"`
}

// ToInvoice converts the request into a validated domain invoice. Omitted or
// null amounts are rejected rather than read as zero, and gross must equal
// net plus tax.
func (r RegisterInvoiceRequest) ToInvoice() (model.Invoice, error) {
	if r.IssueDate == "" {
		return model.Invoice{}, model.NewInvalidInvoiceError("issue_date", "is required", nil)
	}
	date, err := time.Parse(model.DateLayout, r.IssueDate)
	if err != nil {
		return model.Invoice{}, model.NewInvalidInvoiceError("issue_date", "must be YYYY-MM-DD", err)
	}
	amounts := []struct {
		field string
		value decimal.NullDecimal
	}{
		{"net_amount", r.NetAmount},
		{"tax_amount", r.TaxAmount},
		{"gross_amount", r.GrossAmount},
	}
	for _, a := range amounts {
		if !a.value.Valid {
			return model.Invoice{}, model.NewInvalidInvoiceError(a.field, "is required", nil)
		}
	}

	inv := model.Invoice{
		ID:          r.ID,
		TenantID:    r.TenantID,
		TaxID:       r.TaxID,
		Number:      r.Number,
		IssueDate:   date,
		NetAmount:   r.NetAmount.Decimal,
		TaxAmount:   r.TaxAmount.Decimal,
		GrossAmount: r.GrossAmount.Decimal,
	}
	if err := inv.Validate(); err != nil {
		return model.Invoice{}, err
	}
	if !dec.ConsistentTotals(inv.NetAmount, inv.TaxAmount, inv.GrossAmount) {
		return model.Invoice{}, model.NewInvalidInvoiceError("gross_amount", "must equal net_amount + tax_amount", nil)
	}
	return inv, nil
}

// RecordResponse is the public view of a ComplianceRecord
type RecordResponse struct {
	InvoiceID             string          `json:"invoice_id"`
	TenantID              string          `json:"tenant_id"`
	Sequence              int64           `json:"sequence,omitempty"`
	Hash                  string          `json:"hash,omitempty"`
	PreviousHash          string          `json:"previous_hash"`
	VerificationURL       string          `json:"verification_url,omitempty"`
	VerificationCodeImage string          `json:"verification_code_image,omitempty"`
	SubmissionStatus      model.Status    `json:"submission_status"`
	AuthorityReference    string          `json:"authority_reference,omitempty"`
	ErrorCode             string          `json:"error_code,omitempty"`
	Error                 string          `json:"error,omitempty"`
	Attempts              []model.Attempt `json:"attempts,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

func newRecordResponse(rec model.ComplianceRecord) RecordResponse {
	resp := RecordResponse{
		InvoiceID:          rec.InvoiceID,
		TenantID:           rec.TenantID,
		Sequence:           rec.Sequence,
		Hash:               rec.Hash,
		PreviousHash:       rec.PreviousHash,
		VerificationURL:    rec.VerificationCode.URL,
		SubmissionStatus:   rec.Status,
		AuthorityReference: rec.AuthorityReference,
		ErrorCode:          rec.ErrorCode,
		Error:              rec.LastError,
		Attempts:           rec.Attempts,
		UpdatedAt:          rec.UpdatedAt,
	}
	if len(rec.VerificationCode.PNG) > 0 {
		resp.VerificationCodeImage = base64.StdEncoding.EncodeToString(rec.VerificationCode.PNG)
	}
	return resp
}

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// ChainVerifyResponse is the answer of the chain verification endpoint
type ChainVerifyResponse struct {
	Valid  bool         `json:"valid"`
	Report chain.Report `json:"report"`
	Error  string       `json:"error,omitempty"`
}

// ReconcileRequest selects the issue-date window to reconcile
type ReconcileRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (r ReconcileRequest) period() (authority.Period, error) {
	from, err := time.Parse(model.DateLayout, r.From)
	if err != nil {
		return authority.Period{}, err
	}
	to := from
	if r.To != "" {
		if to, err = time.Parse(model.DateLayout, r.To); err != nil {
			return authority.Period{}, err
		}
	}
	return authority.Period{From: from, To: to}, nil
}
