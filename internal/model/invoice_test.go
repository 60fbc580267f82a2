package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/compliance-engine/internal/model"
)

func validInvoice() model.Invoice {
	return model.Invoice{
		ID:          "inv-1",
		TenantID:    "T1",
		TaxID:       "B12345678",
		Number:      "1",
		IssueDate:   time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
		NetAmount:   decimal.RequireFromString("100.00"),
		TaxAmount:   decimal.RequireFromString("21.00"),
		GrossAmount: decimal.RequireFromString("121.00"),
	}
}

func TestInvoice_Validate(t *testing.T) {
	require.NoError(t, validInvoice().Validate())
}

func TestInvoice_Validate_MissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Invoice)
		field  string
	}{
		{"id", func(i *model.Invoice) { i.ID = "" }, "id"},
		{"tenant", func(i *model.Invoice) { i.TenantID = " " }, "tenant_id"},
		{"tax id", func(i *model.Invoice) { i.TaxID = "" }, "tax_id"},
		{"number", func(i *model.Invoice) { i.Number = "" }, "number"},
		{"issue date", func(i *model.Invoice) { i.IssueDate = time.Time{} }, "issue_date"},
		{"negative net", func(i *model.Invoice) { i.NetAmount = decimal.NewFromInt(-1) }, "net_amount"},
		{"negative tax", func(i *model.Invoice) { i.TaxAmount = decimal.RequireFromString("-0.01") }, "tax_amount"},
		{"negative gross", func(i *model.Invoice) { i.GrossAmount = decimal.NewFromInt(-121) }, "gross_amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := validInvoice()
			tt.mutate(&inv)

			err := inv.Validate()
			require.Error(t, err)

			var invalid *model.InvalidInvoiceError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, tt.field, invalid.Field)
			assert.True(t, model.IsInvalidInvoice(err))
		})
	}
}

func TestInvoice_Validate_ZeroAmountsAllowed(t *testing.T) {
	inv := validInvoice()
	inv.NetAmount = decimal.Zero
	inv.TaxAmount = decimal.Zero
	inv.GrossAmount = decimal.Zero

	assert.NoError(t, inv.Validate())
}

func TestInvoice_IssueDay(t *testing.T) {
	inv := validInvoice()
	inv.IssueDate = time.Date(2025, 1, 10, 23, 59, 0, 0, time.UTC)

	assert.Equal(t, "2025-01-10", inv.IssueDay())
}

func TestInvoice_SameContent(t *testing.T) {
	stored := validInvoice()

	same := validInvoice()
	same.GrossAmount = decimal.RequireFromString("121")
	same.IssueDate = stored.IssueDate.Add(15 * time.Hour)
	assert.True(t, stored.SameContent(same))

	tests := map[string]func(*model.Invoice){
		"number": func(i *model.Invoice) { i.Number = "2" },
		"tax id": func(i *model.Invoice) { i.TaxID = "B87654321" },
		"date":   func(i *model.Invoice) { i.IssueDate = i.IssueDate.AddDate(0, 0, 1) },
		"net":    func(i *model.Invoice) { i.NetAmount = decimal.RequireFromString("100.01") },
		"tax":    func(i *model.Invoice) { i.TaxAmount = decimal.RequireFromString("20.00") },
		"gross":  func(i *model.Invoice) { i.GrossAmount = decimal.RequireFromString("120.00") },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			other := validInvoice()
			mutate(&other)
			assert.False(t, stored.SameContent(other))
		})
	}
}

func TestInvalidInvoiceError_WithCause(t *testing.T) {
	cause := assert.AnError
	err := model.NewInvalidInvoiceError("net_amount", "not a number", cause)

	require.Contains(t, err.Error(), "net_amount")
	require.Contains(t, err.Error(), "not a number")
	require.ErrorIs(t, err, cause)
}

func TestChainConflictError(t *testing.T) {
	err := model.NewChainConflictError("T1", 3, 4)

	require.Contains(t, err.Error(), "T1")
	require.Contains(t, err.Error(), "expected sequence 3")
	assert.True(t, model.IsChainConflict(err))
	assert.False(t, model.IsChainConflict(assert.AnError))
}

func TestRenderError(t *testing.T) {
	err := model.NewRenderError("inv-1", "content too long", assert.AnError)

	require.Contains(t, err.Error(), "inv-1")
	require.ErrorIs(t, err, assert.AnError)
	assert.True(t, model.IsRenderError(err))
}

func TestConfigError(t *testing.T) {
	err := model.NewConfigError("COMPLIANCE_CERT_BUNDLE", "file not found", nil)

	require.Contains(t, err.Error(), "COMPLIANCE_CERT_BUNDLE")
	require.Contains(t, err.Error(), "file not found")
}
