package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/compliance-engine/internal/model"
	"github.com/rezonia/compliance-engine/internal/submission"
)

func TestLoadInvoices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoices.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "a", "tenant_id": "T1", "tax_id": "B12345678", "number": "1", "issue_date": "2025-01-10",
		 "net_amount": "100.00", "tax_amount": "21.00", "gross_amount": "121.00"},
		{"id": "b", "tenant_id": "T1", "tax_id": "B12345678", "number": "2", "issue_date": "2025-01-11",
		 "net_amount": 10, "tax_amount": 0, "gross_amount": 10}
	]`), 0o600))

	invoices, err := loadInvoices(path)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, "2025-01-11", invoices[1].IssueDay())
	assert.Equal(t, "121", invoices[0].GrossAmount.String())
}

func TestLoadInvoices_Errors(t *testing.T) {
	dir := t.TempDir()
	badDate := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badDate, []byte(`[{"id": "a", "issue_date": "yesterday"}]`), 0o600))
	noAmounts := filepath.Join(dir, "amounts.json")
	require.NoError(t, os.WriteFile(noAmounts, []byte(`[{"id": "a", "tenant_id": "T1", "tax_id": "B12345678",
		"number": "1", "issue_date": "2025-01-10", "net_amount": "100.00"}]`), 0o600))
	notJSON := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(notJSON, []byte(`{`), 0o600))

	_, err := loadInvoices(badDate)
	assert.True(t, model.IsInvalidInvoice(err))

	_, err = loadInvoices(noAmounts)
	var invalid *model.InvalidInvoiceError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "tax_amount", invalid.Field)

	_, err = loadInvoices(notJSON)
	assert.Error(t, err)

	_, err = loadInvoices(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestParsePeriod(t *testing.T) {
	t.Cleanup(func() { periodFrom, periodTo = "", "" })

	periodFrom, periodTo = "2025-01-10", ""
	p, err := parsePeriod()
	require.NoError(t, err)
	assert.Equal(t, p.From, p.To)

	periodFrom, periodTo = "2025-01-10", "2025-01-01"
	_, err = parsePeriod()
	assert.Error(t, err)

	periodFrom, periodTo = "10/01/2025", ""
	_, err = parsePeriod()
	assert.Error(t, err)
}

func TestToSubmitResults(t *testing.T) {
	out := toSubmitResults([]submission.Result{
		{InvoiceID: "a", Record: model.ComplianceRecord{Sequence: 1, Hash: "h", Status: model.StatusRegistered, AuthorityReference: "REF-1"}},
		{InvoiceID: "b", Err: errors.New("invalid invoice: number: is required")},
		{InvoiceID: "c", Record: model.ComplianceRecord{Status: model.StatusRejected, LastError: "4102: unknown issuer"}},
	})

	require.Len(t, out, 3)
	assert.Equal(t, "REF-1", out[0].AuthorityReference)
	assert.Empty(t, out[0].Error)
	assert.Contains(t, out[1].Error, "number")
	assert.Equal(t, "4102: unknown issuer", out[2].Error)
}
