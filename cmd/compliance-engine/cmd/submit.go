package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rezonia/compliance-engine/internal/model"
	"github.com/rezonia/compliance-engine/internal/server"
	"github.com/rezonia/compliance-engine/internal/submission"
)

var submitTenant string

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit a batch of invoices from a JSON file",
	Long: `Link, render and register every invoice in a JSON array. Each element has
the shape of the register-invoice request body. Invoices are submitted
concurrently (COMPLIANCE_WORKERS); links of one tenant stay strictly ordered.

Examples:
  compliance-engine submit --tenant T1 invoices.json
  compliance-engine submit --tenant T1 invoices.json -f json`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitTenant, "tenant", "", "Tenant id")
	_ = submitCmd.MarkFlagRequired("tenant")
}

// submitResult is one printable batch entry
type submitResult struct {
	InvoiceID          string       `json:"invoice_id"`
	Sequence           int64        `json:"sequence,omitempty"`
	Hash               string       `json:"hash,omitempty"`
	Status             model.Status `json:"submission_status,omitempty"`
	AuthorityReference string       `json:"authority_reference,omitempty"`
	Error              string       `json:"error,omitempty"`
}

func loadInvoices(path string) ([]model.Invoice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var reqs []server.RegisterInvoiceRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	invoices := make([]model.Invoice, 0, len(reqs))
	for i, req := range reqs {
		inv, err := req.ToInvoice()
		if err != nil {
			return nil, fmt.Errorf("invoice #%d: %w", i+1, err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	invoices, err := loadInvoices(args[0])
	if err != nil {
		return err
	}
	printVerbose("Submitting %d invoices for %s\n", len(invoices), submitTenant)

	eng, err := newEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	results := eng.coordinator.SubmitBatch(cmd.Context(), submitTenant, invoices)
	out := toSubmitResults(results)

	failed := 0
	for _, r := range out {
		if r.Error != "" || r.Status != model.StatusRegistered {
			failed++
		}
	}

	if err := output(out, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "INVOICE\tSEQ\tSTATUS\tREFERENCE\tERROR")
		fmt.Fprintln(w, "-------\t---\t------\t---------\t-----")
		for _, r := range out {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", r.InvoiceID, r.Sequence, r.Status, r.AuthorityReference, r.Error)
		}
	}); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d invoices not registered", failed, len(out))
	}
	return nil
}

func toSubmitResults(results []submission.Result) []submitResult {
	out := make([]submitResult, 0, len(results))
	for _, res := range results {
		r := submitResult{
			InvoiceID:          res.InvoiceID,
			Sequence:           res.Record.Sequence,
			Hash:               res.Record.Hash,
			Status:             res.Record.Status,
			AuthorityReference: res.Record.AuthorityReference,
			Error:              res.Record.LastError,
		}
		if res.Err != nil {
			r.Error = res.Err.Error()
		}
		out = append(out, r)
	}
	return out
}
