package submission

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rezonia/compliance-engine/internal/authority"
	"github.com/rezonia/compliance-engine/internal/model"
)

// Result is the outcome of one invoice in a batch
type Result struct {
	InvoiceID string
	Record    model.ComplianceRecord
	Err       error
}

// SubmitBatch submits invoices concurrently with at most Workers in flight.
// Results are returned in input order. Links of the same tenant are still
// serialized by the tenant lock.
func (c *Coordinator) SubmitBatch(ctx context.Context, tenantID string, invoices []model.Invoice) []Result {
	results := make([]Result, len(invoices))

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Workers)
	for i, inv := range invoices {
		g.Go(func() error {
			rec, err := c.Submit(ctx, tenantID, inv)
			results[i] = Result{InvoiceID: inv.ID, Record: rec, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ReconcileReport summarizes a reconciliation run
type ReconcileReport struct {
	TenantID   string `json:"tenant_id"`
	Checked    int    `json:"checked"`
	Promoted   int    `json:"promoted"`
	Mismatched int    `json:"mismatched"`
	Missing    int    `json:"missing"`
}

// Reconcile compares the tenant's unsettled records issued within period with
// what the authority holds. SUBMITTING and FAILED records the authority knows
// under the same hash are promoted to REGISTERED.
func (c *Coordinator) Reconcile(ctx context.Context, tenantID string, period authority.Period) (ReconcileReport, error) {
	ctx, span := c.tracer.Start(ctx, "submission.Reconcile", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
	))
	defer span.End()

	report := ReconcileReport{TenantID: tenantID}

	records, err := c.records.ListByTenant(ctx, tenantID)
	if err != nil {
		return report, fmt.Errorf("list records for %s: %w", tenantID, err)
	}

	byTaxID := make(map[string][]model.ComplianceRecord)
	for _, rec := range records {
		if !rec.IsLinked() || !period.Contains(rec.Invoice.IssueDate) {
			continue
		}
		if rec.Status != model.StatusSubmitting && rec.Status != model.StatusFailed {
			continue
		}
		byTaxID[rec.Invoice.TaxID] = append(byTaxID[rec.Invoice.TaxID], rec)
	}

	var mu sync.Mutex
	remote := make(map[string]authority.QueryResult, len(byTaxID))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for taxID := range byTaxID {
		g.Go(func() error {
			res, err := c.authority.QueryInvoices(gctx, taxID, period)
			if err != nil {
				return fmt.Errorf("query authority for %s: %w", taxID, err)
			}
			mu.Lock()
			remote[taxID] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	for taxID, recs := range byTaxID {
		for _, rec := range recs {
			report.Checked++
			found, ok := remote[taxID].Find(rec.Invoice.Number, rec.Invoice.IssueDay())
			if !ok {
				report.Missing++
				c.metrics.reconciled("missing")
				continue
			}

			settled, err := c.settle(ctx, rec.InvoiceID, found)
			if err != nil {
				return report, err
			}
			if settled.Status == model.StatusRegistered {
				report.Promoted++
				c.metrics.reconciled("promoted")
			} else {
				report.Mismatched++
				c.metrics.reconciled("mismatched")
			}
		}
	}

	c.logger.Info("reconciliation finished",
		"tenant_id", tenantID, "checked", report.Checked, "promoted", report.Promoted,
		"mismatched", report.Mismatched, "missing", report.Missing)
	return report, nil
}

// settle applies the authority's copy to a record, re-reading it under the
// invoice's in-flight guard so a concurrent Submit is not overwritten.
func (c *Coordinator) settle(ctx context.Context, invoiceID string, found authority.RegisteredInvoice) (model.ComplianceRecord, error) {
	v, err, _ := c.inflight.Do(invoiceID, func() (interface{}, error) {
		rec, err := c.records.Get(ctx, invoiceID)
		if err != nil {
			return model.ComplianceRecord{}, err
		}
		if rec.Status != model.StatusSubmitting && rec.Status != model.StatusFailed {
			return rec, nil
		}
		return c.applyRemote(ctx, rec, found)
	})
	if err != nil {
		return model.ComplianceRecord{}, err
	}
	return v.(model.ComplianceRecord), nil
}
