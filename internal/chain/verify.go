package chain

import (
	"fmt"
	"sort"

	"github.com/rezonia/compliance-engine/internal/canonical"
	"github.com/rezonia/compliance-engine/internal/model"
)

// BrokenLinkError identifies the first record at which a chain fails verification
type BrokenLinkError struct {
	Sequence  int64
	InvoiceID string
	Reason    string
}

func (e *BrokenLinkError) Error() string {
	return fmt.Sprintf("chain broken at sequence %d (invoice %s): %s", e.Sequence, e.InvoiceID, e.Reason)
}

// Report summarizes a verification run
type Report struct {
	TenantID string `json:"tenant_id"`
	Links    int    `json:"links"`
	HeadHash string `json:"head_hash"`
	Sequence int64  `json:"sequence"`
}

// Verify recomputes a tenant's chain from genesis using the invoice snapshots
// stored on each record. Records without a committed hash are ignored.
// It checks sequence contiguity, previous-hash linkage, hash reproducibility
// and the absence of forks.
func Verify(tenantID string, records []model.ComplianceRecord) (Report, error) {
	linked := make([]model.ComplianceRecord, 0, len(records))
	for _, r := range records {
		if r.IsLinked() {
			linked = append(linked, r)
		}
	}
	sort.Slice(linked, func(i, j int) bool { return linked[i].Sequence < linked[j].Sequence })

	report := Report{TenantID: tenantID}
	seenPrevious := make(map[string]string, len(linked))
	previous := ""

	for i, r := range linked {
		if r.TenantID != tenantID {
			return report, &BrokenLinkError{Sequence: r.Sequence, InvoiceID: r.InvoiceID,
				Reason: fmt.Sprintf("record belongs to tenant %s", r.TenantID)}
		}
		if want := int64(i + 1); r.Sequence != want {
			return report, &BrokenLinkError{Sequence: r.Sequence, InvoiceID: r.InvoiceID,
				Reason: fmt.Sprintf("expected sequence %d", want)}
		}
		if other, ok := seenPrevious[r.PreviousHash]; ok {
			return report, &BrokenLinkError{Sequence: r.Sequence, InvoiceID: r.InvoiceID,
				Reason: fmt.Sprintf("fork: previous hash already used by invoice %s", other)}
		}
		seenPrevious[r.PreviousHash] = r.InvoiceID

		if r.PreviousHash != previous {
			return report, &BrokenLinkError{Sequence: r.Sequence, InvoiceID: r.InvoiceID,
				Reason: "previous hash does not match the preceding link"}
		}

		recomputed, err := canonical.Hash(r.Invoice, r.PreviousHash)
		if err != nil {
			return report, &BrokenLinkError{Sequence: r.Sequence, InvoiceID: r.InvoiceID,
				Reason: fmt.Sprintf("invoice snapshot cannot be canonicalized: %v", err)}
		}
		if recomputed != r.Hash {
			return report, &BrokenLinkError{Sequence: r.Sequence, InvoiceID: r.InvoiceID,
				Reason: "stored hash does not match recomputed hash"}
		}

		previous = r.Hash
		report.Links++
		report.HeadHash = r.Hash
		report.Sequence = r.Sequence
	}

	return report, nil
}

// VerifyHead checks that a verified report ends at the stored chain head
func VerifyHead(report Report, head model.ChainRecord) error {
	if report.Sequence != head.LastSequence || report.HeadHash != head.Head() {
		return &BrokenLinkError{
			Sequence: head.LastSequence,
			Reason: fmt.Sprintf("chain head (sequence %d) is ahead of or differs from the records (sequence %d)",
				head.LastSequence, report.Sequence),
		}
	}
	return nil
}
