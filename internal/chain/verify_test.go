package chain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/compliance-engine/internal/chain"
	"github.com/rezonia/compliance-engine/internal/model"
	"github.com/rezonia/compliance-engine/internal/store/memory"
)

func buildChain(t *testing.T, n int) ([]model.ComplianceRecord, model.ChainRecord) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewChainStore(memory.NewRecordStore())
	linker := chain.NewLinker(store)

	records := make([]model.ComplianceRecord, 0, n)
	for i := 1; i <= n; i++ {
		rec, err := linker.Link(ctx, pending("T1", fmt.Sprintf("%d", i)))
		require.NoError(t, err)
		records = append(records, rec)
	}
	head, err := store.Load(ctx, "T1")
	require.NoError(t, err)
	return records, head
}

func TestVerify_ValidChain(t *testing.T) {
	records, head := buildChain(t, 5)

	// order of input does not matter
	records[0], records[4] = records[4], records[0]

	report, err := chain.Verify("T1", records)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Links)
	assert.Equal(t, int64(5), report.Sequence)
	assert.NoError(t, chain.VerifyHead(report, head))
}

func TestVerify_IgnoresUnlinkedRecords(t *testing.T) {
	records, _ := buildChain(t, 2)
	records = append(records, model.ComplianceRecord{InvoiceID: "pending", TenantID: "T1", Status: model.StatusPending})

	report, err := chain.Verify("T1", records)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Links)
}

func TestVerify_TamperedAmount(t *testing.T) {
	records, _ := buildChain(t, 3)
	records[1].Invoice.GrossAmount = records[1].Invoice.GrossAmount.Add(records[1].Invoice.GrossAmount)

	_, err := chain.Verify("T1", records)
	var broken *chain.BrokenLinkError
	require.True(t, errors.As(err, &broken))
	assert.Equal(t, int64(2), broken.Sequence)
	assert.Contains(t, broken.Reason, "recomputed")
}

func TestVerify_BrokenLinkage(t *testing.T) {
	records, _ := buildChain(t, 3)
	records[2].PreviousHash = records[0].Hash

	_, err := chain.Verify("T1", records)
	var broken *chain.BrokenLinkError
	require.True(t, errors.As(err, &broken))
	assert.Equal(t, int64(3), broken.Sequence)
}

func TestVerify_Fork(t *testing.T) {
	records, _ := buildChain(t, 2)
	fork := records[1]
	fork.InvoiceID = "forked"
	fork.Sequence = 3

	_, err := chain.Verify("T1", append(records, fork))
	var broken *chain.BrokenLinkError
	require.True(t, errors.As(err, &broken))
	assert.Contains(t, broken.Reason, "fork")
}

func TestVerify_Gap(t *testing.T) {
	records, _ := buildChain(t, 3)

	_, err := chain.Verify("T1", []model.ComplianceRecord{records[0], records[2]})
	var broken *chain.BrokenLinkError
	require.True(t, errors.As(err, &broken))
	assert.Contains(t, broken.Reason, "expected sequence 2")
}

func TestVerify_WrongTenant(t *testing.T) {
	records, _ := buildChain(t, 1)

	_, err := chain.Verify("T2", records)
	assert.Error(t, err)
}

func TestVerifyHead_Mismatch(t *testing.T) {
	records, head := buildChain(t, 3)

	report, err := chain.Verify("T1", records[:2])
	require.NoError(t, err)
	assert.Error(t, chain.VerifyHead(report, head))
}
