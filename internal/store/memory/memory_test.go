package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/compliance-engine/internal/model"
	"github.com/rezonia/compliance-engine/internal/store/memory"
)

func linked(invoiceID, hash string) model.ComplianceRecord {
	return model.ComplianceRecord{InvoiceID: invoiceID, TenantID: "T1", Hash: hash, Status: model.StatusLinked}
}

func TestChainStore_LoadEmpty(t *testing.T) {
	s := memory.NewChainStore(memory.NewRecordStore())

	head, err := s.Load(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "T1", head.TenantID)
	assert.Nil(t, head.LastHash)
	assert.Equal(t, int64(0), head.LastSequence)
}

func TestChainStore_Advance(t *testing.T) {
	ctx := context.Background()
	s := memory.NewChainStore(memory.NewRecordStore())

	head, _ := s.Load(ctx, "T1")
	next, err := s.Advance(ctx, head, linked("inv-1", "h1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.LastSequence)
	assert.Equal(t, "h1", next.Head())

	loaded, _ := s.Load(ctx, "T1")
	assert.Equal(t, "h1", loaded.Head())
}

func TestChainStore_AdvanceConflict(t *testing.T) {
	ctx := context.Background()
	s := memory.NewChainStore(memory.NewRecordStore())

	stale, _ := s.Load(ctx, "T1")
	_, err := s.Advance(ctx, stale, linked("inv-1", "h1"))
	require.NoError(t, err)

	_, err = s.Advance(ctx, stale, linked("inv-2", "h-stale"))
	require.Error(t, err)
	assert.True(t, model.IsChainConflict(err))

	loaded, _ := s.Load(ctx, "T1")
	assert.Equal(t, "h1", loaded.Head())
	assert.Equal(t, int64(1), loaded.LastSequence)
}

func TestChainStore_AdvanceStoresLinkedRecord(t *testing.T) {
	ctx := context.Background()
	records := memory.NewRecordStore()
	s := memory.NewChainStore(records)

	pending := model.ComplianceRecord{InvoiceID: "inv-1", TenantID: "T1", Status: model.StatusPending}
	require.NoError(t, records.Create(ctx, pending))

	head, _ := s.Load(ctx, "T1")
	rec := linked("inv-1", "h1")
	rec.Sequence = 1
	_, err := s.Advance(ctx, head, rec)
	require.NoError(t, err)

	got, err := records.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusLinked, got.Status)
	assert.Equal(t, "h1", got.Hash)
	assert.Equal(t, int64(1), got.Sequence)

	// a conflicting advance leaves the record untouched
	_, err = s.Advance(ctx, head, linked("inv-2", "h-stale"))
	require.Error(t, err)
	_, err = records.Get(ctx, "inv-2")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestChainStore_TenantsIsolated(t *testing.T) {
	ctx := context.Background()
	s := memory.NewChainStore(memory.NewRecordStore())

	h1, _ := s.Load(ctx, "T1")
	_, err := s.Advance(ctx, h1, linked("inv-1", "a"))
	require.NoError(t, err)

	h2, _ := s.Load(ctx, "T2")
	assert.Nil(t, h2.LastHash)
}

func TestRecordStore_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := memory.NewRecordStore()

	rec := model.ComplianceRecord{InvoiceID: "inv-1", TenantID: "T1", Status: model.StatusPending, CreatedAt: time.Now()}
	require.NoError(t, s.Create(ctx, rec))
	assert.ErrorIs(t, s.Create(ctx, rec), model.ErrAlreadyExists)

	got, err := s.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	got.Status = model.StatusLinked
	got.Attempts = append(got.Attempts, model.Attempt{Number: 1})
	require.NoError(t, s.Update(ctx, got))

	again, _ := s.Get(ctx, "inv-1")
	assert.Equal(t, model.StatusLinked, again.Status)
	assert.Len(t, again.Attempts, 1)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, model.ComplianceRecord{InvoiceID: "missing"}), model.ErrNotFound)
}

func TestRecordStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.NewRecordStore()

	rec := model.ComplianceRecord{InvoiceID: "inv-1", TenantID: "T1", Attempts: []model.Attempt{{Number: 1}}}
	require.NoError(t, s.Create(ctx, rec))

	got, _ := s.Get(ctx, "inv-1")
	got.Attempts[0].Number = 99

	again, _ := s.Get(ctx, "inv-1")
	assert.Equal(t, 1, again.Attempts[0].Number)
}

func TestRecordStore_ListByTenant(t *testing.T) {
	ctx := context.Background()
	s := memory.NewRecordStore()

	require.NoError(t, s.Create(ctx, model.ComplianceRecord{InvoiceID: "b", TenantID: "T1", Sequence: 2}))
	require.NoError(t, s.Create(ctx, model.ComplianceRecord{InvoiceID: "a", TenantID: "T1", Sequence: 1}))
	require.NoError(t, s.Create(ctx, model.ComplianceRecord{InvoiceID: "c", TenantID: "T2", Sequence: 1}))

	list, err := s.ListByTenant(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].InvoiceID)
	assert.Equal(t, "b", list[1].InvoiceID)

	empty, err := s.ListByTenant(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
