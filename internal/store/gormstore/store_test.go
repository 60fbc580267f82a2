package gormstore_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/rezonia/compliance-engine/internal/chain"
	"github.com/rezonia/compliance-engine/internal/model"
	"github.com/rezonia/compliance-engine/internal/store/gormstore"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gormstore.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), false)
	require.NoError(t, err)
	require.NoError(t, gormstore.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func testInvoice(id string) model.Invoice {
	return model.Invoice{
		ID:          id,
		TenantID:    "T1",
		TaxID:       "B12345678",
		Number:      id,
		IssueDate:   time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
		NetAmount:   decimal.RequireFromString("100.00"),
		TaxAmount:   decimal.RequireFromString("21.00"),
		GrossAmount: decimal.RequireFromString("121.00"),
	}
}

func linkedRecord(id, hash string) model.ComplianceRecord {
	rec := model.NewComplianceRecord(testInvoice(id), time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC))
	rec.Hash = hash
	rec.Status = model.StatusLinked
	return rec
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := gormstore.Open("  ", false)
	require.Error(t, err)
	var cfgErr *model.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestChainStore_AdvanceAndLoad(t *testing.T) {
	ctx := context.Background()
	s := gormstore.NewChainStore(openTestDB(t))

	head, err := s.Load(ctx, "T1")
	require.NoError(t, err)
	assert.Nil(t, head.LastHash)
	assert.Equal(t, int64(0), head.LastSequence)

	first, err := s.Advance(ctx, head, linkedRecord("inv-h1", "h1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.LastSequence)

	second, err := s.Advance(ctx, first, linkedRecord("inv-h2", "h2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.LastSequence)

	loaded, err := s.Load(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "h2", loaded.Head())
	assert.Equal(t, int64(2), loaded.LastSequence)
}

func TestChainStore_ConflictOnFirstInsert(t *testing.T) {
	ctx := context.Background()
	s := gormstore.NewChainStore(openTestDB(t))

	empty, _ := s.Load(ctx, "T1")
	_, err := s.Advance(ctx, empty, linkedRecord("inv-h1", "h1"))
	require.NoError(t, err)

	_, err = s.Advance(ctx, empty, linkedRecord("inv-other", "other"))
	require.Error(t, err)
	assert.True(t, model.IsChainConflict(err))

	loaded, _ := s.Load(ctx, "T1")
	assert.Equal(t, "h1", loaded.Head())
}

func TestChainStore_ConflictOnStaleSequence(t *testing.T) {
	ctx := context.Background()
	s := gormstore.NewChainStore(openTestDB(t))

	empty, _ := s.Load(ctx, "T1")
	first, err := s.Advance(ctx, empty, linkedRecord("inv-h1", "h1"))
	require.NoError(t, err)
	_, err = s.Advance(ctx, first, linkedRecord("inv-h2", "h2"))
	require.NoError(t, err)

	_, err = s.Advance(ctx, first, linkedRecord("inv-stale", "stale"))
	require.Error(t, err)

	var conflict *model.ChainConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.ExpectedSequence)
	assert.Equal(t, int64(2), conflict.ActualSequence)
}

func TestChainStore_ConcurrentAdvanceSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := gormstore.NewChainStore(openTestDB(t))

	empty, _ := s.Load(ctx, "T1")

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Advance(ctx, empty, linkedRecord(fmt.Sprintf("inv-%d", i), fmt.Sprintf("h%d", i)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if model.IsChainConflict(err) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)
}

func TestChainStore_WithLinker(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	linker := chain.NewLinker(gormstore.NewChainStore(db))
	records := gormstore.NewRecordStore(db)
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		pending := model.NewComplianceRecord(testInvoice(fmt.Sprintf("inv-%d", i)), now)
		require.NoError(t, records.Create(ctx, pending))
		_, err := linker.Link(ctx, pending)
		require.NoError(t, err)
	}

	list, err := records.ListByTenant(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, list, 3)

	report, err := chain.Verify("T1", list)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Links)

	head, err := linker.Head(ctx, "T1")
	require.NoError(t, err)
	assert.NoError(t, chain.VerifyHead(report, head))
}

func TestChainStore_AdvanceWritesRecord(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	chains := gormstore.NewChainStore(db)
	records := gormstore.NewRecordStore(db)

	pending := model.NewComplianceRecord(testInvoice("inv-1"), time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, records.Create(ctx, pending))

	linked := pending
	linked.Hash = strings.Repeat("b", 64)
	linked.Sequence = 1
	linked.Status = model.StatusLinked

	empty, _ := chains.Load(ctx, "T1")
	_, err := chains.Advance(ctx, empty, linked)
	require.NoError(t, err)

	got, err := records.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusLinked, got.Status)
	assert.Equal(t, linked.Hash, got.Hash)
	assert.Equal(t, int64(1), got.Sequence)
	assert.True(t, got.CreatedAt.Equal(pending.CreatedAt))
}

func TestChainStore_AdvanceRollsBackWhenRecordWriteFails(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	chains := gormstore.NewChainStore(db)
	require.NoError(t, db.Exec("DROP TABLE compliance_records").Error)

	empty, _ := chains.Load(ctx, "T1")
	_, err := chains.Advance(ctx, empty, linkedRecord("inv-1", "h1"))
	require.Error(t, err)
	assert.False(t, model.IsChainConflict(err))

	head, err := chains.Load(ctx, "T1")
	require.NoError(t, err)
	assert.Nil(t, head.LastHash)
	assert.Equal(t, int64(0), head.LastSequence)
}

func TestRecordStore_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := gormstore.NewRecordStore(openTestDB(t))

	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	rec := model.NewComplianceRecord(testInvoice("inv-1"), now)
	require.NoError(t, s.Create(ctx, rec))
	assert.ErrorIs(t, s.Create(ctx, rec), model.ErrAlreadyExists)

	got, err := s.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, "B12345678", got.Invoice.TaxID)
	assert.True(t, got.Invoice.GrossAmount.Equal(decimal.RequireFromString("121.00")))
	assert.True(t, got.Invoice.IssueDate.Equal(rec.Invoice.IssueDate))
	assert.Nil(t, got.Attempts)

	got.Status = model.StatusSubmitting
	got.Hash = strings.Repeat("a", 64)
	got.Sequence = 1
	got.VerificationCode = model.VerificationCode{URL: "https://verify.example/?hash=aaaa", PNG: []byte{0x89, 'P', 'N', 'G'}, Size: 256}
	got.Attempts = []model.Attempt{{Number: 1, StartedAt: now, FinishedAt: now, Outcome: model.OutcomeRetryable, Error: "timeout"}}
	got.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, s.Update(ctx, got))

	again, err := s.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitting, again.Status)
	assert.Equal(t, got.Hash, again.Hash)
	assert.Equal(t, got.VerificationCode.PNG, again.VerificationCode.PNG)
	require.Len(t, again.Attempts, 1)
	assert.Equal(t, model.OutcomeRetryable, again.Attempts[0].Outcome)
	assert.True(t, again.CreatedAt.Equal(now))
	assert.True(t, again.UpdatedAt.Equal(now.Add(time.Minute)))
}

func TestRecordStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := gormstore.NewRecordStore(openTestDB(t))

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = s.Update(ctx, model.ComplianceRecord{InvoiceID: "missing", TenantID: "T1", Status: model.StatusLinked})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRecordStore_ListByTenantOrdered(t *testing.T) {
	ctx := context.Background()
	s := gormstore.NewRecordStore(openTestDB(t))

	for _, r := range []model.ComplianceRecord{
		{InvoiceID: "b", TenantID: "T1", Sequence: 2, Invoice: testInvoice("b"), Status: model.StatusLinked},
		{InvoiceID: "a", TenantID: "T1", Sequence: 1, Invoice: testInvoice("a"), Status: model.StatusLinked},
		{InvoiceID: "c", TenantID: "T2", Sequence: 1, Invoice: testInvoice("c"), Status: model.StatusLinked},
	} {
		require.NoError(t, s.Create(ctx, r))
	}

	list, err := s.ListByTenant(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].InvoiceID)
	assert.Equal(t, "b", list[1].InvoiceID)

	none, err := s.ListByTenant(ctx, "T9")
	require.NoError(t, err)
	assert.Empty(t, none)
}
