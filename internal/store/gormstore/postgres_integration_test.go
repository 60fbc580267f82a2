//go:build integration

package gormstore_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"gorm.io/gorm"

	"github.com/rezonia/compliance-engine/internal/chain"
	"github.com/rezonia/compliance-engine/internal/model"
	"github.com/rezonia/compliance-engine/internal/store/gormstore"
)

type PostgresStoreSuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	db        *gorm.DB
	chains    *gormstore.ChainStore
	records   *gormstore.RecordStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("compliance"),
		tcpostgres.WithUsername("compliance"),
		tcpostgres.WithPassword("compliance"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := gormstore.Open(dsn, false)
	s.Require().NoError(err)
	s.Require().NoError(gormstore.Migrate(db))

	s.db = db
	s.chains = gormstore.NewChainStore(db)
	s.records = gormstore.NewRecordStore(db)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.db.Exec("TRUNCATE chain_records, compliance_records").Error)
}

// TestConcurrentFirstLinkSingleWinner verifies the primary-key guard on the
// first link of a tenant's chain.
func (s *PostgresStoreSuite) TestConcurrentFirstLinkSingleWinner() {
	ctx := context.Background()
	tenantID := "T-" + uuid.NewString()
	empty, err := s.chains.Load(ctx, tenantID)
	s.Require().NoError(err)

	const goroutines = 20
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.chains.Advance(ctx, empty, linkedRecord(fmt.Sprintf("inv-%d", i), fmt.Sprintf("h%d", i)))
			if err == nil {
				wins.Add(1)
			} else if model.IsChainConflict(err) {
				conflicts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(goroutines-1), conflicts.Load())
}

// TestConcurrentLinksAcrossLinkersNeverFork runs two linkers, each with its own
// in-process lock, against the same database. The CAS alone must keep the chain
// linear; losers retry from a fresh head.
func (s *PostgresStoreSuite) TestConcurrentLinksAcrossLinkersNeverFork() {
	ctx := context.Background()
	linkers := []*chain.Linker{chain.NewLinker(s.chains), chain.NewLinker(s.chains)}

	const perLinker = 15
	var wg sync.WaitGroup
	for li, linker := range linkers {
		for i := 0; i < perLinker; i++ {
			wg.Add(1)
			go func(linker *chain.Linker, id string) {
				defer wg.Done()
				pending := model.NewComplianceRecord(testInvoice(id), time.Now())
				if !s.NoError(s.records.Create(ctx, pending)) {
					return
				}
				for {
					_, err := linker.Link(ctx, pending)
					if model.IsChainConflict(err) {
						continue
					}
					s.NoError(err)
					return
				}
			}(linker, fmt.Sprintf("inv-%d-%d", li, i))
		}
	}
	wg.Wait()

	list, err := s.records.ListByTenant(ctx, "T1")
	s.Require().NoError(err)
	s.Len(list, 2*perLinker)
	for _, rec := range list {
		s.Equal(model.StatusLinked, rec.Status)
	}

	report, err := chain.Verify("T1", list)
	s.Require().NoError(err)

	head, err := s.chains.Load(ctx, "T1")
	s.Require().NoError(err)
	s.NoError(chain.VerifyHead(report, head))
}

func (s *PostgresStoreSuite) TestRecordRoundTrip() {
	ctx := context.Background()
	rec := model.ComplianceRecord{
		InvoiceID: "inv-" + uuid.NewString(),
		TenantID:  "T1",
		Invoice:   testInvoice("x"),
		Status:    model.StatusPending,
	}
	s.Require().NoError(s.records.Create(ctx, rec))
	s.ErrorIs(s.records.Create(ctx, rec), model.ErrAlreadyExists)

	rec.Status = model.StatusFailed
	rec.ErrorCode = model.ErrCodeRender
	s.Require().NoError(s.records.Update(ctx, rec))

	got, err := s.records.Get(ctx, rec.InvoiceID)
	s.Require().NoError(err)
	s.Equal(model.StatusFailed, got.Status)
	s.Equal(model.ErrCodeRender, got.ErrorCode)
}
