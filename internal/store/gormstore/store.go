// Package gormstore persists chain heads and compliance records with GORM.
// SQLite is used for development and tests, PostgreSQL in production.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/rezonia/compliance-engine/internal/model"
)

// Open connects to the database named by dsn. DSNs starting with
// postgres:// or postgresql://, or containing host=, use the postgres
// driver; anything else is treated as a sqlite path (an optional sqlite://
// prefix is stripped).
func Open(dsn string, debug bool) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, model.NewConfigError("db_dsn", "database DSN is empty", nil)
	}

	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logLevel)}

	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates or updates the tables used by the stores
func Migrate(db *gorm.DB) error {
	for _, m := range []interface{}{&chainRow{}, &recordRow{}} {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("automigrate %T: %w", m, err)
		}
	}
	return nil
}

var errHeadMoved = errors.New("chain head moved")

// ChainStore implements chain.Store with an optimistic compare-and-swap on
// last_sequence.
type ChainStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewChainStore creates a chain store over db
func NewChainStore(db *gorm.DB) *ChainStore {
	return &ChainStore{db: db, now: time.Now}
}

// Load returns the tenant's head, or an empty record on first use
func (s *ChainStore) Load(ctx context.Context, tenantID string) (model.ChainRecord, error) {
	var row chainRow
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ChainRecord{TenantID: tenantID}, nil
	}
	if err != nil {
		return model.ChainRecord{}, fmt.Errorf("load chain head: %w", err)
	}
	return row.toModel(), nil
}

// Advance commits linked.Hash if the stored sequence still equals
// expected.LastSequence and upserts linked in the same transaction, so a head
// never moves without its record. The first link is an insert guarded by the
// primary key.
func (s *ChainStore) Advance(ctx context.Context, expected model.ChainRecord, linked model.ComplianceRecord) (model.ChainRecord, error) {
	row, err := toRow(linked)
	if err != nil {
		return model.ChainRecord{}, err
	}

	h := linked.Hash
	next := chainRow{
		TenantID:     expected.TenantID,
		LastHash:     &h,
		LastSequence: expected.LastSequence + 1,
		UpdatedAt:    s.now().UTC(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res *gorm.DB
		if expected.LastSequence == 0 {
			res = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&next)
		} else {
			res = tx.Model(&chainRow{}).
				Where("tenant_id = ? AND last_sequence = ?", expected.TenantID, expected.LastSequence).
				Updates(map[string]interface{}{
					"last_hash":     h,
					"last_sequence": next.LastSequence,
					"updated_at":    next.UpdatedAt,
				})
		}
		if res.Error != nil {
			return fmt.Errorf("advance chain head: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errHeadMoved
		}

		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "invoice_id"}},
			UpdateAll: true,
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("store linked record: %w", err)
		}
		return nil
	})

	if errors.Is(err, errHeadMoved) {
		current, lerr := s.Load(ctx, expected.TenantID)
		if lerr != nil {
			return model.ChainRecord{}, lerr
		}
		return model.ChainRecord{}, model.NewChainConflictError(expected.TenantID, expected.LastSequence, current.LastSequence)
	}
	if err != nil {
		return model.ChainRecord{}, err
	}
	return next.toModel(), nil
}

// RecordStore persists compliance records. There is no delete operation.
type RecordStore struct {
	db *gorm.DB
}

// NewRecordStore creates a record store over db
func NewRecordStore(db *gorm.DB) *RecordStore {
	return &RecordStore{db: db}
}

// Create inserts a new record; it fails with model.ErrAlreadyExists on a duplicate invoice id
func (s *RecordStore) Create(ctx context.Context, rec model.ComplianceRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("create compliance record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrAlreadyExists
	}
	return nil
}

// Update overwrites every mutable column of an existing record
func (s *RecordStore) Update(ctx context.Context, rec model.ComplianceRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&recordRow{}).
		Where("invoice_id = ?", rec.InvoiceID).
		Select("*").Omit("invoice_id", "created_at").
		Updates(&row)
	if res.Error != nil {
		return fmt.Errorf("update compliance record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// Get returns the record for an invoice id
func (s *RecordStore) Get(ctx context.Context, invoiceID string) (model.ComplianceRecord, error) {
	var row recordRow
	err := s.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ComplianceRecord{}, model.ErrNotFound
	}
	if err != nil {
		return model.ComplianceRecord{}, fmt.Errorf("get compliance record: %w", err)
	}
	return row.toModel()
}

// ListByTenant returns a tenant's records ordered by chain sequence
func (s *RecordStore) ListByTenant(ctx context.Context, tenantID string) ([]model.ComplianceRecord, error) {
	var rows []recordRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("sequence ASC").Order("invoice_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list compliance records: %w", err)
	}

	out := make([]model.ComplianceRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
