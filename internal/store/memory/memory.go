// Package memory provides in-process chain and compliance record stores.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/rezonia/compliance-engine/internal/model"
)

// ChainStore keeps chain heads in a map guarded by a mutex. Linked records
// are written to records while the head is being advanced.
type ChainStore struct {
	mu      sync.RWMutex
	heads   map[string]model.ChainRecord
	records *RecordStore
}

// NewChainStore creates an empty chain store that writes linked records into records
func NewChainStore(records *RecordStore) *ChainStore {
	return &ChainStore{heads: make(map[string]model.ChainRecord), records: records}
}

// Load returns the tenant's head, or an empty record on first use
func (s *ChainStore) Load(_ context.Context, tenantID string) (model.ChainRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if head, ok := s.heads[tenantID]; ok {
		return copyHead(head), nil
	}
	return model.ChainRecord{TenantID: tenantID}, nil
}

// Advance commits linked.Hash as the new head if the stored sequence still
// equals expected.LastSequence, and stores linked in the same critical section.
func (s *ChainStore) Advance(_ context.Context, expected model.ChainRecord, linked model.ComplianceRecord) (model.ChainRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.heads[expected.TenantID]
	if current.LastSequence != expected.LastSequence {
		return model.ChainRecord{}, model.NewChainConflictError(expected.TenantID, expected.LastSequence, current.LastSequence)
	}

	h := linked.Hash
	next := model.ChainRecord{
		TenantID:     expected.TenantID,
		LastHash:     &h,
		LastSequence: current.LastSequence + 1,
	}
	s.heads[expected.TenantID] = next
	s.records.put(linked)
	return copyHead(next), nil
}

func copyHead(r model.ChainRecord) model.ChainRecord {
	if r.LastHash != nil {
		h := *r.LastHash
		r.LastHash = &h
	}
	return r
}

// RecordStore keeps compliance records keyed by invoice id. Records are never deleted.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]model.ComplianceRecord
}

// NewRecordStore creates an empty record store
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]model.ComplianceRecord)}
}

// Create inserts a new record; it fails with model.ErrAlreadyExists on a duplicate invoice id
func (s *RecordStore) Create(_ context.Context, rec model.ComplianceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.InvoiceID]; ok {
		return model.ErrAlreadyExists
	}
	s.records[rec.InvoiceID] = rec.Clone()
	return nil
}

// Update replaces an existing record
func (s *RecordStore) Update(_ context.Context, rec model.ComplianceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.InvoiceID]; !ok {
		return model.ErrNotFound
	}
	s.records[rec.InvoiceID] = rec.Clone()
	return nil
}

// put inserts or replaces a record
func (s *RecordStore) put(rec model.ComplianceRecord) {
	s.mu.Lock()
	s.records[rec.InvoiceID] = rec.Clone()
	s.mu.Unlock()
}

// Get returns the record for an invoice id
func (s *RecordStore) Get(_ context.Context, invoiceID string) (model.ComplianceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[invoiceID]
	if !ok {
		return model.ComplianceRecord{}, model.ErrNotFound
	}
	return rec.Clone(), nil
}

// ListByTenant returns a tenant's records ordered by chain sequence
func (s *RecordStore) ListByTenant(_ context.Context, tenantID string) ([]model.ComplianceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ComplianceRecord, 0)
	for _, rec := range s.records {
		if rec.TenantID == tenantID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].InvoiceID < out[j].InvoiceID
	})
	return out, nil
}
