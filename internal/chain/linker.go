// Package chain maintains each tenant's append-only hash chain.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rezonia/compliance-engine/internal/canonical"
	"github.com/rezonia/compliance-engine/internal/model"
)

// Store persists chain heads. Advance is a compare-and-swap on LastSequence:
// it must return *model.ChainConflictError when the stored sequence no longer
// equals expected.LastSequence. On success it stores linked, whose Hash is the
// new head, atomically with the head; on any error neither is written.
type Store interface {
	Load(ctx context.Context, tenantID string) (model.ChainRecord, error)
	Advance(ctx context.Context, expected model.ChainRecord, linked model.ComplianceRecord) (model.ChainRecord, error)
}

// Linker computes the next chain hash for a tenant and commits it atomically
type Linker struct {
	store  Store
	locks  *Locker
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Linker
type Option func(*Linker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Linker) {
		l.logger = logger
	}
}

// WithLocker replaces the default per-tenant locker
func WithLocker(locks *Locker) Option {
	return func(l *Linker) {
		l.locks = locks
	}
}

// WithClock sets the time source used to stamp records
func WithClock(now func() time.Time) Option {
	return func(l *Linker) {
		l.now = now
	}
}

// NewLinker creates a linker over the given chain store
func NewLinker(store Store, opts ...Option) *Linker {
	l := &Linker{
		store:  store,
		locks:  NewLocker(DefaultLockTimeout),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Link appends a PENDING record's invoice to its tenant's chain and returns
// the record moved to LINKED with hash, previous hash and sequence set. The
// store persists the linked record together with the new head, so a committed
// hash is never lost and never recomputed.
//
// Read, canonicalize, digest and commit all happen while the tenant lock is
// held. A ChainConflictError means another writer bypassed the lock (or
// another process shares the store); callers retry from a fresh Load.
func (l *Linker) Link(ctx context.Context, rec model.ComplianceRecord) (model.ComplianceRecord, error) {
	inv := rec.Invoice
	tenantID := rec.TenantID
	if inv.TenantID != tenantID {
		return model.ComplianceRecord{}, model.NewInvalidInvoiceError("tenant_id",
			fmt.Sprintf("invoice belongs to %q, not %q", inv.TenantID, tenantID), nil)
	}
	if err := inv.Validate(); err != nil {
		return model.ComplianceRecord{}, err
	}
	if rec.IsLinked() {
		return model.ComplianceRecord{}, fmt.Errorf("invoice %s is already linked at sequence %d", rec.InvoiceID, rec.Sequence)
	}

	release, err := l.locks.Acquire(ctx, tenantID)
	if err != nil {
		return model.ComplianceRecord{}, err
	}
	defer release()

	head, err := l.store.Load(ctx, tenantID)
	if err != nil {
		return model.ComplianceRecord{}, fmt.Errorf("load chain head for %s: %w", tenantID, err)
	}

	previous := head.Head()
	hash, err := canonical.Hash(inv, previous)
	if err != nil {
		return model.ComplianceRecord{}, err
	}

	linked := rec.Clone()
	linked.Hash = hash
	linked.PreviousHash = previous
	linked.Sequence = head.LastSequence + 1
	linked.LastError, linked.ErrorCode = "", ""
	if err := linked.Transition(model.StatusLinked, l.now()); err != nil {
		return model.ComplianceRecord{}, err
	}

	next, err := l.store.Advance(ctx, head, linked)
	if err != nil {
		if model.IsChainConflict(err) {
			l.logger.Warn("chain head moved during link",
				"tenant_id", tenantID, "invoice_id", inv.ID, "expected_sequence", head.LastSequence)
			return model.ComplianceRecord{}, err
		}
		return model.ComplianceRecord{}, fmt.Errorf("advance chain for %s: %w", tenantID, err)
	}

	l.logger.Debug("invoice linked",
		"tenant_id", tenantID, "invoice_id", inv.ID, "sequence", next.LastSequence)
	return linked, nil
}

// Head returns the tenant's current chain head
func (l *Linker) Head(ctx context.Context, tenantID string) (model.ChainRecord, error) {
	return l.store.Load(ctx, tenantID)
}
