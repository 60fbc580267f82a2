// Package submission drives an invoice through linking, verification code
// rendering and remote registration, and owns the retry and idempotency
// policy of that pipeline.
//
// Linking is strictly ordered per tenant. Remote registration runs outside the
// tenant lock, so two invoices of the same tenant may reach the authority in a
// different order than their chain sequence.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/rezonia/compliance-engine/internal/authority"
	"github.com/rezonia/compliance-engine/internal/chain"
	"github.com/rezonia/compliance-engine/internal/model"
)

// Linker appends a PENDING record to its tenant's chain and stores it as
// LINKED together with the new chain head
type Linker interface {
	Link(ctx context.Context, rec model.ComplianceRecord) (model.ComplianceRecord, error)
}

// Renderer produces the verification code for a linked invoice
type Renderer interface {
	Render(inv model.Invoice, hash string) (model.VerificationCode, error)
}

// Authority is the remote registry
type Authority interface {
	RegisterInvoice(ctx context.Context, inv model.Invoice, hash string, code model.VerificationCode) (authority.Registration, error)
	QueryInvoices(ctx context.Context, taxID string, period authority.Period) (authority.QueryResult, error)
}

// RecordStore persists compliance records
type RecordStore interface {
	Create(ctx context.Context, rec model.ComplianceRecord) error
	Update(ctx context.Context, rec model.ComplianceRecord) error
	Get(ctx context.Context, invoiceID string) (model.ComplianceRecord, error)
	ListByTenant(ctx context.Context, tenantID string) ([]model.ComplianceRecord, error)
}

// Config bounds the coordinator's retries and concurrency
type Config struct {
	MaxLinkAttempts   int
	MaxSubmitAttempts int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Workers           int
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		MaxLinkAttempts:   5,
		MaxSubmitAttempts: 5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		Workers:           8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxLinkAttempts <= 0 {
		c.MaxLinkAttempts = d.MaxLinkAttempts
	}
	if c.MaxSubmitAttempts <= 0 {
		c.MaxSubmitAttempts = d.MaxSubmitAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}

// Coordinator runs the submission state machine
type Coordinator struct {
	linker    Linker
	renderer  Renderer
	authority Authority
	records   RecordStore
	cfg       Config
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
	inflight  singleflight.Group
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithConfig sets retry and concurrency bounds
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg.withDefaults()
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics enables Prometheus metrics
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracer replaces the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator wires the pipeline stages together
func NewCoordinator(linker Linker, renderer Renderer, auth Authority, records RecordStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		linker:    linker,
		renderer:  renderer,
		authority: auth,
		records:   records,
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/rezonia/compliance-engine/internal/submission"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit validates inv, links it into the tenant chain, renders its
// verification code and registers it with the authority.
//
// Only invalid input and store failures are returned as errors; every other
// outcome is reported through the returned record's status. Submitting an
// invoice that already has a record never relinks it: terminal records are
// returned as-is and unfinished ones are resumed.
func (c *Coordinator) Submit(ctx context.Context, tenantID string, inv model.Invoice) (model.ComplianceRecord, error) {
	if inv.TenantID != tenantID {
		return model.ComplianceRecord{}, model.NewInvalidInvoiceError("tenant_id",
			fmt.Sprintf("invoice belongs to %q, not %q", inv.TenantID, tenantID), nil)
	}
	if err := inv.Validate(); err != nil {
		return model.ComplianceRecord{}, err
	}

	ctx, span := c.tracer.Start(ctx, "submission.Submit", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("invoice_id", inv.ID),
	))
	defer span.End()

	v, err, _ := c.inflight.Do(inv.ID, func() (interface{}, error) {
		return c.submit(ctx, tenantID, inv)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.ComplianceRecord{}, err
	}
	rec := v.(model.ComplianceRecord).Clone()
	span.SetAttributes(attribute.String("submission_status", string(rec.Status)))
	return rec, nil
}

func (c *Coordinator) submit(ctx context.Context, tenantID string, inv model.Invoice) (model.ComplianceRecord, error) {
	existing, err := c.records.Get(ctx, inv.ID)
	switch {
	case err == nil:
		return c.continueExisting(ctx, tenantID, inv, existing)
	case !errors.Is(err, model.ErrNotFound):
		return model.ComplianceRecord{}, fmt.Errorf("load record %s: %w", inv.ID, err)
	}

	rec := model.NewComplianceRecord(inv, c.now())
	if err := c.records.Create(ctx, rec); err != nil {
		if errors.Is(err, model.ErrAlreadyExists) {
			existing, err := c.records.Get(ctx, inv.ID)
			if err != nil {
				return model.ComplianceRecord{}, fmt.Errorf("load record %s: %w", inv.ID, err)
			}
			return c.continueExisting(ctx, tenantID, inv, existing)
		}
		return model.ComplianceRecord{}, fmt.Errorf("create record %s: %w", inv.ID, err)
	}

	return c.run(ctx, rec)
}

func (c *Coordinator) continueExisting(ctx context.Context, tenantID string, inv model.Invoice, rec model.ComplianceRecord) (model.ComplianceRecord, error) {
	if rec.TenantID != tenantID {
		return model.ComplianceRecord{}, model.NewInvalidInvoiceError("id",
			fmt.Sprintf("invoice id %s is already used by another tenant", rec.InvoiceID), nil)
	}
	if !rec.Invoice.SameContent(inv) {
		return model.ComplianceRecord{}, model.NewInvalidInvoiceError("id",
			fmt.Sprintf("invoice id %s was already submitted with different content", rec.InvoiceID), nil)
	}
	if rec.IsTerminal() {
		return rec, nil
	}
	c.logger.Info("resuming unfinished submission",
		"invoice_id", rec.InvoiceID, "tenant_id", rec.TenantID, "status", rec.Status)
	return c.resume(ctx, rec)
}

// Resume continues a non-terminal record. A SUBMITTING record is first
// reconciled against the authority; if the authority does not hold it, the
// same hash and verification code are sent again.
func (c *Coordinator) Resume(ctx context.Context, invoiceID string) (model.ComplianceRecord, error) {
	ctx, span := c.tracer.Start(ctx, "submission.Resume", trace.WithAttributes(
		attribute.String("invoice_id", invoiceID),
	))
	defer span.End()

	v, err, _ := c.inflight.Do(invoiceID, func() (interface{}, error) {
		rec, err := c.records.Get(ctx, invoiceID)
		if err != nil {
			return model.ComplianceRecord{}, err
		}
		if rec.IsTerminal() {
			return rec, nil
		}
		return c.resume(ctx, rec)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.ComplianceRecord{}, err
	}
	return v.(model.ComplianceRecord).Clone(), nil
}

func (c *Coordinator) resume(ctx context.Context, rec model.ComplianceRecord) (model.ComplianceRecord, error) {
	switch rec.Status {
	case model.StatusPending:
		return c.run(ctx, rec)
	case model.StatusLinked:
		return c.renderAndRegister(ctx, rec)
	case model.StatusSubmitting:
		rec, done, err := c.reconcileOne(ctx, rec)
		if err != nil || done {
			return rec, err
		}
		return c.register(ctx, rec)
	default:
		return rec, nil
	}
}

// run takes a PENDING record through the whole pipeline
func (c *Coordinator) run(ctx context.Context, rec model.ComplianceRecord) (model.ComplianceRecord, error) {
	rec, linked, err := c.link(ctx, rec)
	if err != nil || !linked {
		return rec, err
	}
	return c.renderAndRegister(ctx, rec)
}

// link commits the record's hash, retrying on chain conflicts and lock
// timeouts. A record that could not take the tenant lock stays PENDING so a
// later Submit or Resume links it; exhausted conflicts fail it.
func (c *Coordinator) link(ctx context.Context, rec model.ComplianceRecord) (model.ComplianceRecord, bool, error) {
	ctx, span := c.tracer.Start(ctx, "submission.link")
	defer span.End()

	start := time.Now()
	defer c.metrics.observeLink(start)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxLinkAttempts; attempt++ {
		linked, err := c.linker.Link(ctx, rec)
		if err == nil {
			span.SetAttributes(attribute.Int64("sequence", linked.Sequence))
			return linked, true, nil
		}

		switch {
		case model.IsInvalidInvoice(err):
			return rec, false, err
		case model.IsChainConflict(err):
			c.metrics.linkRetry("conflict")
		case errors.Is(err, chain.ErrLockTimeout):
			c.metrics.linkRetry("lock_timeout")
		case ctx.Err() != nil:
			// nothing committed; a later Submit links from scratch
			rec.Fail(model.ErrCodeCancelled, ctx.Err().Error())
			return rec, false, c.save(ctx, &rec)
		default:
			span.RecordError(err)
			return rec, false, err
		}

		lastErr = err
		c.logger.Warn("link attempt failed",
			"invoice_id", rec.InvoiceID, "tenant_id", rec.TenantID, "attempt", attempt, "error", err)
	}

	if errors.Is(lastErr, chain.ErrLockTimeout) {
		rec.Fail(model.ErrCodeLockTimeout, lastErr.Error())
		if err := c.save(ctx, &rec); err != nil {
			return rec, false, err
		}
		c.metrics.outcome(string(model.StatusPending))
		c.logger.Warn("tenant lock busy, record left pending",
			"invoice_id", rec.InvoiceID, "tenant_id", rec.TenantID)
		return rec, false, nil
	}

	rec.Fail(model.ErrCodeChainContention, lastErr.Error())
	if err := c.transition(ctx, &rec, model.StatusFailed); err != nil {
		return rec, false, err
	}
	c.metrics.outcome(string(model.StatusFailed))
	c.logger.Error("giving up linking invoice",
		"invoice_id", rec.InvoiceID, "tenant_id", rec.TenantID, "error_code", model.ErrCodeChainContention)
	return rec, false, nil
}

func (c *Coordinator) renderAndRegister(ctx context.Context, rec model.ComplianceRecord) (model.ComplianceRecord, error) {
	if rec.VerificationCode.URL == "" {
		code, err := c.renderer.Render(rec.Invoice, rec.Hash)
		if err != nil {
			rec.Fail(model.ErrCodeRender, err.Error())
			if terr := c.transition(ctx, &rec, model.StatusFailed); terr != nil {
				return rec, terr
			}
			c.metrics.outcome(string(model.StatusFailed))
			c.logger.Error("verification code rendering failed",
				"invoice_id", rec.InvoiceID, "error", err)
			return rec, nil
		}
		rec.VerificationCode = code
	}

	if err := c.transition(ctx, &rec, model.StatusSubmitting); err != nil {
		return rec, err
	}
	return c.register(ctx, rec)
}

// register sends the record to the authority until it is accepted, rejected,
// the attempt budget runs out or the caller gives up.
func (c *Coordinator) register(ctx context.Context, rec model.ComplianceRecord) (model.ComplianceRecord, error) {
	ctx, span := c.tracer.Start(ctx, "submission.register", trace.WithAttributes(
		attribute.String("invoice_id", rec.InvoiceID),
	))
	defer span.End()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialBackoff
	eb.MaxInterval = c.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(eb, uint64(c.cfg.MaxSubmitAttempts-1))
	policy.Reset()

	for {
		if ctx.Err() != nil {
			return c.cancelled(ctx, rec)
		}

		started := c.now()
		reg, err := c.authority.RegisterInvoice(ctx, rec.Invoice, rec.Hash, rec.VerificationCode)
		attempt := model.Attempt{
			Number:     len(rec.Attempts) + 1,
			StartedAt:  started,
			FinishedAt: c.now(),
		}

		switch {
		case err == nil:
			attempt.Outcome = model.OutcomeRegistered
			if reg.Duplicate {
				attempt.Outcome = model.OutcomeDuplicate
			}
			c.metrics.registerAttempt(attempt.Outcome, started)
			rec.Attempts = append(rec.Attempts, attempt)
			rec.AuthorityReference = reg.Reference
			rec.LastError, rec.ErrorCode = "", ""
			if err := c.transition(ctx, &rec, model.StatusRegistered); err != nil {
				return rec, err
			}
			c.metrics.outcome(string(model.StatusRegistered))
			c.logger.Info("invoice registered",
				"invoice_id", rec.InvoiceID, "reference", reg.Reference, "duplicate", reg.Duplicate)
			return rec, nil

		case ctx.Err() != nil:
			attempt.Outcome = model.OutcomeCancelled
			attempt.Error = err.Error()
			c.metrics.registerAttempt(attempt.Outcome, started)
			rec.Attempts = append(rec.Attempts, attempt)
			return c.cancelled(ctx, rec)

		case authority.IsRejected(err):
			attempt.Outcome = model.OutcomeRejected
			attempt.Error = err.Error()
			c.metrics.registerAttempt(attempt.Outcome, started)
			rec.Attempts = append(rec.Attempts, attempt)
			rec.Fail(model.ErrCodeRejected, rejectionReason(err))
			if err := c.transition(ctx, &rec, model.StatusRejected); err != nil {
				return rec, err
			}
			c.metrics.outcome(string(model.StatusRejected))
			c.logger.Warn("invoice rejected by authority",
				"invoice_id", rec.InvoiceID, "reason", rec.LastError)
			return rec, nil
		}

		// transport, transient and unclassified failures are all retried;
		// a duplicate answer makes a resend harmless
		attempt.Outcome = model.OutcomeRetryable
		attempt.Error = err.Error()
		c.metrics.registerAttempt(attempt.Outcome, started)
		rec.Attempts = append(rec.Attempts, attempt)
		rec.LastError = err.Error()
		if err := c.save(ctx, &rec); err != nil {
			return rec, err
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			rec.Fail(model.ErrCodeRetryExhausted,
				fmt.Sprintf("gave up after %d attempts: %v", c.cfg.MaxSubmitAttempts, err))
			if err := c.transition(ctx, &rec, model.StatusFailed); err != nil {
				return rec, err
			}
			c.metrics.outcome(string(model.StatusFailed))
			c.logger.Error("registration retries exhausted",
				"invoice_id", rec.InvoiceID, "attempts", c.cfg.MaxSubmitAttempts)
			span.SetStatus(codes.Error, "retries exhausted")
			return rec, nil
		}

		c.logger.Warn("registration attempt failed, retrying",
			"invoice_id", rec.InvoiceID, "attempt", attempt.Number, "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.cancelled(ctx, rec)
		case <-timer.C:
		}
	}
}

// cancelled leaves the record in SUBMITTING; a later Submit or Resume
// reconciles it before sending anything again.
func (c *Coordinator) cancelled(ctx context.Context, rec model.ComplianceRecord) (model.ComplianceRecord, error) {
	rec.Fail(model.ErrCodeCancelled, "submission interrupted: "+context.Cause(ctx).Error())
	if err := c.save(ctx, &rec); err != nil {
		return rec, err
	}
	c.metrics.outcome(string(rec.Status))
	c.logger.Warn("submission interrupted, record left for resume",
		"invoice_id", rec.InvoiceID, "status", rec.Status)
	return rec, nil
}

// reconcileOne asks the authority whether it already holds a SUBMITTING record.
// done is true when the record reached a terminal state.
func (c *Coordinator) reconcileOne(ctx context.Context, rec model.ComplianceRecord) (model.ComplianceRecord, bool, error) {
	res, err := c.authority.QueryInvoices(ctx, rec.Invoice.TaxID, authority.DayPeriod(rec.Invoice.IssueDate))
	if err != nil {
		// resending is safe: the authority answers Duplicate if it holds the invoice
		c.logger.Warn("reconciliation query failed, resending",
			"invoice_id", rec.InvoiceID, "error", err)
		return rec, false, nil
	}

	found, ok := res.Find(rec.Invoice.Number, rec.Invoice.IssueDay())
	if !ok {
		return rec, false, nil
	}
	rec, err = c.applyRemote(ctx, rec, found)
	return rec, true, err
}

// applyRemote settles a record against the authority's copy of it
func (c *Coordinator) applyRemote(ctx context.Context, rec model.ComplianceRecord, found authority.RegisteredInvoice) (model.ComplianceRecord, error) {
	now := c.now()
	attempt := model.Attempt{Number: len(rec.Attempts) + 1, StartedAt: now, FinishedAt: now, Outcome: model.OutcomeReconciled}

	if found.Hash != rec.Hash {
		attempt.Error = "authority holds a different hash"
		rec.Attempts = append(rec.Attempts, attempt)
		rec.Fail(model.ErrCodeHashMismatch,
			fmt.Sprintf("authority holds hash %s for invoice %s", found.Hash, rec.Invoice.Number))
		if !model.CanTransition(rec.Status, model.StatusRejected) {
			return rec, c.save(ctx, &rec)
		}
		if err := c.transition(ctx, &rec, model.StatusRejected); err != nil {
			return rec, err
		}
		c.metrics.outcome(string(model.StatusRejected))
		c.logger.Error("authority hash mismatch",
			"invoice_id", rec.InvoiceID, "local_hash", rec.Hash, "remote_hash", found.Hash)
		return rec, nil
	}

	rec.Attempts = append(rec.Attempts, attempt)
	rec.AuthorityReference = found.Reference
	rec.LastError, rec.ErrorCode = "", ""
	if err := c.transition(ctx, &rec, model.StatusRegistered); err != nil {
		return rec, err
	}
	c.metrics.outcome(string(model.StatusRegistered))
	c.logger.Info("invoice reconciled as registered",
		"invoice_id", rec.InvoiceID, "reference", found.Reference)
	return rec, nil
}

func (c *Coordinator) transition(ctx context.Context, rec *model.ComplianceRecord, to model.Status) error {
	if err := rec.Transition(to, c.now()); err != nil {
		return err
	}
	return c.persist(ctx, rec)
}

func (c *Coordinator) save(ctx context.Context, rec *model.ComplianceRecord) error {
	rec.UpdatedAt = c.now()
	return c.persist(ctx, rec)
}

// persist writes the record even if the caller's context is already cancelled
func (c *Coordinator) persist(ctx context.Context, rec *model.ComplianceRecord) error {
	if err := c.records.Update(context.WithoutCancel(ctx), *rec); err != nil {
		c.logger.Error("failed to persist compliance record",
			"invoice_id", rec.InvoiceID, "status", rec.Status, "error", err)
		return fmt.Errorf("persist record %s: %w", rec.InvoiceID, err)
	}
	return nil
}

func rejectionReason(err error) string {
	var ae *authority.Error
	if errors.As(err, &ae) {
		switch {
		case ae.Code != "" && ae.Message != "":
			return ae.Code + ": " + ae.Message
		case ae.Message != "":
			return ae.Message
		case ae.Code != "":
			return ae.Code
		}
	}
	return err.Error()
}
