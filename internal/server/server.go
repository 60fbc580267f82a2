package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rezonia/compliance-engine/internal/authority"
	"github.com/rezonia/compliance-engine/internal/chain"
	"github.com/rezonia/compliance-engine/internal/model"
	"github.com/rezonia/compliance-engine/internal/submission"
)

// Config holds server configuration
type Config struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	Debug          bool
}

// Coordinator is the submission pipeline behind the API
type Coordinator interface {
	Submit(ctx context.Context, tenantID string, inv model.Invoice) (model.ComplianceRecord, error)
	Resume(ctx context.Context, invoiceID string) (model.ComplianceRecord, error)
	Reconcile(ctx context.Context, tenantID string, period authority.Period) (submission.ReconcileReport, error)
}

// Records gives read access to compliance records
type Records interface {
	Get(ctx context.Context, invoiceID string) (model.ComplianceRecord, error)
	ListByTenant(ctx context.Context, tenantID string) ([]model.ComplianceRecord, error)
}

// HealthFunc produces the compliance-health report
type HealthFunc func(ctx context.Context) authority.HealthReport

// Dependencies are the collaborators the handlers call
type Dependencies struct {
	Coordinator Coordinator
	Records     Records
	Chain       interface {
		Head(ctx context.Context, tenantID string) (model.ChainRecord, error)
	}
	Health   HealthFunc
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server represents the HTTP API server
type Server struct {
	config *Config
	deps   Dependencies
	router *gin.Engine
}

// NewServer creates a new API server
func NewServer(config *Config, deps Dependencies) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 2 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if config.Debug {
		router.Use(gin.Logger())
	}

	s := &Server{
		config: config,
		deps:   deps,
		router: router,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/register-invoice", s.handleRegisterInvoice)

		v1.GET("/records/:invoiceId", s.handleGetRecord)
		v1.POST("/records/:invoiceId/resume", s.handleResume)

		v1.GET("/tenants/:tenantId/chain/verify", s.handleVerifyChain)
		v1.POST("/tenants/:tenantId/reconcile", s.handleReconcile)

		v1.GET("/compliance-health", s.handleComplianceHealth)
	}
}

// Run starts the HTTP server and shuts it down when ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// Handler returns the http.Handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRegisterInvoice(c *gin.Context) {
	var req RegisterInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed request body", Details: err.Error()})
		return
	}

	inv, err := req.ToInvoice()
	if err != nil {
		s.writeError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.RequestTimeout)
	defer cancel()

	rec, err := s.deps.Coordinator.Submit(ctx, req.TenantID, inv)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(statusFor(rec), newRecordResponse(rec))
}

func (s *Server) handleGetRecord(c *gin.Context) {
	rec, err := s.deps.Records.Get(c.Request.Context(), c.Param("invoiceId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRecordResponse(rec))
}

func (s *Server) handleResume(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.RequestTimeout)
	defer cancel()

	rec, err := s.deps.Coordinator.Resume(ctx, c.Param("invoiceId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(statusFor(rec), newRecordResponse(rec))
}

func (s *Server) handleVerifyChain(c *gin.Context) {
	tenantID := c.Param("tenantId")

	records, err := s.deps.Records.ListByTenant(c.Request.Context(), tenantID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	report, err := chain.Verify(tenantID, records)
	if err == nil && s.deps.Chain != nil {
		var head model.ChainRecord
		if head, err = s.deps.Chain.Head(c.Request.Context(), tenantID); err == nil {
			err = chain.VerifyHead(report, head)
		}
	}
	if err != nil {
		c.JSON(http.StatusConflict, ChainVerifyResponse{Valid: false, Report: report, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ChainVerifyResponse{Valid: true, Report: report})
}

func (s *Server) handleReconcile(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed request body", Details: err.Error()})
		return
	}
	period, err := req.period()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid period", Details: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.RequestTimeout)
	defer cancel()

	report, err := s.deps.Coordinator.Reconcile(ctx, c.Param("tenantId"), period)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleComplianceHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "compliance health is not configured"})
		return
	}

	report := s.deps.Health(c.Request.Context())
	if !report.Healthy {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// statusFor maps a record's submission status to an HTTP status
func statusFor(rec model.ComplianceRecord) int {
	switch rec.Status {
	case model.StatusRegistered:
		return http.StatusOK
	case model.StatusRejected:
		return http.StatusUnprocessableEntity
	case model.StatusFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusAccepted
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	var invalid *model.InvalidInvoiceError
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: invalid.Error(), Field: invalid.Field})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "record not found"})
	default:
		s.deps.Logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Details: err.Error()})
	}
}
