package cmd

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"github.com/rezonia/compliance-engine/internal/authority"
	"github.com/rezonia/compliance-engine/internal/chain"
	"github.com/rezonia/compliance-engine/internal/model"
	"github.com/rezonia/compliance-engine/internal/store/gormstore"
	"github.com/rezonia/compliance-engine/internal/submission"
	"github.com/rezonia/compliance-engine/internal/trust"
	"github.com/rezonia/compliance-engine/internal/verification"
)

// engine holds the wired components shared by the commands
type engine struct {
	db          *gorm.DB
	records     *gormstore.RecordStore
	linker      *chain.Linker
	trust       *trust.Store
	http        *http.Client
	client      *authority.Client
	coordinator *submission.Coordinator
	registry    *prometheus.Registry
}

// openStore connects to the configured database and migrates it
func openStore() (*gorm.DB, error) {
	db, err := gormstore.Open(cfg.DBDSN, cfg.Debug)
	if err != nil {
		return nil, err
	}
	if err := gormstore.Migrate(db); err != nil {
		return nil, err
	}
	printVerbose("Store: %s\n", cfg.DBDSN)
	return db, nil
}

func closeStore(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// newTrustStore builds the roots used to authenticate the authority
func newTrustStore() (*trust.Store, error) {
	var opts []trust.StoreOption
	if cfg.OCSPSoftFail {
		opts = append(opts, trust.WithSoftFail())
	}
	store, err := trust.NewSystemStore(opts...)
	if err != nil {
		return nil, model.NewConfigError("ca_file", "cannot load system roots", err)
	}
	if cfg.CAFile != "" {
		if err := store.AddPEMFile(cfg.CAFile); err != nil {
			return nil, model.NewConfigError("ca_file", "cannot load "+cfg.CAFile, err)
		}
	}
	return store, nil
}

// connectAuthority loads the client credentials and service description.
// Either one missing is fatal.
func connectAuthority(ctx context.Context, roots *trust.Store) (*authority.Client, *http.Client, error) {
	if err := cfg.ValidateAuthority(); err != nil {
		return nil, nil, err
	}

	creds, err := authority.LoadCredentials(cfg.CertBundle, cfg.CertPassphraseFile)
	if err != nil {
		return nil, nil, err
	}
	printVerbose("Client certificate: %s\n", creds.Subject())

	httpClient := &http.Client{
		Transport: authority.NewTransport(creds, roots.Roots()),
		Timeout:   cfg.CallTimeout,
	}
	desc, err := authority.LoadServiceDescription(ctx, cfg.ServiceDescription, httpClient)
	if err != nil {
		return nil, nil, err
	}
	printVerbose("Authority endpoint: %s\n", desc.Endpoint)

	opts := []authority.Option{
		authority.WithRootCAs(roots.Roots()),
		authority.WithCallTimeout(cfg.CallTimeout),
		authority.WithLogger(logger),
	}
	if cfg.SignRequests {
		opts = append(opts, authority.WithSigning())
	}
	client, err := authority.NewClient(creds, desc, opts...)
	if err != nil {
		return nil, nil, err
	}
	return client, httpClient, nil
}

// newEngine wires store, chain, renderer, authority and coordinator
func newEngine(ctx context.Context) (*engine, error) {
	roots, err := newTrustStore()
	if err != nil {
		return nil, err
	}
	client, httpClient, err := connectAuthority(ctx, roots)
	if err != nil {
		return nil, err
	}

	db, err := openStore()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	records := gormstore.NewRecordStore(db)
	linker := chain.NewLinker(gormstore.NewChainStore(db),
		chain.WithLogger(logger),
		chain.WithLocker(chain.NewLocker(cfg.LockTimeout)),
	)
	coordinator := submission.NewCoordinator(
		linker,
		verification.NewRenderer(cfg.VerifyBaseURL, cfg.QRSize),
		client,
		records,
		submission.WithConfig(cfg.SubmissionConfig()),
		submission.WithLogger(logger),
		submission.WithMetrics(submission.NewMetrics(registry)),
	)

	return &engine{
		db:          db,
		records:     records,
		linker:      linker,
		trust:       roots,
		http:        httpClient,
		client:      client,
		coordinator: coordinator,
		registry:    registry,
	}, nil
}

// health re-reads the mounted secrets on every call so rotations show up
func (e *engine) health(ctx context.Context) authority.HealthReport {
	return authority.CheckHealth(ctx, authority.HealthSources{
		BundlePath:         cfg.CertBundle,
		PassphrasePath:     cfg.CertPassphraseFile,
		ServiceDescription: cfg.ServiceDescription,
	}, e.trust, e.http)
}

func (e *engine) Close() {
	closeStore(e.db)
}
