// Package config provides engine configuration loaded from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rezonia/compliance-engine/internal/chain"
	"github.com/rezonia/compliance-engine/internal/model"
	"github.com/rezonia/compliance-engine/internal/submission"
	"github.com/rezonia/compliance-engine/internal/verification"
)

// Environment variable names
const (
	EnvAddr               = "COMPLIANCE_ADDR"
	EnvDBDSN              = "COMPLIANCE_DB_DSN"
	EnvCertBundle         = "COMPLIANCE_CERT_BUNDLE"
	EnvCertPassphraseFile = "COMPLIANCE_CERT_PASSPHRASE_FILE"
	EnvServiceDescription = "COMPLIANCE_SERVICE_DESCRIPTION"
	EnvCAFile             = "COMPLIANCE_CA_FILE"
	EnvVerifyBaseURL      = "COMPLIANCE_VERIFY_BASE_URL"
	EnvQRSize             = "COMPLIANCE_QR_SIZE"
	EnvCallTimeout        = "COMPLIANCE_CALL_TIMEOUT"
	EnvRequestTimeout     = "COMPLIANCE_REQUEST_TIMEOUT"
	EnvLockTimeout        = "COMPLIANCE_LOCK_TIMEOUT"
	EnvMaxLinkAttempts    = "COMPLIANCE_MAX_LINK_ATTEMPTS"
	EnvMaxSubmitAttempts  = "COMPLIANCE_MAX_SUBMIT_ATTEMPTS"
	EnvWorkers            = "COMPLIANCE_WORKERS"
	EnvSignRequests       = "COMPLIANCE_SIGN_REQUESTS"
	EnvOCSPSoftFail       = "COMPLIANCE_OCSP_SOFT_FAIL"
	EnvLogLevel           = "COMPLIANCE_LOG_LEVEL"
	EnvLogFormat          = "COMPLIANCE_LOG_FORMAT"
	EnvDebug              = "COMPLIANCE_DEBUG"
)

// Config holds all engine configuration
type Config struct {
	Addr  string
	DBDSN string

	// Authority credentials and endpoint
	CertBundle         string
	CertPassphraseFile string
	ServiceDescription string
	CAFile             string
	CallTimeout        time.Duration
	SignRequests       bool
	OCSPSoftFail       bool

	VerifyBaseURL string
	QRSize        int

	RequestTimeout    time.Duration
	LockTimeout       time.Duration
	MaxLinkAttempts   int
	MaxSubmitAttempts int
	Workers           int

	LogLevel  string
	LogFormat string
	Debug     bool
}

// Load reads an optional .env file and then the environment. An explicit
// envFile must exist; the default ".env" is skipped when absent.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, model.NewConfigError("config", "cannot load "+envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	p := &parser{}
	defaults := submission.DefaultConfig()
	cfg := &Config{
		Addr:               getEnv(EnvAddr, ":8080"),
		DBDSN:              getEnv(EnvDBDSN, "compliance.db"),
		CertBundle:         os.Getenv(EnvCertBundle),
		CertPassphraseFile: os.Getenv(EnvCertPassphraseFile),
		ServiceDescription: os.Getenv(EnvServiceDescription),
		CAFile:             os.Getenv(EnvCAFile),
		CallTimeout:        p.dur(EnvCallTimeout, 30*time.Second),
		SignRequests:       p.boolean(EnvSignRequests, false),
		OCSPSoftFail:       p.boolean(EnvOCSPSoftFail, true),
		VerifyBaseURL:      getEnv(EnvVerifyBaseURL, verification.DefaultBaseURL),
		QRSize:             p.integer(EnvQRSize, verification.DefaultSize),
		RequestTimeout:     p.dur(EnvRequestTimeout, 2*time.Minute),
		LockTimeout:        p.dur(EnvLockTimeout, chain.DefaultLockTimeout),
		MaxLinkAttempts:    p.integer(EnvMaxLinkAttempts, defaults.MaxLinkAttempts),
		MaxSubmitAttempts:  p.integer(EnvMaxSubmitAttempts, defaults.MaxSubmitAttempts),
		Workers:            p.integer(EnvWorkers, defaults.Workers),
		LogLevel:           getEnv(EnvLogLevel, "info"),
		LogFormat:          getEnv(EnvLogFormat, "text"),
		Debug:              p.boolean(EnvDebug, false),
	}
	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// Validate checks settings shared by every command
func (c *Config) Validate() error {
	if c.MaxLinkAttempts < 1 {
		return model.NewConfigError("max_link_attempts", "must be at least 1", nil)
	}
	if c.MaxSubmitAttempts < 1 {
		return model.NewConfigError("max_submit_attempts", "must be at least 1", nil)
	}
	if c.Workers < 1 {
		return model.NewConfigError("workers", "must be at least 1", nil)
	}
	if c.QRSize < verification.DefaultSize {
		return model.NewConfigError("qr_size", fmt.Sprintf("must be at least %d pixels", verification.DefaultSize), nil)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return model.NewConfigError("log_format", fmt.Sprintf("unsupported format %q", c.LogFormat), nil)
	}
	return nil
}

// ValidateAuthority checks the material needed to talk to the authority.
// Missing values are fatal at startup.
func (c *Config) ValidateAuthority() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CertBundle == "" {
		return model.NewConfigError("cert_bundle", EnvCertBundle+" is required", nil)
	}
	if c.CertPassphraseFile == "" {
		return model.NewConfigError("cert_passphrase_file", EnvCertPassphraseFile+" is required", nil)
	}
	if c.ServiceDescription == "" {
		return model.NewConfigError("service_description", EnvServiceDescription+" is required", nil)
	}
	return nil
}

// SubmissionConfig returns the coordinator bounds
func (c *Config) SubmissionConfig() submission.Config {
	cfg := submission.DefaultConfig()
	cfg.MaxLinkAttempts = c.MaxLinkAttempts
	cfg.MaxSubmitAttempts = c.MaxSubmitAttempts
	cfg.Workers = c.Workers
	return cfg
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser keeps the first malformed value it meets
type parser struct {
	err error
}

func (p *parser) fail(key, value, want string, cause error) {
	if p.err == nil {
		p.err = model.NewConfigError(strings.ToLower(strings.TrimPrefix(key, "COMPLIANCE_")),
			fmt.Sprintf("%s=%q is not a valid %s", key, value, want), cause)
	}
}

func (p *parser) integer(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, "integer", err)
		return defaultValue
	}
	return i
}

func (p *parser) dur(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, "duration", err)
		return defaultValue
	}
	return d
}

// boolean accepts "1", "true", "yes" as true and "0", "false", "no" as false
func (p *parser) boolean(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	switch value {
	case "":
		return defaultValue
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	p.fail(key, value, "boolean", nil)
	return defaultValue
}
