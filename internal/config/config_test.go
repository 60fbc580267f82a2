package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/compliance-engine/internal/config"
	"github.com/rezonia/compliance-engine/internal/model"
	"github.com/rezonia/compliance-engine/internal/verification"
)

// clearEnv blanks every engine variable for the duration of the test
func clearEnv(t *testing.T) {
	for _, key := range []string{
		config.EnvAddr, config.EnvDBDSN, config.EnvCertBundle, config.EnvCertPassphraseFile,
		config.EnvServiceDescription, config.EnvCAFile, config.EnvVerifyBaseURL, config.EnvQRSize,
		config.EnvCallTimeout, config.EnvRequestTimeout, config.EnvLockTimeout,
		config.EnvMaxLinkAttempts, config.EnvMaxSubmitAttempts, config.EnvWorkers,
		config.EnvSignRequests, config.EnvOCSPSoftFail, config.EnvLogLevel, config.EnvLogFormat,
		config.EnvDebug,
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "compliance.db", cfg.DBDSN)
	assert.Equal(t, verification.DefaultBaseURL, cfg.VerifyBaseURL)
	assert.Equal(t, verification.DefaultSize, cfg.QRSize)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, 5, cfg.MaxSubmitAttempts)
	assert.True(t, cfg.OCSPSoftFail)
	assert.False(t, cfg.SignRequests)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.EnvAddr, ":9090")
	t.Setenv(config.EnvCallTimeout, "5s")
	t.Setenv(config.EnvMaxLinkAttempts, "7")
	t.Setenv(config.EnvSignRequests, "yes")
	t.Setenv(config.EnvLogFormat, "json")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	assert.Equal(t, 7, cfg.MaxLinkAttempts)
	assert.True(t, cfg.SignRequests)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 7, cfg.SubmissionConfig().MaxLinkAttempts)
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t)
	// godotenv never overrides variables that are already set, even when empty
	os.Unsetenv(config.EnvCertBundle)
	os.Unsetenv(config.EnvWorkers)

	path := filepath.Join(t.TempDir(), "engine.env")
	require.NoError(t, os.WriteFile(path, []byte("COMPLIANCE_CERT_BUNDLE=/run/secrets/client.p12\nCOMPLIANCE_WORKERS=3\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv(config.EnvCertBundle)
		os.Unsetenv(config.EnvWorkers)
	})

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/secrets/client.p12", cfg.CertBundle)
	assert.Equal(t, 3, cfg.Workers)
}

func TestLoad_MissingEnvFile(t *testing.T) {
	clearEnv(t)

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	var cfgErr *model.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoad_MalformedValues(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		setting string
	}{
		{config.EnvCallTimeout, "soon", "call_timeout"},
		{config.EnvWorkers, "many", "workers"},
		{config.EnvSignRequests, "maybe", "sign_requests"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := config.Load("")
			var cfgErr *model.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.setting, cfgErr.Setting)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		return &config.Config{
			MaxLinkAttempts:    1,
			MaxSubmitAttempts:  1,
			Workers:            1,
			QRSize:             256,
			LogFormat:          "text",
			CertBundle:         "client.p12",
			CertPassphraseFile: "passphrase",
			ServiceDescription: "service.wsdl",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		setting string
	}{
		{"workers", func(c *config.Config) { c.Workers = 0 }, "workers"},
		{"link attempts", func(c *config.Config) { c.MaxLinkAttempts = 0 }, "max_link_attempts"},
		{"qr size", func(c *config.Config) { c.QRSize = 100 }, "qr_size"},
		{"log format", func(c *config.Config) { c.LogFormat = "xml" }, "log_format"},
		{"cert bundle", func(c *config.Config) { c.CertBundle = "" }, "cert_bundle"},
		{"passphrase", func(c *config.Config) { c.CertPassphraseFile = "" }, "cert_passphrase_file"},
		{"service description", func(c *config.Config) { c.ServiceDescription = "" }, "service_description"},
	}

	require.NoError(t, valid().ValidateAuthority())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.ValidateAuthority()
			var cfgErr *model.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.setting, cfgErr.Setting)
		})
	}
}
