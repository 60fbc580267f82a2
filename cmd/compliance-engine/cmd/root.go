package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rezonia/compliance-engine/internal/config"
	"github.com/rezonia/compliance-engine/internal/logging"
)

var (
	version = "1.0.0"

	// Global flags
	verbose      bool
	outputFormat string
	envFile      string
	dbDSN        string
	logLevel     string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "compliance-engine",
	Short: "Tamper-evident invoice chaining and tax authority registration",
	Long: `Compliance Engine links every invoice of a tenant into a SHA-256 hash chain,
renders its public verification code and registers it with the tax authority
over a mutually authenticated SOAP endpoint.

Configuration is read from COMPLIANCE_* environment variables, optionally
from a .env file (--config).

Examples:
  # Start the HTTP API
  compliance-engine serve

  # Check the client certificate and service description
  compliance-engine health

  # List what the authority holds for a tax id
  compliance-engine query --tax-id B12345678 --from 2025-01-01 --to 2025-01-31

  # Recompute a tenant's chain from the stored records
  compliance-engine verify-chain --tenant T1`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "table", "Output format (json, table)")
	rootCmd.PersistentFlags().StringVar(&envFile, "config", "", "Load environment from this .env file")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db-dsn", "", "Database DSN (env: COMPLIANCE_DB_DSN)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (env: COMPLIANCE_LOG_LEVEL)")
}

// initConfig loads the environment, then lets flags override it
func initConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if dbDSN != "" {
		loaded.DBDSN = dbDSN
	}
	if logLevel != "" {
		loaded.LogLevel = logLevel
	} else if verbose {
		loaded.LogLevel = "debug"
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	l, err := logging.New(os.Stderr, loaded.LogLevel, loaded.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(l)

	cfg, logger = loaded, l
	return nil
}

func printVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
