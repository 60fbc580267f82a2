package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rezonia/compliance-engine/internal/authority"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check client certificate, passphrase and service description",
	Long: `Re-read the mounted certificate bundle, passphrase file and service
description and report their status, including certificate expiry and
revocation.

Exits with an error when anything needed to register invoices is unusable.

Examples:
  compliance-engine health
  compliance-engine health -f json`,
	RunE: runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	roots, err := newTrustStore()
	if err != nil {
		return err
	}

	// a remote service description needs the client certificate to fetch
	var httpClient *http.Client
	if creds, err := authority.LoadCredentials(cfg.CertBundle, cfg.CertPassphraseFile); err == nil {
		httpClient = &http.Client{Transport: authority.NewTransport(creds, roots.Roots()), Timeout: cfg.CallTimeout}
	}

	report := authority.CheckHealth(cmd.Context(), authority.HealthSources{
		BundlePath:         cfg.CertBundle,
		PassphrasePath:     cfg.CertPassphraseFile,
		ServiceDescription: cfg.ServiceDescription,
	}, roots, httpClient)

	if err := output(report, func(w *tabwriter.Writer) { healthTable(w, report) }); err != nil {
		return err
	}
	if !report.Healthy {
		return errors.New("compliance health check failed")
	}
	return nil
}

func healthTable(w *tabwriter.Writer, report authority.HealthReport) {
	fmt.Fprintf(w, "HEALTHY\t%t\n", report.Healthy)
	if report.CredentialsError != "" {
		fmt.Fprintf(w, "CREDENTIALS\tERROR: %s\n", report.CredentialsError)
	}
	if c := report.Certificate; c != nil {
		fmt.Fprintf(w, "SUBJECT\t%s\n", c.Subject)
		fmt.Fprintf(w, "ISSUER\t%s\n", c.Issuer)
		fmt.Fprintf(w, "SERIAL\t%s\n", c.SerialNumber)
		fmt.Fprintf(w, "VALID\t%s - %s\n", c.NotBefore.Format("2006-01-02"), c.NotAfter.Format("2006-01-02"))
		fmt.Fprintf(w, "REVOCATION\t%s\n", c.Revocation)
		for _, warning := range c.Warnings {
			fmt.Fprintf(w, "WARNING\t%s\n", warning)
		}
	}
	fmt.Fprintf(w, "SERVICE\t%s\n", report.Service.Source)
	if report.Service.Error != "" {
		fmt.Fprintf(w, "SERVICE ERROR\t%s\n", report.Service.Error)
	} else {
		fmt.Fprintf(w, "ENDPOINT\t%s\n", report.Service.Endpoint)
		fmt.Fprintf(w, "OPERATIONS\t%s\n", strings.Join(report.Service.Operations, ", "))
	}
}
