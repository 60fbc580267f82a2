package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var reconcileTenant string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Settle unfinished submissions against the authority",
	Long: `Compare a tenant's SUBMITTING and FAILED records issued in a period with
what the authority holds. Records the authority knows under the same hash
are promoted to REGISTERED; records it holds under a different hash are
reported as mismatched.

Examples:
  compliance-engine reconcile --tenant T1 --from 2025-01-01 --to 2025-01-31`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringVar(&reconcileTenant, "tenant", "", "Tenant id")
	reconcileCmd.Flags().StringVar(&periodFrom, "from", "", "First issue date (YYYY-MM-DD)")
	reconcileCmd.Flags().StringVar(&periodTo, "to", "", "Last issue date (YYYY-MM-DD, defaults to --from)")
	_ = reconcileCmd.MarkFlagRequired("tenant")
	_ = reconcileCmd.MarkFlagRequired("from")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	period, err := parsePeriod()
	if err != nil {
		return err
	}

	eng, err := newEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	report, err := eng.coordinator.Reconcile(cmd.Context(), reconcileTenant, period)
	if err != nil {
		return err
	}

	return output(report, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "TENANT\tCHECKED\tPROMOTED\tMISMATCHED\tMISSING")
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
			report.TenantID, report.Checked, report.Promoted, report.Mismatched, report.Missing)
	})
}
