package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/ledgerwatch/pkg/reconciler"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run and inspect reconciliations",
}

var reconcileRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run due reconciliation configurations",
	Long: `Run reconciliation configurations against the system of record.

Without --name every configuration whose schedule is due runs. --force runs
configurations regardless of when they last completed.

Examples:
  # Run whatever is due
  ledgerwatch reconcile run

  # Re-run the transfer configuration now
  ledgerwatch reconcile run --name transfer_reconciliation --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		force, _ := cmd.Flags().GetBool("force")

		return withApp(cmd.Context(), true, func(a *app) error {
			run, err := a.recon.RunReconciliation(cmd.Context(), name, force)
			if errors.Is(err, reconciler.ErrNothingDue) {
				fmt.Println("Nothing due. Use --force to run anyway.")
				return nil
			}
			if err != nil {
				return err
			}
			if ok, err := structured(run); ok {
				return err
			}
			printRun(run)
			return nil
		})
	},
}

var reconcileHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent reconciliation runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, _ := cmd.Flags().GetInt("hours")

		return withApp(cmd.Context(), false, func(a *app) error {
			runs, err := a.recon.GetReconciliationHistory(cmd.Context(), hours)
			if err != nil {
				return err
			}
			if ok, err := structured(runs); ok {
				return err
			}
			if len(runs) == 0 {
				fmt.Printf("No runs in the last %d hours\n", hours)
				return nil
			}

			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				rows = append(rows, []string{
					run.ID,
					run.Kind,
					string(run.Status),
					formatTime(run.StartedAt),
					strconv.Itoa(run.Results.TotalChecks),
					strconv.Itoa(run.Results.DiscrepanciesFound),
					strconv.Itoa(run.Results.AutoResolved),
				})
			}
			printTable([]string{"id", "kind", "status", "started", "checks", "discrepancies", "auto-resolved"}, rows)
			return nil
		})
	},
}

var reconcileDiscrepanciesCmd = &cobra.Command{
	Use:   "discrepancies RUN_ID",
	Short: "List the discrepancies found by a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(a *app) error {
			ds, err := a.recon.GetJobDiscrepancies(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ok, err := structured(ds); ok {
				return err
			}
			printDiscrepancies(ds)
			return nil
		})
	},
}

var reconcileResolveCmd = &cobra.Command{
	Use:   "resolve DISCREPANCY_ID",
	Short: "Resolve a discrepancy",
	Long: `Resolve an unresolved discrepancy on an operator's behalf.

Strategies:
  accept_event      the event-derived value is correct
  accept_actual     the system of record is correct
  manual_override   corrected by hand outside ledgerwatch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		details, _ := cmd.Flags().GetString("details")

		return withApp(cmd.Context(), false, func(a *app) error {
			d, err := a.recon.ResolveDiscrepancy(cmd.Context(), args[0], types.Resolution{
				Strategy: types.ResolutionStrategy(strategy),
				Details:  details,
			})
			if err != nil {
				return err
			}
			if ok, err := structured(d); ok {
				return err
			}
			fmt.Printf("✓ Discrepancy %s resolved via %s\n", d.ID, d.Strategy)
			return nil
		})
	},
}

var reconcileAnnotateCmd = &cobra.Command{
	Use:   "annotate DISCREPANCY_ID NOTE...",
	Short: "Append an audit note to a discrepancy",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		note := strings.Join(args[1:], " ")

		return withApp(cmd.Context(), false, func(a *app) error {
			d, err := a.recon.AnnotateDiscrepancy(cmd.Context(), args[0], note)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Note added to %s (%d notes)\n", d.ID, len(d.Notes))
			return nil
		})
	},
}

var reconcileConfigsCmd = &cobra.Command{
	Use:   "configs",
	Short: "List reconciliation configurations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(a *app) error {
			configs := a.recon.Configurations()
			if ok, err := structured(configs); ok {
				return err
			}

			rows := make([][]string, 0, len(configs))
			for _, c := range configs {
				checks := make([]string, 0, len(c.Checks))
				for _, check := range c.Checks {
					s := string(check.Type) + ":" + string(check.Severity)
					if check.AutoResolve {
						s += "+auto"
					}
					checks = append(checks, s)
				}
				rows = append(rows, []string{
					c.Name,
					string(c.ResourceType),
					string(c.Schedule),
					strconv.Itoa(c.LookbackHours) + "h",
					strings.Join(checks, ","),
				})
			}
			printTable([]string{"name", "resource type", "schedule", "lookback", "checks"}, rows)
			return nil
		})
	},
}

func init() {
	reconcileRunCmd.Flags().String("name", "", "Run only this configuration")
	reconcileRunCmd.Flags().Bool("force", false, "Run even if not due")

	reconcileHistoryCmd.Flags().Int("hours", 24, "How far back to list runs")

	reconcileResolveCmd.Flags().String("strategy", "", "Resolution strategy (required)")
	reconcileResolveCmd.Flags().String("details", "", "Free-text resolution details")
	_ = reconcileResolveCmd.MarkFlagRequired("strategy")

	reconcileCmd.AddCommand(reconcileRunCmd)
	reconcileCmd.AddCommand(reconcileHistoryCmd)
	reconcileCmd.AddCommand(reconcileDiscrepanciesCmd)
	reconcileCmd.AddCommand(reconcileResolveCmd)
	reconcileCmd.AddCommand(reconcileAnnotateCmd)
	reconcileCmd.AddCommand(reconcileConfigsCmd)
}

func printRun(run *types.ReconciliationRun) {
	fmt.Printf("Run %s (%s): %s\n", run.ID, run.Kind, run.Status)
	fmt.Printf("  Configurations:  %s\n", strings.Join(run.Results.Configurations, ", "))
	fmt.Printf("  Resources:       %d\n", run.Results.ResourcesChecked)
	fmt.Printf("  Checks:          %d\n", run.Results.TotalChecks)
	fmt.Printf("  Discrepancies:   %d\n", run.Results.DiscrepanciesFound)
	fmt.Printf("  Auto-resolved:   %d\n", run.Results.AutoResolved)
	fmt.Printf("  Errors:          %d\n", run.Results.Errors)
	fmt.Printf("  Duration:        %s\n", run.Duration())
	if run.Error != "" {
		fmt.Printf("  Error:           %s\n", run.Error)
	}
}

func printDiscrepancies(ds []*types.Discrepancy) {
	if len(ds) == 0 {
		fmt.Println("No discrepancies")
		return
	}
	rows := make([][]string, 0, len(ds))
	for _, d := range ds {
		rows = append(rows, []string{
			d.ID,
			string(d.ResourceType),
			truncate(d.ResourceID, 24),
			string(d.CheckName),
			d.Field,
			string(d.Severity),
			string(d.State),
			truncate(string(d.EventValue), 20),
			truncate(string(d.ActualValue), 20),
		})
	}
	printTable([]string{"id", "type", "resource", "check", "field", "severity", "state", "event", "actual"}, rows)
}
