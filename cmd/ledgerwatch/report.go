package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/report"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report on reconciliation runs",
}

var reportShowCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Show the report of one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(a *app) error {
			rep, err := a.reporter.GenerateReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ok, err := structured(rep); ok {
				return err
			}
			printReport(rep)
			return nil
		})
	},
}

var reportCompareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare completed runs over a period",
	RunE: func(cmd *cobra.Command, args []string) error {
		startStr, _ := cmd.Flags().GetString("start")
		endStr, _ := cmd.Flags().GetString("end")

		end := time.Now()
		var err error
		if endStr != "" {
			if end, err = parseTime(endStr); err != nil {
				return err
			}
		}
		start := end.AddDate(0, 0, -7)
		if startStr != "" {
			if start, err = parseTime(startStr); err != nil {
				return err
			}
		}

		return withApp(cmd.Context(), false, func(a *app) error {
			cmp, err := a.reporter.GenerateComparisonReport(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			if ok, err := structured(cmp); ok {
				return err
			}
			printComparison(cmp)
			return nil
		})
	},
}

var reportExportCmd = &cobra.Command{
	Use:   "export RUN_ID",
	Short: "Export a run's discrepancies as CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("file")

		return withApp(cmd.Context(), false, func(a *app) error {
			if output == "" || output == "-" {
				return a.reporter.ExportReportToCSV(cmd.Context(), args[0], os.Stdout)
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			if err := a.reporter.ExportReportToCSV(cmd.Context(), args[0], f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Printf("✓ Report written to %s\n", output)
			return nil
		})
	},
}

func init() {
	reportCompareCmd.Flags().String("start", "", "Period start, RFC3339 or YYYY-MM-DD (default 7 days before end)")
	reportCompareCmd.Flags().String("end", "", "Period end (default now)")

	reportExportCmd.Flags().StringP("file", "f", "", "CSV file to write (default stdout)")

	reportCmd.AddCommand(reportShowCmd)
	reportCmd.AddCommand(reportCompareCmd)
	reportCmd.AddCommand(reportExportCmd)
}

func printReport(rep *report.Report) {
	s := rep.Summary
	fmt.Printf("Run %s (%s): %s\n", s.RunID, s.Kind, s.Status)
	fmt.Printf("  Started:          %s\n", formatTime(s.StartedAt))
	fmt.Printf("  Duration:         %s\n", s.Duration)
	fmt.Printf("  Resources:        %d\n", s.ResourcesChecked)
	fmt.Printf("  Checks:           %d\n", s.TotalChecks)
	fmt.Printf("  Discrepancies:    %d (%.2f%%)\n", s.Discrepancies, s.ErrorRate)
	fmt.Printf("  Resolved:         %d (%.1f%%), %d auto\n", s.Resolved, s.ResolutionRate, s.AutoResolved)
	fmt.Printf("  Unresolved:       %d (%d critical)\n", s.Unresolved, s.CriticalUnresolved)

	if rep.Trend != nil {
		t := rep.Trend
		fmt.Printf("  Trend:            %s (%+.2f points vs %s)\n", t.Direction, t.Change, t.PreviousRunID)
	}

	if len(rep.TopIssues) > 0 {
		fmt.Println("\nTop issues:")
		rows := make([][]string, 0, len(rep.TopIssues))
		for _, issue := range rep.TopIssues {
			rows = append(rows, []string{
				string(issue.CheckName),
				issue.Field,
				string(issue.Severity),
				strconv.Itoa(issue.Count),
				strings.Join(issue.Examples, ", "),
			})
		}
		printTable([]string{"check", "field", "severity", "count", "examples"}, rows)
	}

	if len(rep.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, r := range rep.Recommendations {
			fmt.Printf("  - %s\n", r)
		}
	}
}

func printComparison(cmp *report.ComparisonReport) {
	fmt.Printf("Period %s to %s\n", formatTime(cmp.Start), formatTime(cmp.End))
	fmt.Printf("  Runs:                 %d\n", cmp.Runs)
	fmt.Printf("  Checks:               %d\n", cmp.TotalChecks)
	fmt.Printf("  Discrepancies:        %d\n", cmp.TotalDiscrepancies)
	fmt.Printf("  Avg discrepancy rate: %.2f%%\n", cmp.AverageDiscrepancyRate)
	fmt.Printf("  Avg resolution rate:  %.1f%%\n", cmp.AverageResolutionRate)

	if len(cmp.RecurringIssues) > 0 {
		fmt.Println("\nRecurring issues:")
		rows := make([][]string, 0, len(cmp.RecurringIssues))
		for _, ri := range cmp.RecurringIssues {
			rows = append(rows, []string{
				string(ri.CheckName),
				string(ri.Severity),
				strconv.Itoa(ri.Runs),
				strconv.Itoa(ri.Occurrences),
			})
		}
		printTable([]string{"check", "severity", "runs", "occurrences"}, rows)
	}
}
