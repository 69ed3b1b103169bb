package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/batch"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/spf13/cobra"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Reconcile large windows in parallel batches",
}

var batchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconcile one resource type over a time window",
	Long: `Reconcile every resource of one type with processed events in a window.

Resources are processed in batches of --batch-size, each batch split across
--workers concurrent workers and bounded by --timeout.

Examples:
  ledgerwatch batch run --resource-type transfer --start 2026-01-01 --end 2026-01-08
  ledgerwatch batch run --resource-type customer --start 2026-01-01T00:00:00Z --batch-size 500`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := resourceTypeFlag(cmd)
		if err != nil {
			return err
		}
		startStr, _ := cmd.Flags().GetString("start")
		endStr, _ := cmd.Flags().GetString("end")

		end := time.Now()
		if endStr != "" {
			if end, err = parseTime(endStr); err != nil {
				return err
			}
		}
		start := end.Add(-24 * time.Hour)
		if startStr != "" {
			if start, err = parseTime(startStr); err != nil {
				return err
			}
		}

		bc := cfg.Batch.Defaults
		if cmd.Flags().Changed("batch-size") {
			bc.BatchSize, _ = cmd.Flags().GetInt("batch-size")
		}
		if cmd.Flags().Changed("workers") {
			bc.ParallelWorkers, _ = cmd.Flags().GetInt("workers")
		}
		if cmd.Flags().Changed("timeout") {
			bc.Timeout, _ = cmd.Flags().GetDuration("timeout")
		}

		return withApp(cmd.Context(), false, func(a *app) error {
			results, err := a.batch.PerformBatchReconciliation(cmd.Context(), rt, start, end, bc)
			if err != nil {
				return err
			}
			return printBatchResults(map[types.ResourceType][]*batch.BatchResult{rt: results})
		})
	},
}

var batchCatchUpCmd = &cobra.Command{
	Use:   "catch-up",
	Short: "Backfill reconciliation over the last N days",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := resourceTypeFlag(cmd)
		if err != nil {
			return err
		}
		days, _ := cmd.Flags().GetInt("days")

		return withApp(cmd.Context(), false, func(a *app) error {
			results, err := a.batch.PerformCatchUpReconciliation(cmd.Context(), rt, days)
			if err != nil {
				return err
			}
			return printBatchResults(map[types.ResourceType][]*batch.BatchResult{rt: results})
		})
	},
}

var batchRealtimeCmd = &cobra.Command{
	Use:   "realtime",
	Short: "Reconcile every resource type over the last N minutes",
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, _ := cmd.Flags().GetInt("minutes")

		return withApp(cmd.Context(), false, func(a *app) error {
			results, err := a.batch.PerformRealtimeReconciliation(cmd.Context(), minutes)
			if perr := printBatchResults(results); perr != nil {
				return perr
			}
			return err
		})
	},
}

func init() {
	batchRunCmd.Flags().String("resource-type", "", "Resource type: transfer, customer or funding_source (required)")
	batchRunCmd.Flags().String("start", "", "Window start, RFC3339 or YYYY-MM-DD (default 24h before end)")
	batchRunCmd.Flags().String("end", "", "Window end, RFC3339 or YYYY-MM-DD (default now)")
	batchRunCmd.Flags().Int("batch-size", 0, "Resources per batch (default from config)")
	batchRunCmd.Flags().Int("workers", 0, "Parallel workers per batch (default from config)")
	batchRunCmd.Flags().Duration("timeout", 0, "Per-batch timeout (default from config)")
	_ = batchRunCmd.MarkFlagRequired("resource-type")

	batchCatchUpCmd.Flags().String("resource-type", "", "Resource type (required)")
	batchCatchUpCmd.Flags().Int("days", 7, "Days to backfill")
	_ = batchCatchUpCmd.MarkFlagRequired("resource-type")

	batchRealtimeCmd.Flags().Int("minutes", 10, "Trailing window in minutes")

	batchCmd.AddCommand(batchRunCmd)
	batchCmd.AddCommand(batchCatchUpCmd)
	batchCmd.AddCommand(batchRealtimeCmd)
}

func resourceTypeFlag(cmd *cobra.Command) (types.ResourceType, error) {
	s, _ := cmd.Flags().GetString("resource-type")
	rt := types.ResourceType(s)
	if !rt.Valid() {
		return "", fmt.Errorf("invalid resource type %q", s)
	}
	return rt, nil
}

func printBatchResults(results map[types.ResourceType][]*batch.BatchResult) error {
	if ok, err := structured(results); ok {
		return err
	}

	rts := make([]string, 0, len(results))
	for rt := range results {
		rts = append(rts, string(rt))
	}
	sort.Strings(rts)

	var rows [][]string
	var total, failed, discrepancies int
	for _, rt := range rts {
		for _, r := range results[types.ResourceType(rt)] {
			timedOut := ""
			if r.TimedOut {
				timedOut = "yes"
			}
			rows = append(rows, []string{
				r.BatchID,
				rt,
				strconv.Itoa(r.Total),
				strconv.Itoa(r.Succeeded),
				strconv.Itoa(r.Failed),
				strconv.Itoa(r.Discrepancies),
				r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
				timedOut,
			})
			total += r.Total
			failed += r.Failed
			discrepancies += r.Discrepancies
		}
	}

	if len(rows) == 0 {
		fmt.Println("No resources in window")
		return nil
	}
	printTable([]string{"batch", "type", "total", "ok", "failed", "discrepancies", "duration", "timed out"}, rows)
	fmt.Printf("\n✓ %d resources reconciled, %d failed, %d discrepancies\n", total, failed, discrepancies)
	return nil
}
