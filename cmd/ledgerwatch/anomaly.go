package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/ledgerwatch/pkg/storage"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/spf13/cobra"
)

var anomalyCmd = &cobra.Command{
	Use:   "anomaly",
	Short: "Observe metrics and manage anomalies",
}

var anomalyPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Record a metric observation and run detection on it",
	Long: `Record one metric observation and evaluate every rule declared for it.

Examples:
  ledgerwatch anomaly push --name failure_rate --value 12.5
  ledgerwatch anomaly push --name event_count --value 840 --dim resource_type=transfer --dim source=webhook`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		value, _ := cmd.Flags().GetFloat64("value")
		rawDims, _ := cmd.Flags().GetStringArray("dim")
		window, _ := cmd.Flags().GetString("window")

		dims, err := parseDimensions(rawDims)
		if err != nil {
			return err
		}

		return withApp(cmd.Context(), false, func(a *app) error {
			m := &types.EventMetric{Name: name, Value: value, Dimensions: dims, Window: window}
			found, err := a.detector.Observe(cmd.Context(), m)
			if ok, perr := structured(found); ok {
				if perr != nil {
					return perr
				}
				return err
			}

			fmt.Printf("✓ Recorded %s = %g\n", m.SeriesID(), m.Value)
			if len(found) == 0 {
				fmt.Println("No anomalies detected")
			}
			for _, an := range found {
				fmt.Printf("  [%s] %s (occurrences: %d)\n", an.Severity, an.Description, an.Occurrences)
			}
			return err
		})
	},
}

var anomalySweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Resolve anomalies that stopped recurring",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(a *app) error {
			n, err := a.detector.ResolveStaleAnomalies(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("✓ Resolved %d stale anomalies\n", n)
			return nil
		})
	},
}

var anomalyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List anomalies",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		return withApp(cmd.Context(), false, func(a *app) error {
			as, err := a.store.ListAnomalies(storage.AnomalyFilter{UnresolvedOnly: !all})
			if err != nil {
				return err
			}
			if ok, err := structured(as); ok {
				return err
			}
			if len(as) == 0 {
				fmt.Println("No anomalies")
				return nil
			}

			rows := make([][]string, 0, len(as))
			for _, an := range as {
				state := "open"
				if an.Resolved {
					state = "resolved (" + an.ResolutionReason + ")"
				}
				rows = append(rows, []string{
					an.ID,
					truncate(an.MetricID, 40),
					an.RuleName,
					string(an.Severity),
					strconv.FormatFloat(an.Value, 'g', 6, 64),
					strconv.Itoa(an.Occurrences),
					formatTime(an.LastOccurrenceAt),
					state,
				})
			}
			printTable([]string{"id", "metric", "rule", "severity", "value", "seen", "last", "state"}, rows)
			return nil
		})
	},
}

var anomalyResolveCmd = &cobra.Command{
	Use:   "resolve ANOMALY_ID",
	Short: "Resolve an anomaly",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		return withApp(cmd.Context(), false, func(a *app) error {
			an, err := a.detector.ResolveAnomaly(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Anomaly %s resolved (%s)\n", an.ID, an.ResolutionReason)
			return nil
		})
	},
}

var anomalyRulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List detection rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		rules := cfg.Anomaly.Rules
		if ok, err := structured(rules); ok {
			return err
		}

		rows := make([][]string, 0, len(rules))
		for _, r := range rules {
			rows = append(rows, []string{r.Name, r.MetricName, string(r.Type), string(r.Severity)})
		}
		printTable([]string{"name", "metric", "type", "severity"}, rows)
		return nil
	},
}

func init() {
	anomalyPushCmd.Flags().String("name", "", "Metric name (required)")
	anomalyPushCmd.Flags().Float64("value", 0, "Observed value")
	anomalyPushCmd.Flags().StringArray("dim", nil, "Dimension as key=value, repeatable")
	anomalyPushCmd.Flags().String("window", "", "Aggregation window label, e.g. 5m")
	_ = anomalyPushCmd.MarkFlagRequired("name")

	anomalyListCmd.Flags().Bool("all", false, "Include resolved anomalies")

	anomalyResolveCmd.Flags().String("reason", "", "Resolution reason (default manual)")

	anomalyCmd.AddCommand(anomalyPushCmd)
	anomalyCmd.AddCommand(anomalySweepCmd)
	anomalyCmd.AddCommand(anomalyListCmd)
	anomalyCmd.AddCommand(anomalyResolveCmd)
	anomalyCmd.AddCommand(anomalyRulesCmd)
}

// parseDimensions turns key=value pairs into dimensions
func parseDimensions(pairs []string) (types.Dimensions, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	dims := make(types.Dimensions, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid dimension %q: use key=value", p)
		}
		dims[k] = strings.TrimSpace(v)
	}
	return dims, nil
}

