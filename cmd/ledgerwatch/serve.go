package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/api"
	"github.com/cuemby/ledgerwatch/pkg/events"
	"github.com/cuemby/ledgerwatch/pkg/health"
	"github.com/cuemby/ledgerwatch/pkg/log"
	"github.com/cuemby/ledgerwatch/pkg/metrics"
	"github.com/cuemby/ledgerwatch/pkg/scheduler"
	"github.com/cuemby/ledgerwatch/pkg/storage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled reconciliation and anomaly detection",
	Long: `Run ledgerwatch as a service.

Hourly and daily reconciliation configurations are triggered on schedule,
the real-time batch sweep and the stale-anomaly sweep run on their configured
intervals, and finished runs feed the discrepancy and failure rate metrics
watched by the anomaly rules. Health, readiness and Prometheus metrics are
served over HTTP, and readiness is mirrored by the gRPC health service.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfg.Authority.BaseURL == "" {
		return fmt.Errorf("authority.baseURL is required to serve")
	}

	ctx := cmd.Context()

	logger := log.WithComponent("serve")

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()
	fmt.Printf("✓ Store opened at %s\n", cfg.Storage.DataDir)
	if a.locker != nil {
		fmt.Printf("✓ Distributed lock connected to %s\n", cfg.Lock.RedisAddr)
	}

	// Dependency probes
	critical := []string{metrics.ComponentStorage, metrics.ComponentAuthority}
	monitor := health.NewMonitor(health.DefaultConfig(), nil)
	monitor.Add(metrics.ComponentStorage, health.CheckFunc(func(context.Context) error {
		_, err := a.store.ListRuns(storage.RunFilter{Limit: 1})
		return err
	}))
	authority := health.NewHTTPChecker(strings.TrimRight(cfg.Authority.BaseURL, "/") + cfg.Authority.HealthPath)
	if cfg.Authority.APIKey != "" {
		authority.WithHeader("Authorization", "Bearer "+cfg.Authority.APIKey)
	}
	monitor.Add(metrics.ComponentAuthority, authority)
	if cfg.Lock.RedisAddr != "" {
		monitor.Add(metrics.ComponentLock, health.NewTCPChecker(cfg.Lock.RedisAddr))
		critical = append(critical, metrics.ComponentLock)
	}
	metrics.SetCriticalComponents(critical...)
	monitor.Start(ctx)
	defer monitor.Stop()

	collector := metrics.NewCollector(a.store, metrics.DefaultCollectInterval)
	collector.Start()
	defer collector.Stop()

	// Finished runs feed the rate metrics
	sub := a.broker.Subscribe()
	defer a.broker.Unsubscribe(sub)
	go observeRuns(ctx, a, sub)

	sched := scheduler.NewScheduler()
	a.recon.ScheduleReconciliations(sched)
	if cfg.Batch.RealtimeInterval > 0 {
		window := int(cfg.Batch.RealtimeWindow / time.Minute)
		sched.Every("batch-realtime", cfg.Batch.RealtimeInterval, func(ctx context.Context) {
			results, err := a.batch.PerformRealtimeReconciliation(ctx, window)
			if err != nil {
				logger.Error().Err(err).Msg("Real-time batch sweep failed")
			}
			for rt, batches := range results {
				logger.Debug().Str("resource_type", string(rt)).Int("batches", len(batches)).Msg("Real-time batch sweep finished")
			}
		})
	}
	sched.Every("anomaly-stale-sweep", cfg.Anomaly.SweepInterval, func(ctx context.Context) {
		if _, err := a.detector.ResolveStaleAnomalies(ctx); err != nil {
			logger.Error().Err(err).Msg("Stale anomaly sweep failed")
		}
	})
	sched.Start(ctx)
	defer sched.Stop()
	metrics.RegisterComponent(metrics.ComponentScheduler, true, fmt.Sprintf("%d jobs", len(sched.Jobs())))
	fmt.Printf("✓ Scheduler started with %d jobs\n", len(sched.Jobs()))

	// Servers
	errCh := make(chan error, 2)

	healthServer := api.NewHealthServer(cfg.Server.HealthAddress)
	go func() {
		if err := healthServer.Start(); err != nil {
			errCh <- fmt.Errorf("health server error: %w", err)
		}
	}()
	fmt.Printf("✓ Health server listening on %s\n", cfg.Server.HealthAddress)

	grpcServer := api.NewGRPCServer(nil)
	grpcServer.WatchReadiness(ctx, 5*time.Second)
	go func() {
		if err := grpcServer.Start(cfg.Server.GRPCAddress); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	fmt.Printf("✓ gRPC health service listening on %s\n", cfg.Server.GRPCAddress)

	fmt.Println()
	fmt.Println("Ledgerwatch is running. Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Health server shutdown incomplete")
	}
	grpcServer.Stop()

	fmt.Println("✓ Shutdown complete")
	return nil
}

// observeRuns turns every completed reconciliation run into rate metrics
func observeRuns(ctx context.Context, a *app, sub events.Subscriber) {
	logger := log.WithComponent("serve")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type != events.EventRunCompleted {
				continue
			}
			run, err := a.store.GetRun(ev.Metadata["run_id"])
			if err != nil {
				logger.Warn().Err(err).Str("run_id", ev.Metadata["run_id"]).Msg("Completed run not found")
				continue
			}
			if _, err := a.detector.ObserveRun(ctx, run); err != nil {
				logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to observe run metrics")
			}
		}
	}
}
