package main

import (
	"context"
	"fmt"

	"github.com/cuemby/ledgerwatch/pkg/anomaly"
	"github.com/cuemby/ledgerwatch/pkg/batch"
	"github.com/cuemby/ledgerwatch/pkg/client"
	"github.com/cuemby/ledgerwatch/pkg/config"
	"github.com/cuemby/ledgerwatch/pkg/events"
	"github.com/cuemby/ledgerwatch/pkg/lock"
	"github.com/cuemby/ledgerwatch/pkg/reconciler"
	"github.com/cuemby/ledgerwatch/pkg/report"
	"github.com/cuemby/ledgerwatch/pkg/storage"
)

// app holds the components every command is built from
type app struct {
	cfg      *config.Config
	store    *storage.BoltStore
	broker   *events.Broker
	fetcher  client.Fetcher
	locker   *lock.RedisLocker
	recon    *reconciler.Reconciler
	batch    *batch.Reconciler
	detector *anomaly.Detector
	reporter *report.Reporter
}

// newApp opens the store and wires the engines. The Redis locker is only
// connected when withLock is set and lock.redisAddr is configured.
func newApp(ctx context.Context, cfg *config.Config, withLock bool) (*app, error) {
	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{
		cfg:    cfg,
		store:  store,
		broker: events.NewBroker(),
	}
	a.broker.Start()

	var fetcher client.Fetcher = client.NewClient(client.Config{
		BaseURL:           cfg.Authority.BaseURL,
		APIKey:            cfg.Authority.APIKey,
		Timeout:           cfg.Authority.Timeout,
		RequestsPerSecond: cfg.Authority.RequestsPerSecond,
		Burst:             cfg.Authority.Burst,
	})
	if cfg.Authority.RetryAttempts > 0 {
		fetcher = client.WithRetry(fetcher, cfg.Authority.RetryAttempts, cfg.Authority.RetryBackoff)
	}
	a.fetcher = fetcher

	opts := []reconciler.Option{reconciler.WithBroker(a.broker)}
	if withLock && cfg.Lock.RedisAddr != "" {
		locker, err := lock.NewRedisLocker(ctx, lock.RedisConfig{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.Password,
			DB:       cfg.Lock.DB,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.locker = locker
		opts = append(opts, reconciler.WithLocker(locker, cfg.Lock.TTL))
	}

	alerts := events.NewNotifier(a.broker)
	a.recon = reconciler.NewReconciler(store, fetcher, alerts, cfg.Reconciliation.Configurations, opts...)
	a.batch = batch.NewReconciler(store, fetcher, a.recon.Recorder(), batch.WithBroker(a.broker))
	a.detector = anomaly.NewDetector(store, cfg.Anomaly.Rules, alerts,
		anomaly.WithStaleAfter(cfg.Anomaly.StaleAfter),
		anomaly.WithBroker(a.broker),
	)
	a.reporter = report.NewReporter(store, cfg.Report.Thresholds)
	return a, nil
}

// Close releases the store, broker and Redis connection
func (a *app) Close() {
	a.broker.Stop()
	if a.locker != nil {
		_ = a.locker.Close()
	}
	_ = a.store.Close()
}

// withApp builds an app for the duration of fn
func withApp(ctx context.Context, withLock bool, fn func(a *app) error) error {
	a, err := newApp(ctx, cfg, withLock)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
