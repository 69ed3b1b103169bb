/*
Package health probes the external dependencies ledgerwatch relies on and
feeds the results to the readiness registry in package metrics.

# Checkers

	┌──────────────────────────── Monitor ───────────────────────────┐
	│  every Interval, per dependency:                               │
	│    Check(ctx) ──▶ Status.Update ──▶ metrics.UpdateComponent    │
	└────────┬──────────────────┬───────────────────┬────────────────┘
	         ▼                  ▼                   ▼
	   HTTPChecker         TCPChecker           CheckFunc
	   GET authority       dial Redis           store round-trip
	   health path         lock backend

A dependency stays healthy until Retries consecutive probes fail, and a single
success restores it. Probes that fail below the threshold are reported as
healthy with a "degraded:" message so /health shows the flapping without
pulling the instance out of rotation.

# Usage

	mon := health.NewMonitor(health.DefaultConfig(), nil)
	mon.Add(metrics.ComponentAuthority, health.NewHTTPChecker(baseURL+"/health"))
	mon.Add(metrics.ComponentLock, health.NewTCPChecker("redis:6379"))
	mon.Add(metrics.ComponentStorage, health.CheckFunc(pingStore))
	mon.Start(ctx)
	defer mon.Stop()
*/
package health
