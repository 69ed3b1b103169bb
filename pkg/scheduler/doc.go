/*
Package scheduler runs periodic jobs such as the hourly and daily
reconciliation triggers, the real-time batch sweep and the stale-anomaly
sweep.

Each registered job gets its own ticker loop. A tick starts the job in its own
goroutine unless the previous run is still active, in which case the tick is
skipped and counted. Stop cancels the context passed to running jobs and waits
for them to return.

Time comes from a Clock, so tests can fire ticks by hand:

	sched := scheduler.NewScheduler(scheduler.WithClock(fake))
	sched.Every("anomaly-sweep", 15*time.Minute, detectorSweep)
	sched.Start(ctx)
	defer sched.Stop()

The Every signature matches reconciler.Registrar.
*/
package scheduler
