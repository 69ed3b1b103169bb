/*
Package events provides the in-memory event broker and the alert sink.

The Broker fans out internal events (run lifecycle, discrepancies, anomalies,
alerts) to subscribers through buffered channels. Publish never blocks: when
the 100-event queue is full or the broker is stopped the event is counted in
Dropped and discarded. Slow subscribers (50-event buffer) miss events rather
than stall the broadcast loop.

Notifier is the AlertSink used by the reconciler and the anomaly detector. It
logs each alert at a level derived from its severity and republishes it as an
EventAlert so that other consumers (a pager bridge, the CLI watch output) can
react without the core knowing about them.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sink := events.NewNotifier(broker)
	sink.Notify(ctx, types.SeverityCritical, "Unresolved discrepancies after run",
		map[string]string{"run_id": run.ID})
*/
package events
