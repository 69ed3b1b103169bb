package events

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	a := broker.Subscribe()
	b := broker.Subscribe()
	assert.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(&Event{Type: EventRunCompleted, Message: "done"})

	for _, sub := range []Subscriber{a, b} {
		ev := receive(t, sub)
		assert.Equal(t, EventRunCompleted, ev.Type)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}

	broker.Unsubscribe(a)
	broker.Unsubscribe(a)
	assert.Equal(t, 1, broker.SubscriberCount())
}

func TestPublishNeverBlocks(t *testing.T) {
	broker := NewBroker() // not started, queue fills up

	done := make(chan struct{})
	go func() {
		for i := 0; i < 150; i++ {
			broker.Publish(&Event{Type: EventAlert})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	assert.Equal(t, uint64(50), broker.Dropped())

	broker.Stop()
	broker.Stop()
	broker.Publish(&Event{Type: EventAlert})
	assert.Equal(t, uint64(51), broker.Dropped())
}

func TestNotifierPublishesAlert(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	n := NewNotifier(broker)
	n.Notify(context.Background(), types.SeverityCritical, "unresolved discrepancies", map[string]string{
		"run_id": "run-1",
	})

	ev := receive(t, sub)
	require.Equal(t, EventAlert, ev.Type)
	assert.Equal(t, "unresolved discrepancies", ev.Message)
	assert.Equal(t, "critical", ev.Metadata["severity"])
	assert.Equal(t, "run-1", ev.Metadata["run_id"])

	// Nil broker only logs
	NewNotifier(nil).Notify(context.Background(), types.SeverityLow, "noop", nil)
}
