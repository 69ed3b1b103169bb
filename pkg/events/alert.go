package events

import (
	"context"
	"sort"

	"github.com/cuemby/ledgerwatch/pkg/log"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/rs/zerolog"
)

// AlertSink receives fire-and-forget alerts
type AlertSink interface {
	Notify(ctx context.Context, severity types.Severity, message string, fields map[string]string)
}

// Notifier logs alerts and republishes them on a broker
type Notifier struct {
	broker *Broker
	logger zerolog.Logger
}

// NewNotifier creates an alert sink. broker may be nil.
func NewNotifier(broker *Broker) *Notifier {
	return &Notifier{
		broker: broker,
		logger: log.WithComponent("alerts"),
	}
}

// Notify implements AlertSink
func (n *Notifier) Notify(ctx context.Context, severity types.Severity, message string, fields map[string]string) {
	var ev *zerolog.Event
	switch severity {
	case types.SeverityCritical:
		ev = n.logger.Error()
	case types.SeverityHigh:
		ev = n.logger.Warn()
	default:
		ev = n.logger.Info()
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev = ev.Str(k, fields[k])
	}
	ev.Str("severity", string(severity)).Msg(message)

	if n.broker == nil {
		return
	}
	metadata := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		metadata[k] = v
	}
	metadata["severity"] = string(severity)
	n.broker.Publish(&Event{
		Type:     EventAlert,
		Message:  message,
		Metadata: metadata,
	})
}

// Discard is an AlertSink that drops every alert
type Discard struct{}

// Notify implements AlertSink
func (Discard) Notify(context.Context, types.Severity, string, map[string]string) {}
