package gateway

import (
	"context"
	"log/slog"

	"psychbot/pkg/bus"
)

// observeEvents logs every pipeline event and feeds the metrics until ctx
// ends or the bus closes. Slow observers lose events rather than stall the
// worker.
func observeEvents(ctx context.Context, messageBus *bus.MessageBus, metrics *Metrics, ready chan<- struct{}) {
	log := slog.Default().With("component", "bus.events")
	events, unsubscribe := messageBus.SubscribeEvents(ctx, 64)
	defer unsubscribe()
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			metrics.Observe(event)
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"status_id", event.StatusID,
		"author", event.AuthorAcct,
		"timestamp", event.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventFailed, bus.EventApologyFailed:
		log.Error("Pipeline event", append(attrs, "error", event.Error)...)
	case bus.EventReplyPosted, bus.EventApologyPosted:
		log.Info("Pipeline event", attrs...)
	default:
		log.Debug("Pipeline event", attrs...)
	}
}
