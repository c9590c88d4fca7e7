package channel

import (
	"context"

	"psychbot/pkg/bus"
)

// Handler processes one inbound stream event. Adapters call it synchronously,
// so events are handled one at a time in arrival order.
type Handler func(context.Context, bus.InboundEvent)

// Adapter bridges one external event stream into the responder.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}
