package observer

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/calderahq/caldera"
)

// BridgeBus subscribes to the event bus and records every emission as a
// metric keyed by event type and agent. It returns the subscription handle
// so callers can unsubscribe on shutdown.
func BridgeBus(bus *caldera.EventBus, inst *Instruments) int {
	return bus.Subscribe(func(e caldera.Event) {
		inst.BusEvents.Add(context.Background(), 1, metric.WithAttributes(
			AttrEventType.String(e.Type),
			AttrAgentID.String(e.Meta.AgentID),
		))
	})
}
