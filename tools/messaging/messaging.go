// Package messaging provides the send_message tool. Delivery is not wired
// to an external channel; sends are published on the event bus so operators
// can attach their own transport.
package messaging

import (
	"context"
	"encoding/json"

	"github.com/calderahq/caldera"
)

// Tool queues an outbound message for delivery.
type Tool struct {
	bus *caldera.EventBus
}

// New creates a send_message tool publishing on bus. A nil bus is allowed;
// sends are then acknowledged without being observable.
func New(bus *caldera.EventBus) *Tool { return &Tool{bus: bus} }

func (t *Tool) Definition() caldera.ToolDefinition {
	return caldera.ToolDefinition{
		Name:        "send_message",
		Description: "Send a message to a recipient on behalf of the user, e.g. a notification or reminder.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"recipient":{"type":"string","description":"Who to send to"},"message":{"type":"string","description":"Message body"}},"required":["recipient","message"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (caldera.ToolResult, error) {
	var params struct {
		Recipient string `json:"recipient"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return caldera.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Recipient == "" || params.Message == "" {
		return caldera.ToolResult{Error: "recipient and message are required"}, nil
	}

	id := caldera.NewID()
	if t.bus != nil {
		tc := caldera.ToolContextFrom(ctx)
		t.bus.Emit(caldera.Event{
			Type: "message.outbound",
			Payload: map[string]any{
				"message_id": id,
				"recipient":  params.Recipient,
				"message":    params.Message,
			},
			Meta: caldera.EventMeta{AgentID: tc.AgentID, SessionID: tc.SessionID, UserID: tc.UserID},
		})
	}

	out, _ := json.Marshal(map[string]any{"message_id": id, "status": "queued"})
	return caldera.ToolResult{Content: string(out)}, nil
}

var _ caldera.Tool = (*Tool)(nil)
