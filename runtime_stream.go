package caldera

import (
	"context"
	"strings"
)

// chatStream runs the agentic loop in streaming mode. Content deltas are
// forwarded to out as they arrive; tool-call fragments are accumulated
// per the merge-by-id contract and executed between provider streams, which
// the caller never sees except as a pause in content. The runtime closes out
// exactly once, after the final stream or on error.
func (r *Runtime) chatStream(ctx context.Context, req ChatRequest, sessionID, userID string, out chan<- ChatStreamChunk) (err error) {
	r.setState(StateExecuting)
	meta := r.meta(sessionID, userID)
	r.bus.Emit(Event{Type: EventChatStarted, Meta: meta})

	defer func() {
		close(out)
		r.setState(StateReady)
		if err != nil {
			r.bus.Emit(Event{Type: EventChatError, Payload: err.Error(), Meta: meta})
		} else {
			r.bus.Emit(Event{Type: EventChatCompleted, Meta: meta})
		}
	}()

	messages := r.prepareMessages(ctx, req)
	normalized := r.normalizeRequest(req, messages)

	var finalText strings.Builder
	for i := 0; i < r.maxIter; i++ {
		content, calls, streamErr := r.streamOnce(ctx, normalized, meta, out)
		if streamErr != nil {
			return UpstreamError(r.provider.Name(), streamErr)
		}

		if len(calls) == 0 {
			finalText.WriteString(content)
			r.persistTurn(ctx, req.Messages, finalText.String(), sessionID, userID)
			return nil
		}

		assistant := AssistantMessage(content)
		assistant.ToolCalls = calls
		normalized.Messages = append(normalized.Messages, assistant)
		normalized.Messages = append(normalized.Messages, r.runToolCalls(ctx, calls, meta)...)
	}

	r.logger.Warn("streaming agentic loop hit iteration cap", "agent", r.agent.ID, "iterations", r.maxIter)
	r.persistTurn(ctx, req.Messages, finalText.String(), sessionID, userID)
	return nil
}

// streamOnce drives a single provider stream to completion, forwarding
// content-bearing chunks and folding tool-call deltas into complete calls.
func (r *Runtime) streamOnce(ctx context.Context, req ChatRequest, meta EventMeta, out chan<- ChatStreamChunk) (string, []ToolCall, error) {
	inner := make(chan ChatStreamChunk)
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.provider.ChatStream(ctx, req, inner)
	}()

	var content strings.Builder
	var calls []ToolCall
	for chunk := range inner {
		for _, c := range chunk.Choices {
			if c.Delta.Content != "" {
				content.WriteString(c.Delta.Content)
			}
			calls = MergeToolCallDeltas(calls, c.Delta.ToolCalls)
		}
		if hasContent(chunk) {
			r.bus.Emit(Event{Type: EventChatStream, Payload: chunk, Meta: meta})
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Keep draining inner so the provider goroutine can finish.
			}
		}
	}

	if err := <-errCh; err != nil {
		return "", nil, err
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return content.String(), calls, nil
}

func hasContent(chunk ChatStreamChunk) bool {
	for _, c := range chunk.Choices {
		if c.Delta.Content != "" {
			return true
		}
	}
	return false
}
