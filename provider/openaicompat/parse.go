package openaicompat

import (
	"github.com/calderahq/caldera"
)

// ParseResponse translates a wire response into the uniform shape.
func ParseResponse(resp ChatResponse) caldera.ChatResponse {
	out := caldera.ChatResponse{
		ID:      resp.ID,
		Created: resp.Created,
		Model:   resp.Model,
	}
	if resp.Usage != nil {
		out.Usage = caldera.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	for _, c := range resp.Choices {
		choice := caldera.Choice{
			Index:        c.Index,
			FinishReason: caldera.FinishReason(c.FinishReason),
		}
		if c.Message != nil {
			choice.Message = caldera.ChatMessage{
				Role:    caldera.Role(c.Message.Role),
				Content: c.Message.Content,
			}
			for _, tc := range c.Message.ToolCalls {
				choice.Message.ToolCalls = append(choice.Message.ToolCalls, caldera.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
		out.Choices = append(out.Choices, choice)
	}
	return out
}

// ParseChunk translates one streamed wire chunk into the uniform delta shape.
func ParseChunk(chunk ChatResponse) caldera.ChatStreamChunk {
	out := caldera.ChatStreamChunk{
		ID:      chunk.ID,
		Created: chunk.Created,
		Model:   chunk.Model,
	}
	if chunk.Usage != nil {
		out.Usage = &caldera.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}

	for _, c := range chunk.Choices {
		choice := caldera.StreamChoice{
			Index:        c.Index,
			FinishReason: caldera.FinishReason(c.FinishReason),
		}
		if c.Delta != nil {
			choice.Delta = caldera.StreamDelta{
				Role:    caldera.Role(c.Delta.Role),
				Content: c.Delta.Content,
			}
			for _, tc := range c.Delta.ToolCalls {
				choice.Delta.ToolCalls = append(choice.Delta.ToolCalls, caldera.ToolCallDelta{
					Index:     tc.Index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
		out.Choices = append(out.Choices, choice)
	}
	return out
}
