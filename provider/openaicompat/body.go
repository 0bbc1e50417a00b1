package openaicompat

import (
	"github.com/calderahq/caldera"
)

// BuildBody translates a uniform chat request into the wire body. The model
// falls back to the provider default when the request leaves it empty.
func BuildBody(req caldera.ChatRequest, defaultModel string) ChatRequest {
	body := ChatRequest{
		Model:            req.Model,
		Messages:         buildMessages(req.Messages),
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
		ToolChoice:       req.ToolChoice,
	}
	if body.Model == "" {
		body.Model = defaultModel
	}

	for _, t := range req.Tools {
		body.Tools = append(body.Tools, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	if rf := req.ResponseFormat; rf != nil {
		out := &ResponseFormat{Type: rf.Type}
		if rf.Type == "json_schema" && rf.Schema != nil {
			out.JSONSchema = &JSONSchema{Name: "response", Schema: rf.Schema, Strict: true}
		}
		body.ResponseFormat = out
	}

	return body
}

func buildMessages(messages []caldera.ChatMessage) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		msg := Message{
			Role:       string(m.Role),
			ToolCallID: m.ToolCallID,
		}

		if len(m.Parts) > 0 {
			msg.Content = buildBlocks(m.Parts)
		} else {
			msg.Content = m.Content
		}

		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
				ID:   tc.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}

		out = append(out, msg)
	}
	return out
}

func buildBlocks(parts []caldera.ContentPart) []ContentBlock {
	blocks := make([]ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case caldera.ContentPartText:
			blocks = append(blocks, ContentBlock{Type: "text", Text: p.Text})
		case caldera.ContentPartImageURL:
			if p.ImageURL != nil {
				blocks = append(blocks, ContentBlock{
					Type:     "image_url",
					ImageURL: &ImageURL{URL: p.ImageURL.URL, Detail: p.ImageURL.Detail},
				})
			}
		case caldera.ContentPartFile:
			if p.File != nil {
				blocks = append(blocks, ContentBlock{
					Type: "file",
					File: &FileBlob{Filename: p.File.Name, FileData: p.File.Data},
				})
			}
		}
	}
	return blocks
}
