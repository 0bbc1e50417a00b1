package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/calderahq/caldera"
)

// streamSSE reads a messages-API SSE stream and translates it into uniform
// chunks. content_block_delta text becomes content deltas; tool_use blocks
// open on content_block_start and grow through input_json_delta fragments,
// keyed by the block's id per the merge contract. Other event types
// (message_start, ping, content_block_stop) are ignored.
func streamSSE(ctx context.Context, body io.Reader, ch chan<- caldera.ChatStreamChunk) error {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	// Block index -> tool call id, so argument fragments carry the id of the
	// call they extend.
	toolBlocks := make(map[int]string)
	var messageID, model string

	send := func(chunk caldera.ChatStreamChunk) error {
		chunk.ID = messageID
		chunk.Model = model
		select {
		case ch <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				messageID = ev.Message.ID
				model = ev.Message.Model
			}

		case "content_block_start":
			if ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" {
				continue
			}
			toolBlocks[ev.Index] = ev.ContentBlock.ID
			err := send(caldera.ChatStreamChunk{
				Choices: []caldera.StreamChoice{{
					Delta: caldera.StreamDelta{
						ToolCalls: []caldera.ToolCallDelta{{
							Index: ev.Index,
							ID:    ev.ContentBlock.ID,
							Name:  ev.ContentBlock.Name,
						}},
					},
				}},
			})
			if err != nil {
				return err
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				err := send(caldera.ChatStreamChunk{
					Choices: []caldera.StreamChoice{{
						Delta: caldera.StreamDelta{Content: ev.Delta.Text},
					}},
				})
				if err != nil {
					return err
				}
			case "input_json_delta":
				err := send(caldera.ChatStreamChunk{
					Choices: []caldera.StreamChoice{{
						Delta: caldera.StreamDelta{
							ToolCalls: []caldera.ToolCallDelta{{
								Index:     ev.Index,
								ID:        toolBlocks[ev.Index],
								Arguments: ev.Delta.PartialJSON,
							}},
						},
					}},
				})
				if err != nil {
					return err
				}
			}

		case "message_delta":
			chunk := caldera.ChatStreamChunk{}
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				chunk.Choices = []caldera.StreamChoice{{
					FinishReason: finishReason(ev.Delta.StopReason),
				}}
			}
			if ev.Usage != nil {
				chunk.Usage = &caldera.Usage{
					PromptTokens:     ev.Usage.InputTokens,
					CompletionTokens: ev.Usage.OutputTokens,
					TotalTokens:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
				}
			}
			if len(chunk.Choices) > 0 || chunk.Usage != nil {
				if err := send(chunk); err != nil {
					return err
				}
			}

		case "message_stop":
			return scanner.Err()
		}
	}
	return scanner.Err()
}
