package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/calderahq/caldera"
)

// StreamSSE reads a chat-completions SSE stream from body and forwards each
// parsed chunk to ch until the [DONE] sentinel or EOF. The channel is closed
// when streaming completes; malformed data lines are skipped.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- caldera.ChatStreamChunk) error {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Large buffer for big SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		select {
		case ch <- ParseChunk(chunk):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
