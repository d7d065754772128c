package wire

import "encoding/json"

// AnthropicStreamEncoder turns internal Chunks into the Anthropic SSE
// event sequence: message_start, content_block_start/delta/stop per
// block, message_delta with the stop reason, then message_stop. One
// encoder per response; it tracks block indices and open/closed state so
// interleaved text and tool-use deltas come out as a legal sequence.
type AnthropicStreamEncoder struct {
	requestID string
	model     string

	started    bool
	blockIndex int
	blockOpen  bool
}

// StreamEvent is one named SSE event ready for the stream writer.
type StreamEvent struct {
	Name    string
	Payload []byte
}

// NewAnthropicStreamEncoder builds an encoder for one response.
func NewAnthropicStreamEncoder(requestID, model string) *AnthropicStreamEncoder {
	return &AnthropicStreamEncoder{requestID: requestID, model: model}
}

func event(name string, v any) StreamEvent {
	payload, _ := json.Marshal(v)
	return StreamEvent{Name: name, Payload: payload}
}

// Encode converts one chunk into zero or more events, in order.
func (e *AnthropicStreamEncoder) Encode(c *Chunk) []StreamEvent {
	var out []StreamEvent

	if !e.started {
		e.started = true
		out = append(out, event("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            e.requestID,
				"type":          "message",
				"role":          "assistant",
				"model":         e.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		}))
	}

	if c.TextDelta != "" {
		if !e.blockOpen {
			e.blockOpen = true
			out = append(out, event("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         e.blockIndex,
				"content_block": map[string]any{"type": "text", "text": ""},
			}))
		}
		out = append(out, event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": c.TextDelta},
		}))
	}

	// Tool calls arrive from the bridge already finalized, so each one is
	// emitted as a complete tool_use block.
	for _, tc := range c.ToolCallDeltas {
		out = append(out, e.closeBlock()...)
		out = append(out, event("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": e.blockIndex,
			"content_block": map[string]any{
				"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": map[string]any{},
			},
		}))
		out = append(out, event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.blockIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Arguments},
		}))
		e.blockOpen = true
		out = append(out, e.closeBlock()...)
	}

	if c.Done {
		out = append(out, e.closeBlock()...)
		stop := map[string]any{"stop_reason": anthropicStopReason(c.FinishReason), "stop_sequence": nil}
		usage := map[string]int{"output_tokens": 0}
		if c.Usage != nil {
			usage["output_tokens"] = c.Usage.CompletionTokens
		}
		out = append(out,
			event("message_delta", map[string]any{"type": "message_delta", "delta": stop, "usage": usage}),
			event("message_stop", map[string]any{"type": "message_stop"}),
		)
	}
	return out
}

// EncodeError renders a mid-stream failure in the Anthropic dialect.
func (e *AnthropicStreamEncoder) EncodeError(message string) StreamEvent {
	return event("error", map[string]any{
		"type":  "error",
		"error": map[string]string{"type": "api_error", "message": message},
	})
}

func (e *AnthropicStreamEncoder) closeBlock() []StreamEvent {
	if !e.blockOpen {
		return nil
	}
	e.blockOpen = false
	evt := event("content_block_stop", map[string]any{"type": "content_block_stop", "index": e.blockIndex})
	e.blockIndex++
	return []StreamEvent{evt}
}
