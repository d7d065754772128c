package transform

import (
	"encoding/json"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

// Ollama's chat API takes plain role/content pairs with no tool-call
// support and no multi-part content — images ride along as a parallel
// base64 array on the message rather than as typed content parts.

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *ollamaOptions      `json:"options,omitempty"`
}

type ollamaOptions struct {
	NumCtx int `json:"num_ctx,omitempty"`
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
}

// ToOllamaRequest flattens a wire.Request to Ollama's chat shape. Tool
// calls/results have no native representation, so — consistent with this
// driver's Non-goal of tool support — assistant tool calls and tool result
// messages are rendered as plain text rather than dropped silently.
func ToOllamaRequest(req *wire.Request, model string, numCtx int) ollamaChatRequest {
	out := ollamaChatRequest{Model: model, Stream: req.Stream}
	if numCtx > 0 {
		out.Options = &ollamaOptions{NumCtx: numCtx}
	}
	for _, m := range req.Messages {
		switch m.Role {
		case wire.RoleSystem:
			out.Messages = append(out.Messages, ollamaChatMessage{Role: "system", Content: m.Text})
		case wire.RoleUser:
			msg := ollamaChatMessage{Role: "user", Content: m.Text}
			for _, p := range m.Parts {
				if p.Type == "image" {
					msg.Images = append(msg.Images, p.ImageURL)
				} else if p.Text != "" {
					if msg.Content != "" {
						msg.Content += "\n"
					}
					msg.Content += p.Text
				}
			}
			out.Messages = append(out.Messages, msg)
		case wire.RoleAssistant:
			content := m.Text
			for _, tc := range m.ToolCalls {
				content += "\n[called tool " + tc.Name + " with " + tc.Arguments + "]"
			}
			out.Messages = append(out.Messages, ollamaChatMessage{Role: "assistant", Content: content})
		case wire.RoleTool:
			out.Messages = append(out.Messages, ollamaChatMessage{Role: "user", Content: "[tool result for " + m.Name + "]\n" + m.Text})
		}
	}
	return out
}

// FromOllamaResponse converts a complete (non-streaming) Ollama response.
func FromOllamaResponse(model string, resp ollamaChatResponse) *wire.Response {
	out := &wire.Response{Model: model, Text: resp.Message.Content}
	if resp.Done {
		out.FinishReason = "stop"
	}
	return out
}

// FromOllamaStreamLine converts one newline-delimited JSON object from
// Ollama's streaming response to a wire.Chunk.
func FromOllamaStreamLine(resp ollamaChatResponse) *wire.Chunk {
	chunk := &wire.Chunk{TextDelta: resp.Message.Content}
	if resp.Done {
		chunk.Done = true
		chunk.FinishReason = "stop"
	}
	return chunk
}

// DecodeOllamaResponse unmarshals a complete Ollama /api/chat response body
// and converts it to a wire.Response, for callers outside this package that
// only hold the raw bytes off the wire.
func DecodeOllamaResponse(model string, data []byte) (*wire.Response, error) {
	var resp ollamaChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return FromOllamaResponse(model, resp), nil
}

// DecodeOllamaStreamLine unmarshals one NDJSON line from a streaming
// /api/chat response and converts it to a wire.Chunk.
func DecodeOllamaStreamLine(data []byte) (*wire.Chunk, error) {
	var resp ollamaChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return FromOllamaStreamLine(resp), nil
}
