package wire

import (
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// DecodeOpenAIRequest parses an OpenAI-style chat-completions request body
// into the internal Request representation.
func DecodeOpenAIRequest(body []byte) (*Request, error) {
	var oreq openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &oreq); err != nil {
		return nil, fmt.Errorf("wire: decode openai request: %w", err)
	}

	// go-openai keeps sampling parameters as float32; decode them again as
	// float64 so a value such as 0.7 is kept exactly.
	var exact struct {
		Temperature      float64 `json:"temperature"`
		TopP             float64 `json:"top_p"`
		FrequencyPenalty float64 `json:"frequency_penalty"`
		PresencePenalty  float64 `json:"presence_penalty"`
	}
	_ = json.Unmarshal(body, &exact)

	req := &Request{
		Model:     oreq.Model,
		MaxTokens: oreq.MaxTokens,
		Stream:    oreq.Stream,
	}
	if oreq.Temperature != 0 {
		t := exact.Temperature
		req.Temperature = &t
	}
	if oreq.TopP != 0 {
		p := exact.TopP
		req.TopP = &p
	}
	if oreq.FrequencyPenalty != 0 {
		f := exact.FrequencyPenalty
		req.FrequencyPenalty = &f
	}
	if oreq.PresencePenalty != 0 {
		p := exact.PresencePenalty
		req.PresencePenalty = &p
	}
	if len(oreq.LogitBias) > 0 {
		req.LogitBias = oreq.LogitBias
	}

	for _, m := range oreq.Messages {
		req.Messages = append(req.Messages, messageFromOpenAI(m))
	}

	for _, t := range oreq.Tools {
		if t.Function == nil {
			continue
		}
		var params json.RawMessage
		if t.Function.Parameters != nil {
			if b, err := json.Marshal(t.Function.Parameters); err == nil {
				params = b
			}
		}
		req.Tools = append(req.Tools, ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  params,
		})
	}

	return req, nil
}

func messageFromOpenAI(m openai.ChatCompletionMessage) Message {
	msg := Message{
		Role: Role(m.Role),
		Text: m.Content,
		Name: m.Name,
	}
	if m.ToolCallID != "" {
		msg.ToolCallID = m.ToolCallID
	}
	for _, part := range m.MultiContent {
		switch part.Type {
		case openai.ChatMessagePartTypeText:
			msg.Parts = append(msg.Parts, ContentPart{Type: "text", Text: part.Text})
		case openai.ChatMessagePartTypeImageURL:
			if part.ImageURL != nil {
				msg.Parts = append(msg.Parts, ContentPart{Type: "image", ImageURL: part.ImageURL.URL})
			}
		}
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg
}

// EncodeOpenAIResponse renders a completed internal Response as an
// OpenAI-style chat-completions response body.
func EncodeOpenAIResponse(requestID string, resp *Response) ([]byte, error) {
	msg := openai.ChatCompletionMessage{
		Role:    string(RoleAssistant),
		Content: resp.Text,
	}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	out := openai.ChatCompletionResponse{
		ID:     requestID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index:        0,
				Message:      msg,
				FinishReason: openai.FinishReason(resp.FinishReason),
			},
		},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return json.Marshal(out)
}

// EncodeOpenAIChunk renders a streamed Chunk as an OpenAI-style SSE data
// payload (the JSON body only — the "data: " framing is added by the
// streaming bridge, C9).
func EncodeOpenAIChunk(requestID string, model string, c *Chunk) ([]byte, error) {
	delta := openai.ChatCompletionStreamChoiceDelta{
		Content: c.TextDelta,
	}
	for _, tc := range c.ToolCallDeltas {
		delta.ToolCalls = append(delta.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	chunk := openai.ChatCompletionStreamResponse{
		ID:     requestID,
		Object: "chat.completion.chunk",
		Model:  model,
		Choices: []openai.ChatCompletionStreamChoice{
			{
				Index:        0,
				Delta:        delta,
				FinishReason: openai.FinishReason(c.FinishReason),
			},
		},
	}
	return json.Marshal(chunk)
}
