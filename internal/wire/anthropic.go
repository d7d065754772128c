package wire

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// anthropicRequest is the subset of the Messages API request body this
// proxy's ingress decoder understands. The full anthropic.MessageNewParams
// shape is reserved for the outbound transformer (C7); the ingress side
// only needs to read what a client sent, not build an SDK call.
type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// DecodeAnthropicRequest parses an Anthropic Messages-API request body
// into the internal Request representation.
func DecodeAnthropicRequest(body []byte) (*Request, error) {
	var areq anthropicRequest
	if err := json.Unmarshal(body, &areq); err != nil {
		return nil, fmt.Errorf("wire: decode anthropic request: %w", err)
	}

	req := &Request{
		Model:     areq.Model,
		MaxTokens: areq.MaxTokens,
		Stream:    areq.Stream,
	}
	if areq.Temperature != nil {
		req.Temperature = areq.Temperature
	}
	if areq.TopP != nil {
		req.TopP = areq.TopP
	}
	if areq.Thinking != nil {
		req.Thinking = &Thinking{
			Enabled:      areq.Thinking.Type == "enabled",
			BudgetTokens: areq.Thinking.BudgetTokens,
		}
	}

	if areq.System != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Text: areq.System})
	}

	for _, m := range areq.Messages {
		msg, err := messageFromAnthropic(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg...)
	}

	for _, t := range areq.Tools {
		req.Tools = append(req.Tools, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	return req, nil
}

// messageFromAnthropic may expand to more than one internal Message: a
// single Anthropic "user" turn carrying a tool_result block becomes a
// RoleTool message, matching how spec.md's Message model separates tool
// results onto their own role rather than embedding them in content parts.
func messageFromAnthropic(m anthropicMessage) ([]Message, error) {
	role := Role(m.Role)

	// Content is either a plain string or a list of content blocks.
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return []Message{{Role: role, Text: asString}}, nil
	}

	var blocks []anthropicContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("wire: message content neither string nor block list: %w", err)
	}

	var out []Message
	var textParts []ContentPart
	var toolCalls []ToolCall

	for _, b := range blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, ContentPart{Type: "text", Text: b.Text})
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{ID: b.ID, Name: b.Name, Arguments: string(b.Input)})
		case "tool_result":
			out = append(out, Message{Role: RoleTool, ToolCallID: b.ToolUseID, Text: b.Content})
		case "image":
			textParts = append(textParts, ContentPart{Type: "image"})
		}
	}

	if len(toolCalls) > 0 {
		out = append([]Message{{Role: RoleAssistant, ToolCalls: toolCalls}}, out...)
	} else if len(textParts) > 0 {
		msg := Message{Role: role}
		if len(textParts) == 1 && textParts[0].Type == "text" {
			msg.Text = textParts[0].Text
		} else {
			msg.Parts = textParts
		}
		out = append([]Message{msg}, out...)
	}

	return out, nil
}

// EncodeAnthropicResponse renders a completed internal Response as an
// Anthropic Messages-API response body.
func EncodeAnthropicResponse(requestID string, resp *Response) ([]byte, error) {
	var content []anthropicContentBlock
	if resp.Text != "" {
		content = append(content, anthropicContentBlock{Type: "text", Text: resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		content = append(content, anthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: json.RawMessage(tc.Arguments),
		})
	}

	out := map[string]any{
		"id":            requestID,
		"type":          "message",
		"role":          "assistant",
		"model":         resp.Model,
		"content":       content,
		"stop_reason":   anthropicStopReason(resp.FinishReason),
		"stop_sequence": nil,
		"usage": map[string]int{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		},
	}
	return json.Marshal(out)
}

func anthropicStopReason(finishReason string) string {
	switch finishReason {
	case "tool_calls", "tool_use":
		return string(anthropic.StopReasonToolUse)
	case "length", "max_tokens":
		return string(anthropic.StopReasonMaxTokens)
	default:
		return string(anthropic.StopReasonEndTurn)
	}
}
