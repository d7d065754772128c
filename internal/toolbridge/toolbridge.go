// Package toolbridge converts between the two incompatible tool-call wire
// shapes the proxy has to speak: the Chat-Completions shape (nested
// function objects, assistant tool_calls arrays, tool-role result
// messages) and the Responses-API shape used by the Codex backend (flat
// tool schemas, function_call items, function_call_output items — the
// tool role is forbidden there entirely). Conversion is lossless in both
// directions: call ids, names, and arguments survive a round trip intact.
package toolbridge

import (
	"encoding/json"
	"fmt"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

// Responses-API item type tags.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
)

// Responses-API streaming event names the accumulator consumes.
const (
	EventOutputItemAdded = "response.output_item.added"
	EventArgsDelta       = "response.function_call_arguments.delta"
	EventArgsDone        = "response.function_call_arguments.done"
)

// Tool is the flat Responses-API tool schema: the function fields hoisted
// to the top level instead of nested under "function".
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Content is one part of a Responses message item body.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Item is one entry of a Responses-API input or output array.
type Item struct {
	Type      string    `json:"type"`
	Role      string    `json:"role,omitempty"`
	Content   []Content `json:"content,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Arguments string    `json:"arguments,omitempty"`
	Output    string    `json:"output,omitempty"`
	Status    string    `json:"status,omitempty"`
}

// FlattenTools converts Chat-Completions tool schemas to the flat
// Responses shape.
func FlattenTools(defs []wire.ToolDefinition) []Tool {
	tools := make([]Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, Tool{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return tools
}

// ItemsFromMessages converts a Chat-Completions conversation to a
// Responses input array. System messages are skipped — the Responses
// protocol carries them as top-level instructions, which is the caller's
// concern. Every assistant tool_call becomes a function_call item; every
// tool-role message becomes a function_call_output whose call_id must
// reference a function_call earlier in the conversation.
func ItemsFromMessages(msgs []wire.Message) ([]Item, error) {
	var items []Item
	seenCalls := make(map[string]bool)

	for i, m := range msgs {
		switch m.Role {
		case wire.RoleSystem:
			continue

		case wire.RoleUser:
			items = append(items, Item{Type: ItemMessage, Role: "user", Content: userContent(m)})

		case wire.RoleAssistant:
			if m.Text != "" {
				items = append(items, Item{
					Type:    ItemMessage,
					Role:    "assistant",
					Content: []Content{{Type: "output_text", Text: m.Text}},
				})
			}
			for _, tc := range m.ToolCalls {
				seenCalls[tc.ID] = true
				items = append(items, Item{
					Type:      ItemFunctionCall,
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: tc.Arguments,
					Status:    "completed",
				})
			}

		case wire.RoleTool:
			if !seenCalls[m.ToolCallID] {
				return nil, fmt.Errorf("toolbridge: message %d: function_call_output %q has no prior function_call", i, m.ToolCallID)
			}
			items = append(items, Item{
				Type:   ItemFunctionCallOutput,
				CallID: m.ToolCallID,
				Output: toolResultText(m),
			})

		default:
			return nil, fmt.Errorf("toolbridge: message %d: role %q has no Responses equivalent", i, m.Role)
		}
	}
	return items, nil
}

func userContent(m wire.Message) []Content {
	var parts []Content
	if m.Text != "" {
		parts = append(parts, Content{Type: "input_text", Text: m.Text})
	}
	for _, p := range m.Parts {
		switch p.Type {
		case "image":
			parts = append(parts, Content{Type: "input_image", ImageURL: p.ImageURL})
		case "text":
			if p.Text != "" {
				parts = append(parts, Content{Type: "input_text", Text: p.Text})
			}
		}
	}
	return parts
}

func toolResultText(m wire.Message) string {
	if m.Text != "" {
		return m.Text
	}
	for _, p := range m.Parts {
		if p.Type == "tool_result" && p.ToolResult != "" {
			return p.ToolResult
		}
		if p.Type == "text" && p.Text != "" {
			return p.Text
		}
	}
	return ""
}

// MessagesFromItems converts a Responses item array back to the
// Chat-Completions message shape. function_call items fold into the
// nearest preceding assistant message (creating one when the call arrives
// first); function_call_output items become tool-role messages.
func MessagesFromItems(items []Item) ([]wire.Message, error) {
	var msgs []wire.Message
	seenCalls := make(map[string]bool)

	appendCall := func(tc wire.ToolCall) {
		if n := len(msgs); n > 0 && msgs[n-1].Role == wire.RoleAssistant && msgs[n-1].ToolCallID == "" {
			msgs[n-1].ToolCalls = append(msgs[n-1].ToolCalls, tc)
			return
		}
		msgs = append(msgs, wire.Message{Role: wire.RoleAssistant, ToolCalls: []wire.ToolCall{tc}})
	}

	for i, it := range items {
		switch it.Type {
		case ItemMessage:
			msg := wire.Message{Role: wire.Role(it.Role)}
			for _, c := range it.Content {
				switch c.Type {
				case "input_text", "output_text", "text":
					if msg.Text == "" {
						msg.Text = c.Text
					} else {
						msg.Text += c.Text
					}
				case "input_image":
					msg.Parts = append(msg.Parts, wire.ContentPart{Type: "image", ImageURL: c.ImageURL})
				}
			}
			msgs = append(msgs, msg)

		case ItemFunctionCall:
			seenCalls[it.CallID] = true
			appendCall(wire.ToolCall{ID: it.CallID, Name: it.Name, Arguments: it.Arguments})

		case ItemFunctionCallOutput:
			if !seenCalls[it.CallID] {
				return nil, fmt.Errorf("toolbridge: item %d: function_call_output %q has no prior function_call", i, it.CallID)
			}
			msgs = append(msgs, wire.Message{Role: wire.RoleTool, ToolCallID: it.CallID, Text: it.Output})

		default:
			return nil, fmt.Errorf("toolbridge: item %d: unknown item type %q", i, it.Type)
		}
	}
	return msgs, nil
}
