package transform

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

// ToAnthropicParams builds the outbound Anthropic messages request for
// model. System messages are pulled out of req.Messages into params.System,
// since Anthropic models system prompts as a top-level field rather than a
// message role. Tool use/result pairing mirrors the teacher's
// convertMessages: an orphaned tool_use (no result) becomes descriptive
// assistant text, an orphaned tool_result becomes a user text message.
func ToAnthropicParams(req *wire.Request, model string) (anthropic.MessageNewParams, repairStats) {
	var stats repairStats

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}

	var system string
	var msgs []wire.Message
	for _, m := range req.Messages {
		if m.Role == wire.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Text
			continue
		}
		msgs = append(msgs, m)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	params.Messages = anthropicMessages(msgs, &stats)

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if req.Thinking != nil && req.Thinking.Enabled && req.Thinking.BudgetTokens > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.Thinking.BudgetTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
	}

	return params, stats
}

func anthropicMessages(messages []wire.Message, stats *repairStats) []anthropic.MessageParam {
	toolCallIDs := make(map[string]bool)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			toolCallIDs[tc.ID] = true
		}
	}
	toolResultIDs := make(map[string]bool)
	for _, m := range messages {
		if m.Role == wire.RoleTool {
			toolResultIDs[m.ToolCallID] = true
		}
	}

	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case wire.RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			for _, p := range m.Parts {
				switch p.Type {
				case "text":
					if p.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(p.Text))
					}
				case "image":
					blocks = append(blocks, anthropic.NewImageBlockBase64("image/png", p.ImageURL))
				}
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))

		case wire.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				if m.Text != "" {
					out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)))
				}
				continue
			}
			var blocks []anthropic.ContentBlockParamUnion
			if m.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			for _, tc := range m.ToolCalls {
				if !toolResultIDs[tc.ID] {
					stats.droppedOrphans++
					blocks = append(blocks, anthropic.NewTextBlock("[Called tool: "+tc.Name+"]\nInput: "+truncate(tc.Arguments, 500)))
					continue
				}
				var input map[string]any
				_ = json.Unmarshal([]byte(tc.Arguments), &input)
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{ID: tc.ID, Name: tc.Name, Input: input},
				})
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
			stats.mergedToolCalls++

		case wire.RoleTool:
			if !toolCallIDs[m.ToolCallID] {
				stats.droppedOrphans++
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("[Tool result for "+m.Name+"]\n"+truncate(m.Text, 1000))))
				continue
			}
			content := m.Text
			if content == "" {
				content = "[empty result]"
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, content, false)))
		}
	}
	return out
}

func anthropicTools(tools []wire.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.Parameters, &schema)
		var properties any
		if schema != nil {
			properties = schema["properties"]
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: properties},
			},
		})
	}
	return out
}

// FromAnthropicMessage converts a fully accumulated Anthropic message
// (stream.Current() accumulated via message.Accumulate, or a non-streaming
// Messages.New result) to wire.Response.
func FromAnthropicMessage(msg *anthropic.Message) *wire.Response {
	out := &wire.Response{
		Model:        string(msg.Model),
		FinishReason: anthropicFinishReason(string(msg.StopReason)),
		Usage: wire.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			CacheReadTokens:  int(msg.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(msg.Usage.CacheCreationInputTokens),
		},
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Text += variant.Text
		case anthropic.ThinkingBlock:
			out.Thinking += variant.Thinking
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(variant.Input)
			out.ToolCalls = append(out.ToolCalls, wire.ToolCall{ID: variant.ID, Name: variant.Name, Arguments: string(args)})
		}
	}
	return out
}

func anthropicFinishReason(stopReason string) string {
	switch anthropic.StopReason(stopReason) {
	case anthropic.StopReasonToolUse:
		return "tool_calls"
	case anthropic.StopReasonMaxTokens:
		return "length"
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return "stop"
	default:
		return stopReason
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
