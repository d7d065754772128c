package transform

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

// ToOpenAIRequest builds the outbound OpenAI-compatible chat/completions
// request for model, converting wire messages and tool calls. An orphaned
// tool call or tool result (no counterpart anywhere in the transcript) is
// flattened to descriptive text instead of being dropped: the call into
// its assistant message's content, the result into a user message.
func ToOpenAIRequest(req *wire.Request, model string) (openai.ChatCompletionRequest, repairStats) {
	var stats repairStats

	out := openai.ChatCompletionRequest{
		Model:    model,
		Stream:   req.Stream,
		Messages: toOpenAIMessages(req.Messages, &stats),
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if req.FrequencyPenalty != nil {
		out.FrequencyPenalty = float32(*req.FrequencyPenalty)
	}
	if req.PresencePenalty != nil {
		out.PresencePenalty = float32(*req.PresencePenalty)
	}
	if len(req.LogitBias) > 0 {
		out.LogitBias = req.LogitBias
	}
	if len(req.Tools) > 0 {
		out.Tools = toOpenAITools(req.Tools)
	}
	if req.ToolChoice != nil {
		out.ToolChoice = openAIToolChoice(*req.ToolChoice)
	}
	return out, stats
}

func toOpenAIMessages(messages []wire.Message, stats *repairStats) []openai.ChatCompletionMessage {
	toolCallIDs := make(map[string]bool)
	toolResultIDs := make(map[string]bool)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			toolCallIDs[tc.ID] = true
		}
		if m.Role == wire.RoleTool {
			toolResultIDs[m.ToolCallID] = true
		}
	}

	var out []openai.ChatCompletionMessage
	for _, m := range messages {
		switch m.Role {
		case wire.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Text})

		case wire.RoleUser:
			out = append(out, userMessageToOpenAI(m))

		case wire.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				if m.Text != "" {
					out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Text})
				}
				continue
			}
			var calls []openai.ToolCall
			text := m.Text
			for _, tc := range m.ToolCalls {
				if !toolResultIDs[tc.ID] {
					stats.droppedOrphans++
					if text != "" {
						text += "\n"
					}
					text += "[Called tool: " + tc.Name + "]\nInput: " + truncate(tc.Arguments, 500)
					continue
				}
				calls = append(calls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   text,
				ToolCalls: calls,
			})
			stats.mergedToolCalls++

		case wire.RoleTool:
			if !toolCallIDs[m.ToolCallID] {
				stats.droppedOrphans++
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: "[tool result for " + m.Name + "]\n" + m.Text,
				})
				continue
			}
			content := m.Text
			if content == "" {
				content = "(no output)"
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return out
}

func userMessageToOpenAI(m wire.Message) openai.ChatCompletionMessage {
	if len(m.Parts) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Text}
	}

	var parts []openai.ChatMessagePart
	for _, p := range m.Parts {
		switch p.Type {
		case "image":
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL, Detail: openai.ImageURLDetailAuto},
			})
		default:
			if p.Text != "" {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
			}
		}
	}
	if m.Text != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Text})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func toOpenAITools(tools []wire.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return out
}

func openAIToolChoice(tc wire.ToolChoice) any {
	switch tc.Mode {
	case "none", "auto", "required":
		return tc.Mode
	case "tool":
		return openai.ToolChoice{Type: openai.ToolTypeFunction, Function: openai.ToolFunction{Name: tc.Name}}
	default:
		return nil
	}
}

// FromOpenAIResponse converts a non-streaming OpenAI response back to wire.Response.
func FromOpenAIResponse(resp openai.ChatCompletionResponse) *wire.Response {
	out := &wire.Response{Model: resp.Model}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Text = choice.Message.Content
		out.Thinking = choice.Message.ReasoningContent
		out.FinishReason = string(choice.FinishReason)
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, wire.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		// Reasoning models (GLM, Kimi, DeepSeek-R1) sometimes return the
		// entire answer in reasoning_content with an empty content field;
		// fall back so the client doesn't receive a blank message.
		if out.Text == "" && len(out.ToolCalls) == 0 && out.Thinking != "" {
			out.Text = out.Thinking
		}
	}
	out.Usage = wire.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return out
}

// FromOpenAIStreamChunk converts one SSE chunk to a wire.Chunk. Tool call
// argument fragments arrive incrementally in OpenAI's protocol, keyed by
// Index, so the caller is expected to accumulate ToolCallDeltas across
// chunks itself.
func FromOpenAIStreamChunk(chunk openai.ChatCompletionStreamResponse) *wire.Chunk {
	out := &wire.Chunk{}
	if len(chunk.Choices) == 0 {
		return out
	}
	choice := chunk.Choices[0]
	out.TextDelta = choice.Delta.Content
	out.ThinkingDelta = choice.Delta.ReasoningContent
	if choice.FinishReason != "" {
		out.FinishReason = string(choice.FinishReason)
		out.Done = true
	}
	for _, tc := range choice.Delta.ToolCalls {
		delta := wire.ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		if tc.ID != "" {
			delta.ID = tc.ID
		}
		out.ToolCallDeltas = append(out.ToolCallDeltas, delta)
	}
	return out
}
