package transform

import (
	"encoding/json"
	"fmt"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/toolbridge"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

// Codex request/event shapes mirror the ChatGPT backend-api Responses
// protocol: a flat input-item array keyed by Type, sent as a single
// response.create event, with streaming replies delivered as a sequence of
// typed events rather than a single JSON body. The tool-call item and
// schema shapes live in toolbridge (C10); this file owns the request
// envelope and the event-to-chunk decoding around them.

type codexRequest struct {
	Type            string            `json:"type"`
	Model           string            `json:"model,omitempty"`
	Instructions    string            `json:"instructions,omitempty"`
	Input           []toolbridge.Item `json:"input,omitempty"`
	Tools           []toolbridge.Tool `json:"tools,omitempty"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty"`
}

// ToCodexRequest flattens a wire.Request into the Codex input-item array.
// System messages become top-level Instructions (the protocol has no
// system role); everything else converts through toolbridge, so assistant
// tool_calls arrive as function_call items and tool-role messages as
// function_call_output items. Note the absence of temperature/top_p: the
// backend-api rejects sampling controls, so they are stripped here rather
// than forwarded to die at the provider.
func ToCodexRequest(req *wire.Request, model string) (codexRequest, error) {
	out := codexRequest{
		Type:            "response.create",
		Model:           model,
		MaxOutputTokens: req.MaxTokens,
	}

	var instructions string
	for _, m := range req.Messages {
		if m.Role != wire.RoleSystem {
			continue
		}
		if instructions != "" {
			instructions += "\n\n"
		}
		instructions += m.Text
	}
	out.Instructions = instructions

	items, err := toolbridge.ItemsFromMessages(req.Messages)
	if err != nil {
		return codexRequest{}, fmt.Errorf("transform: codex request: %w", err)
	}
	out.Input = items
	out.Tools = toolbridge.FlattenTools(req.Tools)

	return out, nil
}

// codexEvent is the generic streaming event envelope.
type codexEvent struct {
	Type      string           `json:"type"`
	Item      *toolbridge.Item `json:"item,omitempty"`
	Delta     string           `json:"delta,omitempty"`
	CallID    string           `json:"call_id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Arguments string           `json:"arguments,omitempty"`
}

const (
	codexEventOutputTextDelta   = "response.output_text.delta"
	codexEventReasoningDelta    = "response.reasoning_text.delta"
	codexEventOutputItemDone    = "response.output_item.done"
	codexEventResponseCompleted = "response.completed"
)

// CodexStream decodes one streamed Codex response, reassembling streamed
// function-call arguments through a toolbridge.Accumulator. One instance
// per response; not shared across requests.
type CodexStream struct {
	acc     *toolbridge.Accumulator
	emitted map[string]bool
}

// NewCodexStream returns a decoder for a single response.
func NewCodexStream() *CodexStream {
	return &CodexStream{acc: toolbridge.NewAccumulator(), emitted: make(map[string]bool)}
}

// Apply folds one raw event into a wire.Chunk. Most events produce an
// empty (but non-nil) chunk; callers forward whatever comes back. Tool
// calls surface exactly once per call_id, on whichever of
// function_call_arguments.done or output_item.done arrives first — some
// upstreams stream arguments delta-by-delta, others deliver them whole on
// the item-done event, and both paths funnel through the accumulator so a
// missing name on .done still falls back to the one captured at .added.
func (s *CodexStream) Apply(raw []byte) (*wire.Chunk, error) {
	var evt codexEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, err
	}

	chunk := &wire.Chunk{}
	switch evt.Type {
	case codexEventOutputTextDelta:
		chunk.TextDelta = evt.Delta

	case codexEventReasoningDelta:
		chunk.ThinkingDelta = evt.Delta

	case toolbridge.EventOutputItemAdded:
		if evt.Item != nil && evt.Item.Type == toolbridge.ItemFunctionCall {
			s.acc.ItemAdded(evt.Item.CallID, evt.Item.Name)
		}

	case toolbridge.EventArgsDelta:
		s.acc.AppendArguments(evt.CallID, evt.Delta)

	case toolbridge.EventArgsDone:
		if s.emitted[evt.CallID] {
			break
		}
		tc, err := s.acc.Finish(evt.CallID, evt.Name, evt.Arguments)
		if err != nil {
			return nil, err
		}
		s.emitted[evt.CallID] = true
		chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, tc)

	case codexEventOutputItemDone:
		if evt.Item == nil || evt.Item.Type != toolbridge.ItemFunctionCall || s.emitted[evt.Item.CallID] {
			break
		}
		tc, err := s.acc.Finish(evt.Item.CallID, evt.Item.Name, evt.Item.Arguments)
		if err != nil {
			return nil, err
		}
		s.emitted[evt.Item.CallID] = true
		chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, tc)

	case codexEventResponseCompleted:
		// Calls the provider never finalized are flushed ahead of the
		// terminal chunk so nothing is lost.
		for _, tc := range s.acc.Unfinished() {
			if !s.emitted[tc.ID] {
				s.emitted[tc.ID] = true
				chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, tc)
			}
		}
		chunk.Done = true
		chunk.FinishReason = "stop"
	}
	return chunk, nil
}
