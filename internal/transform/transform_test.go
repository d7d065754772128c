package transform

import (
	"testing"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

func TestToOpenAIRequestToolCallPairing(t *testing.T) {
	req := &wire.Request{
		Messages: []wire.Message{
			{Role: wire.RoleUser, Text: "what's the weather?"},
			{Role: wire.RoleAssistant, ToolCalls: []wire.ToolCall{{ID: "call_1", Name: "get_weather", Arguments: `{"city":"nyc"}`}}},
			{Role: wire.RoleTool, ToolCallID: "call_1", Name: "get_weather", Text: "72F and sunny"},
		},
	}
	out, stats := ToOpenAIRequest(req, "gpt-5")
	if len(out.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(out.Messages), out.Messages)
	}
	if stats.droppedOrphans != 0 {
		t.Errorf("expected no orphans, got %d", stats.droppedOrphans)
	}
	if out.Messages[2].ToolCallID != "call_1" {
		t.Errorf("expected tool message to carry call id, got %q", out.Messages[2].ToolCallID)
	}
}

func TestToOpenAIRequestOrphanedToolResult(t *testing.T) {
	req := &wire.Request{
		Messages: []wire.Message{
			{Role: wire.RoleTool, ToolCallID: "missing", Name: "ghost", Text: "result"},
		},
	}
	out, stats := ToOpenAIRequest(req, "gpt-5")
	if stats.droppedOrphans != 1 {
		t.Fatalf("expected 1 orphan, got %d", stats.droppedOrphans)
	}
	if out.Messages[0].Role != "user" {
		t.Errorf("expected orphaned tool result flattened to a user message, got role %q", out.Messages[0].Role)
	}
}

func TestToAnthropicParamsPullsOutSystemPrompt(t *testing.T) {
	req := &wire.Request{
		Messages: []wire.Message{
			{Role: wire.RoleSystem, Text: "you are terse"},
			{Role: wire.RoleUser, Text: "hi"},
		},
	}
	params, _ := ToAnthropicParams(req, "claude-opus-4-5")
	if len(params.System) != 1 || params.System[0].Text != "you are terse" {
		t.Fatalf("expected system prompt pulled out, got %+v", params.System)
	}
	if len(params.Messages) != 1 {
		t.Fatalf("expected 1 remaining message, got %d", len(params.Messages))
	}
}

func TestToCodexRequestFlattensToolResults(t *testing.T) {
	req := &wire.Request{
		Messages: []wire.Message{
			{Role: wire.RoleSystem, Text: "be concise"},
			{Role: wire.RoleUser, Text: "hi"},
			{Role: wire.RoleAssistant, ToolCalls: []wire.ToolCall{{ID: "c1", Name: "lookup", Arguments: "{}"}}},
			{Role: wire.RoleTool, ToolCallID: "c1", Text: "done"},
		},
	}
	out, err := ToCodexRequest(req, "codex-1")
	if err != nil {
		t.Fatalf("ToCodexRequest: %v", err)
	}
	if out.Instructions != "be concise" {
		t.Errorf("expected instructions pulled from system message, got %q", out.Instructions)
	}
	var sawFunctionCall, sawFunctionOutput bool
	for _, item := range out.Input {
		if item.Type == "function_call" {
			sawFunctionCall = true
		}
		if item.Type == "function_call_output" {
			sawFunctionOutput = true
		}
	}
	if !sawFunctionCall || !sawFunctionOutput {
		t.Errorf("expected both function_call and function_call_output items, got %+v", out.Input)
	}
}

func TestCodexStreamWholeArgumentsOnItemDone(t *testing.T) {
	s := NewCodexStream()
	raw := []byte(`{"type":"response.output_item.done","item":{"type":"function_call","call_id":"c1","name":"lookup","arguments":"{\"q\":1}"}}`)
	chunk, err := s.Apply(raw)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(chunk.ToolCallDeltas) != 1 || chunk.ToolCallDeltas[0].Arguments != `{"q":1}` {
		t.Fatalf("expected whole arguments in a single delta, got %+v", chunk.ToolCallDeltas)
	}
}

// Invariant 4 path: added < arguments.delta* < arguments.done, with the
// name falling back to the one captured at added.
func TestCodexStreamStreamedArguments(t *testing.T) {
	s := NewCodexStream()
	events := []string{
		`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"c1","name":"lookup"}}`,
		`{"type":"response.function_call_arguments.delta","call_id":"c1","delta":"{\"q\":"}`,
		`{"type":"response.function_call_arguments.delta","call_id":"c1","delta":"\"go\"}"}`,
	}
	for _, e := range events {
		chunk, err := s.Apply([]byte(e))
		if err != nil {
			t.Fatalf("Apply(%s): %v", e, err)
		}
		if len(chunk.ToolCallDeltas) != 0 {
			t.Fatalf("tool call emitted before .done: %+v", chunk)
		}
	}

	chunk, err := s.Apply([]byte(`{"type":"response.function_call_arguments.done","call_id":"c1"}`))
	if err != nil {
		t.Fatalf("Apply done: %v", err)
	}
	if len(chunk.ToolCallDeltas) != 1 {
		t.Fatalf("expected finalized call, got %+v", chunk)
	}
	tc := chunk.ToolCallDeltas[0]
	if tc.Name != "lookup" || tc.Arguments != `{"q":"go"}` {
		t.Fatalf("finalized call wrong: %+v", tc)
	}

	// A later output_item.done for the same call must not re-emit it.
	chunk, err = s.Apply([]byte(`{"type":"response.output_item.done","item":{"type":"function_call","call_id":"c1","name":"lookup","arguments":"{\"q\":\"go\"}"}}`))
	if err != nil {
		t.Fatalf("Apply item done: %v", err)
	}
	if len(chunk.ToolCallDeltas) != 0 {
		t.Fatalf("duplicate emission: %+v", chunk)
	}

	chunk, err = s.Apply([]byte(`{"type":"response.completed"}`))
	if err != nil {
		t.Fatalf("Apply completed: %v", err)
	}
	if !chunk.Done {
		t.Fatal("response.completed must terminate the stream")
	}
}

func TestCodexStreamFlushesUnfinishedAtCompletion(t *testing.T) {
	s := NewCodexStream()
	mustApply := func(e string) *wire.Chunk {
		t.Helper()
		chunk, err := s.Apply([]byte(e))
		if err != nil {
			t.Fatalf("Apply(%s): %v", e, err)
		}
		return chunk
	}
	mustApply(`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"c9","name":"save"}}`)
	mustApply(`{"type":"response.function_call_arguments.delta","call_id":"c9","delta":"{\"k\":1}"}`)

	chunk := mustApply(`{"type":"response.completed"}`)
	if !chunk.Done || len(chunk.ToolCallDeltas) != 1 || chunk.ToolCallDeltas[0].ID != "c9" {
		t.Fatalf("unfinished call lost at completion: %+v", chunk)
	}
}

func TestToOllamaRequestRendersToolCallsAsText(t *testing.T) {
	req := &wire.Request{
		Messages: []wire.Message{
			{Role: wire.RoleUser, Text: "hi"},
			{Role: wire.RoleAssistant, ToolCalls: []wire.ToolCall{{Name: "lookup", Arguments: "{}"}}},
		},
	}
	out := ToOllamaRequest(req, "llama3", 0)
	if len(out.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out.Messages))
	}
	if out.Messages[1].Role != "assistant" {
		t.Errorf("expected assistant role preserved, got %q", out.Messages[1].Role)
	}
}
