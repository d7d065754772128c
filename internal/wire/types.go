// Package wire defines the request/response/message/tool-call data model
// the proxy decodes client requests into and encodes provider responses
// from. It supports both OpenAI-style chat-completions wire shapes and
// Anthropic-style messages wire shapes; a single internal Request/Response
// pair is shared by both ingress decoders so the rest of the pipeline
// (analyzer, router, transformers) never deals with wire-format specifics.
package wire

import "encoding/json"

// Role is the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one part of a possibly-multimodal message body.
type ContentPart struct {
	Type       string `json:"type"` // "text" | "image" | "tool_result"
	Text       string `json:"text,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
	ToolUseID  string `json:"tool_use_id,omitempty"`
	ToolResult string `json:"tool_result,omitempty"`
}

// Message is one turn of a conversation. Content is either a plain string
// (Text) or a list of ContentParts (Parts) — never both. Invariant:
// ToolCallID is set iff Role == RoleTool; ToolCalls is set only when
// Role == RoleAssistant.
type Message struct {
	Role       Role          `json:"role"`
	Text       string        `json:"-"`
	Parts      []ContentPart `json:"-"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

// ToolCall is a single function invocation requested by a model.
// Arguments may arrive incrementally while streaming; ID is stable within
// a conversation and is referenced by the following tool-role Message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON text, possibly partial mid-stream
}

// ToolDefinition is a function schema offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolChoice constrains which tool (if any) the model must call.
type ToolChoice struct {
	Mode string `json:"mode,omitempty"` // "auto" | "none" | "required" | "named"
	Name string `json:"name,omitempty"` // set when Mode == "named"
}

// Thinking requests extended/reasoning output from models that support it.
type Thinking struct {
	Enabled      bool   `json:"enabled,omitempty"`
	Level        string `json:"level,omitempty"` // "low" | "medium" | "high"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Request is the proxy's internal representation of a decoded client
// request, immutable after Decode. Model may be "auto", "provider/model",
// "provider,model", a configured alias, or a glob pattern.
type Request struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Tools       []ToolDefinition  `json:"tools,omitempty"`
	ToolChoice  *ToolChoice       `json:"tool_choice,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	// FrequencyPenalty, PresencePenalty, and LogitBias pass through to
	// OpenAI-compatible backends; per-provider transformers strip them
	// where a backend rejects them (Cerebras).
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	LogitBias        map[string]int `json:"logit_bias,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Thinking    *Thinking         `json:"thinking,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// SessionID, when present, ties this request to session hints (C12).
	// Taken from the x-session-id header, else metadata["session_id"];
	// empty when neither is set.
	SessionID string `json:"-"`
}

// Usage reports token accounting for a completed request.
type Usage struct {
	PromptTokens      int `json:"prompt_tokens"`
	CompletionTokens  int `json:"completion_tokens"`
	TotalTokens       int `json:"total_tokens"`
	CacheReadTokens   int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens  int `json:"cache_creation_tokens,omitempty"`
	ReasoningTokens   int `json:"reasoning_tokens,omitempty"`
}

// Response is the proxy's internal representation of a complete (non-streaming)
// model response, prior to wire-format re-encoding for the client.
type Response struct {
	Model        string     `json:"model"`
	Text         string     `json:"text"`
	Thinking     string     `json:"thinking,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        Usage      `json:"usage"`
}

// Chunk is one streamed delta of a Response, emitted repeatedly by the
// streaming bridge (C9) before a terminal chunk with Done set.
type Chunk struct {
	TextDelta      string     `json:"text_delta,omitempty"`
	ThinkingDelta  string     `json:"thinking_delta,omitempty"`
	ToolCallDeltas []ToolCall `json:"tool_call_deltas,omitempty"`
	FinishReason   string     `json:"finish_reason,omitempty"`
	Usage          *Usage     `json:"usage,omitempty"`
	Done           bool       `json:"-"`
}

// HasConsecutiveSystemMessages reports whether Messages contains two
// system-role messages in a row (invalid per spec.md §3).
func (r *Request) HasConsecutiveSystemMessages() bool {
	for i := 1; i < len(r.Messages); i++ {
		if r.Messages[i].Role == RoleSystem && r.Messages[i-1].Role == RoleSystem {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants spec.md §3 places on a Request.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return &ValidationError{Reason: "messages must be non-empty"}
	}
	if r.HasConsecutiveSystemMessages() {
		return &ValidationError{Reason: "two consecutive system messages"}
	}

	pendingToolCallIDs := make(map[string]bool)
	for i, m := range r.Messages {
		if (m.ToolCallID != "") != (m.Role == RoleTool) {
			return &ValidationError{Reason: "tool_call_id set iff role is tool", Index: i}
		}
		if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
			return &ValidationError{Reason: "tool_calls only valid on assistant role", Index: i}
		}
		if m.Role == RoleAssistant {
			for _, tc := range m.ToolCalls {
				pendingToolCallIDs[tc.ID] = true
			}
		}
		if m.Role == RoleTool && !pendingToolCallIDs[m.ToolCallID] {
			return &ValidationError{Reason: "tool message references unknown tool_call_id", Index: i}
		}
	}
	return nil
}

// ValidationError describes why a Request failed structural validation.
type ValidationError struct {
	Reason string
	Index  int
}

func (e *ValidationError) Error() string {
	return e.Reason
}
