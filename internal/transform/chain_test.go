package transform

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

func TestCerebrasTransformerStripsAndRenames(t *testing.T) {
	freq, pres := 0.5, 0.25
	req := &wire.Request{
		MaxTokens:        512,
		FrequencyPenalty: &freq,
		PresencePenalty:  &pres,
		LogitBias:        map[string]int{"50256": -100},
		Messages:         []wire.Message{{Role: wire.RoleUser, Text: "hi"}},
	}

	out, _ := ToOpenAIRequest(req, "cerebras-llama3.1-8b")
	if out.FrequencyPenalty == 0 || out.PresencePenalty == 0 || out.LogitBias == nil {
		t.Fatal("sampling fields must pass through before the transformer runs")
	}

	ApplyRequestTransformers(&out, []string{"cerebras"})
	if out.FrequencyPenalty != 0 || out.PresencePenalty != 0 || out.LogitBias != nil {
		t.Fatalf("cerebras must strip penalties and logit_bias: %+v", out)
	}
	if out.MaxTokens != 0 || out.MaxCompletionTokens != 512 {
		t.Fatalf("max_tokens must be renamed to max_completion_tokens: max=%d maxCompletion=%d",
			out.MaxTokens, out.MaxCompletionTokens)
	}
}

func TestDeepSeekTransformerFlattensContentBlocks(t *testing.T) {
	req := &wire.Request{
		Messages: []wire.Message{{
			Role: wire.RoleUser,
			Parts: []wire.ContentPart{
				{Type: "text", Text: "first part"},
				{Type: "text", Text: "second part"},
			},
		}},
	}

	out, _ := ToOpenAIRequest(req, "deepseek-chat")
	if len(out.Messages) != 1 || len(out.Messages[0].MultiContent) == 0 {
		t.Fatalf("expected multi-part content before flattening: %+v", out.Messages)
	}

	ApplyRequestTransformers(&out, []string{"deepseek"})
	m := out.Messages[0]
	if len(m.MultiContent) != 0 {
		t.Fatalf("deepseek must flatten content blocks: %+v", m)
	}
	if m.Content != "first part\nsecond part" {
		t.Fatalf("flattened content = %q", m.Content)
	}
}

func TestUnknownTransformerIsSkipped(t *testing.T) {
	req := &wire.Request{
		MaxTokens: 100,
		Messages:  []wire.Message{{Role: wire.RoleUser, Text: "hi"}},
	}
	out, _ := ToOpenAIRequest(req, "m")

	ApplyRequestTransformers(&out, []string{"nope", "cerebras"})
	if out.MaxCompletionTokens != 100 {
		t.Fatal("known transformer after an unknown one must still run")
	}

	if !KnownTransformer("cerebras") || !KnownTransformer("deepseek") {
		t.Fatal("registered transformers must be known")
	}
	if KnownTransformer("nope") {
		t.Fatal("unregistered name must not be known")
	}
}

func TestFromOpenAIResponseReasoningFallback(t *testing.T) {
	resp := openai.ChatCompletionResponse{
		Model: "glm-4.7",
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:             "assistant",
				ReasoningContent: "the answer is four",
			},
			FinishReason: "stop",
		}},
	}
	out := FromOpenAIResponse(resp)
	if out.Thinking != "the answer is four" {
		t.Fatalf("reasoning not captured: %+v", out)
	}
	if out.Text != "the answer is four" {
		t.Fatalf("empty content must fall back to reasoning_content: %+v", out)
	}

	// With real content present, no fallback.
	resp.Choices[0].Message.Content = "four"
	out = FromOpenAIResponse(resp)
	if out.Text != "four" || out.Thinking != "the answer is four" {
		t.Fatalf("content must win when present: %+v", out)
	}
}

func TestFromOpenAIStreamChunkReasoningDelta(t *testing.T) {
	chunk := openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{ReasoningContent: "hmm"},
		}},
	}
	out := FromOpenAIStreamChunk(chunk)
	if out.ThinkingDelta != "hmm" {
		t.Fatalf("reasoning delta not captured: %+v", out)
	}
}
