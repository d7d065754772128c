package transform

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// RequestTransformer adjusts an outbound OpenAI-compatible request for one
// backend's quirks. Transformers are named in a provider's transformers[]
// config list and applied in order, after the generic wire conversion and
// immediately before the request leaves the process.
type RequestTransformer func(*openai.ChatCompletionRequest)

// requestTransformers is the registry of named transformers. Keep entries
// pure: same input, same output, no I/O.
var requestTransformers = map[string]RequestTransformer{
	// Cerebras rejects requests carrying frequency_penalty,
	// presence_penalty, or logit_bias, and wants max_completion_tokens
	// instead of max_tokens.
	"cerebras": func(req *openai.ChatCompletionRequest) {
		req.FrequencyPenalty = 0
		req.PresencePenalty = 0
		req.LogitBias = nil
		if req.MaxTokens > 0 {
			req.MaxCompletionTokens = req.MaxTokens
			req.MaxTokens = 0
		}
	},

	// DeepSeek rejects multi-part content arrays; flatten each message's
	// parts into a single text body. Image parts have no text to keep and
	// are dropped (DeepSeek chat models are text-only).
	"deepseek": func(req *openai.ChatCompletionRequest) {
		for i := range req.Messages {
			m := &req.Messages[i]
			if len(m.MultiContent) == 0 {
				continue
			}
			var sb strings.Builder
			for _, part := range m.MultiContent {
				if part.Type == openai.ChatMessagePartTypeText && part.Text != "" {
					if sb.Len() > 0 {
						sb.WriteByte('\n')
					}
					sb.WriteString(part.Text)
				}
			}
			m.Content = sb.String()
			m.MultiContent = nil
		}
	},
}

// KnownTransformer reports whether name is a registered transformer, for
// config validation.
func KnownTransformer(name string) bool {
	_, ok := requestTransformers[name]
	return ok
}

// ApplyRequestTransformers runs each named transformer over req in order.
// Unknown names are logged and skipped rather than failing the request —
// config validation rejects them up front, so hitting one here means a
// hot reload slipped a bad name past a running dispatch.
func ApplyRequestTransformers(req *openai.ChatCompletionRequest, names []string) {
	for _, name := range names {
		t, ok := requestTransformers[name]
		if !ok {
			L_warn("transform: unknown request transformer", "name", name)
			continue
		}
		t(req)
	}
}
