package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/registry"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/stream"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/transform"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

type openaiClient struct {
	name         string
	apiKey       string
	baseURL      string
	transformers []string
	client       *openai.Client
}

func newOpenAIClient(cfg registry.ProviderConfig, apiKey string) *openaiClient {
	base := cfg.BaseURL
	if base != "" && !strings.HasSuffix(base, "/v1") && !strings.HasSuffix(base, "/v1/") {
		base = strings.TrimSuffix(base, "/") + "/v1"
	}
	return newOpenAICompatClient(cfg, apiKey, base)
}

// newOpenAICompatClient is shared by every driver that speaks the OpenAI
// chat/completions wire shape; base is used verbatim (the Z.ai driver's
// path is not /v1).
func newOpenAICompatClient(cfg registry.ProviderConfig, apiKey, base string) *openaiClient {
	if apiKey == "" {
		apiKey = "not-needed"
	}
	conf := openai.DefaultConfig(apiKey)
	if base != "" {
		conf.BaseURL = base
	}
	return &openaiClient{
		name:         cfg.Name,
		apiKey:       apiKey,
		baseURL:      base,
		transformers: cfg.Transformers,
		client:       openai.NewClientWithConfig(conf),
	}
}

func (c *openaiClient) Dispatch(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	model := req.Model
	out, stats := transform.ToOpenAIRequest(req, model)
	if stats.DroppedOrphans() > 0 {
		L_debug("openai: repaired orphaned tool messages", "provider", c.name, "dropped", stats.DroppedOrphans())
	}
	transform.ApplyRequestTransformers(&out, c.transformers)
	resp, err := c.client.CreateChatCompletion(ctx, out)
	if err != nil {
		return nil, registry.CheckResponseBody(err, nil)
	}
	return transform.FromOpenAIResponse(resp), nil
}

// DispatchStream reads the SSE stream through the lenient raw-HTTP path
// rather than the SDK's parser: some OpenAI-compatible upstreams return
// response heads the strict parser rejects (empty-valued headers), and an
// otherwise healthy stream shouldn't die on its envelope.
func (c *openaiClient) DispatchStream(ctx context.Context, req *wire.Request, onChunk func(*wire.Chunk) error) error {
	out, _ := transform.ToOpenAIRequest(req, req.Model)
	out.Stream = true
	transform.ApplyRequestTransformers(&out, c.transformers)

	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("openai: marshal request: %w", err)
	}

	base := c.baseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	resp, err := stream.LenientDo(ctx, "POST", base+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + c.apiKey,
		"Content-Type":  "application/json",
	}, body)
	if err != nil {
		return registry.CheckResponseBody(err, nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return registry.CheckResponseBody(
			fmt.Errorf("openai: %s returned %d", c.name, resp.StatusCode), errBody)
	}

	reader := stream.NewReader(resp.Body)
	for {
		evt, err := reader.Next()
		if err == io.EOF {
			// Upstream closed without [DONE]: normal close, not an error.
			return onChunk(&wire.Chunk{Done: true, FinishReason: "stop"})
		}
		if err != nil {
			return registry.CheckResponseBody(err, nil)
		}
		if evt.IsDone() {
			return onChunk(&wire.Chunk{Done: true, FinishReason: "stop"})
		}

		var sse openai.ChatCompletionStreamResponse
		if err := json.Unmarshal(evt.Data, &sse); err != nil {
			// Mid-stream non-chunk payloads are how several upstreams
			// report errors; surface recognizable error bodies, skip the
			// rest.
			if registry.ClassifyError(string(evt.Data)) != registry.ErrorTypeUnknown {
				return registry.CheckResponseBody(fmt.Errorf("openai: %s mid-stream error", c.name), evt.Data)
			}
			L_trace("openai: skipping undecodable stream event", "provider", c.name)
			continue
		}
		chunk := transform.FromOpenAIStreamChunk(sse)
		if err := onChunk(chunk); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
}

func (c *openaiClient) Close() error { return nil }
