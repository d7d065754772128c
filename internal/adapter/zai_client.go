package adapter

import (
	"context"
	"strings"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/registry"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

// zaiDefaultBaseURL is Z.ai's OpenAI-compatible endpoint. Note the path:
// GLM serves under /api/paas/v4, not /v1, so the base is used verbatim
// rather than going through the /v1-appending normalization.
const zaiDefaultBaseURL = "https://api.z.ai/api/paas/v4"

// zaiClient speaks the OpenAI wire shape to Z.ai's GLM models. Beyond the
// URL path, the one quirk it papers over is reasoning output: GLM models
// sometimes stream the entire answer as reasoning_content and never emit
// a content delta, which would reach the client as an empty message. The
// stream path accumulates reasoning and falls back to it when the
// response ends with no text.
type zaiClient struct {
	inner *openaiClient
}

func newZaiClient(cfg registry.ProviderConfig, apiKey string) *zaiClient {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = zaiDefaultBaseURL
	}
	return &zaiClient{inner: newOpenAICompatClient(cfg, apiKey, base)}
}

// Dispatch delegates to the OpenAI-compat round trip; the non-streaming
// reasoning_content fallback lives in transform.FromOpenAIResponse.
func (c *zaiClient) Dispatch(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	return c.inner.Dispatch(ctx, req)
}

func (c *zaiClient) DispatchStream(ctx context.Context, req *wire.Request, onChunk func(*wire.Chunk) error) error {
	var sawText bool
	var reasoning strings.Builder

	return c.inner.DispatchStream(ctx, req, func(chunk *wire.Chunk) error {
		if chunk.TextDelta != "" {
			sawText = true
		}
		if chunk.ThinkingDelta != "" {
			reasoning.WriteString(chunk.ThinkingDelta)
		}
		if chunk.Done && !sawText && len(chunk.ToolCallDeltas) == 0 && reasoning.Len() > 0 {
			L_debug("zai: no content deltas, falling back to reasoning_content",
				"provider", c.inner.name, "reasoningLen", reasoning.Len())
			if err := onChunk(&wire.Chunk{TextDelta: reasoning.String()}); err != nil {
				return err
			}
		}
		return onChunk(chunk)
	})
}

func (c *zaiClient) Close() error { return c.inner.Close() }
