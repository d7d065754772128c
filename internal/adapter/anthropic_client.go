package adapter

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/registry"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/transform"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

type anthropicClient struct {
	name   string
	client anthropic.Client
}

func newAnthropicClient(cfg registry.ProviderConfig, apiKey string) *anthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicClient{
		name:   cfg.Name,
		client: anthropic.NewClient(opts...),
	}
}

func (c *anthropicClient) Dispatch(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	params, stats := transform.ToAnthropicParams(req, req.Model)
	if stats.DroppedOrphans() > 0 {
		L_debug("anthropic: repaired orphaned tool messages", "provider", c.name, "dropped", stats.DroppedOrphans())
	}
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, registry.CheckResponseBody(err, nil)
	}
	return transform.FromAnthropicMessage(msg), nil
}

func (c *anthropicClient) DispatchStream(ctx context.Context, req *wire.Request, onChunk func(*wire.Chunk) error) error {
	params, _ := transform.ToAnthropicParams(req, req.Model)

	stream := c.client.Messages.NewStreaming(ctx, params)
	var acc anthropic.Message

	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return err
		}

		switch delta := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if err := onChunk(&wire.Chunk{TextDelta: d.Text}); err != nil {
					return err
				}
			case anthropic.ThinkingDelta:
				if err := onChunk(&wire.Chunk{ThinkingDelta: d.Thinking}); err != nil {
					return err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return registry.CheckResponseBody(err, nil)
	}

	final := transform.FromAnthropicMessage(&acc)
	return onChunk(&wire.Chunk{
		Done:           true,
		FinishReason:   final.FinishReason,
		ToolCallDeltas: final.ToolCalls,
		Usage:          &final.Usage,
	})
}

func (c *anthropicClient) Close() error { return nil }
