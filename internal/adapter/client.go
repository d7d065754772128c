// Package adapter resolves a routed (provider, model) pair to a concrete
// dispatch client and carries the request to the backend, returning either
// a complete wire.Response or a stream of wire.Chunks. Each driver family
// (openai, anthropic, codex, ollama, zai) gets its own Client implementation;
// the rest of the pipeline only ever talks to the Client interface.
package adapter

import (
	"context"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

// Client dispatches a single request to one backend provider.
type Client interface {
	// Dispatch sends req and returns the complete response.
	Dispatch(ctx context.Context, req *wire.Request) (*wire.Response, error)

	// DispatchStream sends req and invokes onChunk for every delta as it
	// arrives. onChunk returning an error aborts the stream. The final
	// chunk delivered has Done set.
	DispatchStream(ctx context.Context, req *wire.Request, onChunk func(*wire.Chunk) error) error

	// Close releases any held connection (notably the Codex websocket).
	Close() error
}
