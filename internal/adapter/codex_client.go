package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/registry"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/transform"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

const (
	codexWSEndpoint  = "wss://chatgpt.com/backend-api/codex/responses"
	codexWSWriteWait = 30 * time.Second
)

// codexClient dispatches over a persistent websocket connection to the
// ChatGPT backend-api Responses endpoint. The connection is lazily
// established and reused across requests; a write or read failure drops it
// so the next call reconnects.
type codexClient struct {
	name   string
	model  string
	apiKey string
	url    string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func newCodexClient(cfg registry.ProviderConfig, apiKey string) *codexClient {
	url := cfg.BaseURL
	if url == "" {
		url = codexWSEndpoint
	}
	return &codexClient{name: cfg.Name, apiKey: apiKey, url: url}
}

func (c *codexClient) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.conn != nil {
		return nil
	}
	return c.connectLocked(ctx)
}

// connectLocked dials a fresh connection. Must be called with mu held.
func (c *codexClient) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.connected = false
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}

	L_debug("codex: connecting websocket", "provider", c.name, "endpoint", c.url)

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return fmt.Errorf("codex: authentication failed (HTTP %d): %w", resp.StatusCode, err)
			}
			return fmt.Errorf("codex: websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("codex: websocket dial failed: %w", err)
	}

	c.conn = conn
	c.connected = true
	L_info("codex: websocket connected", "provider", c.name)
	return nil
}

func (c *codexClient) send(req any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return fmt.Errorf("codex: websocket not connected")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("codex: marshal request: %w", err)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(codexWSWriteWait)); err != nil {
		return fmt.Errorf("codex: set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.connected = false
		return fmt.Errorf("codex: websocket write failed: %w", err)
	}
	return nil
}

// readRaw blocks for the next message, respecting ctx cancellation via a
// goroutine+channel so a hung read doesn't leak past caller cancellation.
func (c *codexClient) readRaw(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return nil, fmt.Errorf("codex: websocket not connected")
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		ch <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connected = false
		c.mu.Unlock()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
		}
		return r.data, r.err
	}
}

func (c *codexClient) Dispatch(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	var final *wire.Response
	err := c.DispatchStream(ctx, req, func(chunk *wire.Chunk) error {
		if final == nil {
			final = &wire.Response{Model: req.Model}
		}
		final.Text += chunk.TextDelta
		final.Thinking += chunk.ThinkingDelta
		final.ToolCalls = append(final.ToolCalls, chunk.ToolCallDeltas...)
		if chunk.Done {
			final.FinishReason = chunk.FinishReason
			if chunk.Usage != nil {
				final.Usage = *chunk.Usage
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

func (c *codexClient) DispatchStream(ctx context.Context, req *wire.Request, onChunk func(*wire.Chunk) error) error {
	if err := c.ensureConnected(ctx); err != nil {
		return registry.CheckResponseBody(err, nil)
	}

	out, err := transform.ToCodexRequest(req, req.Model)
	if err != nil {
		return err
	}
	if err := c.send(out); err != nil {
		if reconnectErr := c.ensureConnected(ctx); reconnectErr == nil {
			if err := c.send(out); err != nil {
				return registry.CheckResponseBody(err, nil)
			}
		} else {
			return registry.CheckResponseBody(err, nil)
		}
	}

	dec := transform.NewCodexStream()
	for {
		raw, err := c.readRaw(ctx)
		if err != nil {
			return registry.CheckResponseBody(err, nil)
		}
		chunk, err := dec.Apply(raw)
		if err != nil {
			L_debug("codex: skipping undecodable event", "provider", c.name, "error", err)
			continue
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
}

func (c *codexClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	return nil
}
