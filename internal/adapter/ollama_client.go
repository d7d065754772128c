package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/registry"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/transform"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

type ollamaClient struct {
	name   string
	url    string
	client *http.Client
}

func newOllamaClient(cfg registry.ProviderConfig) *ollamaClient {
	return &ollamaClient{
		name:   cfg.Name,
		url:    strings.TrimSuffix(cfg.BaseURL, "/"),
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *ollamaClient) do(ctx context.Context, req *wire.Request) (*http.Response, error) {
	out := transform.ToOllamaRequest(req, req.Model, 0)
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, registry.CheckResponseBody(fmt.Errorf("ollama returned status %d", resp.StatusCode), respBody)
	}
	return resp, nil
}

func (c *ollamaClient) Dispatch(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama: read response: %w", err)
	}
	out, err := transform.DecodeOllamaResponse(req.Model, body)
	if err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	return out, nil
}

func (c *ollamaClient) DispatchStream(ctx context.Context, req *wire.Request, onChunk func(*wire.Chunk) error) error {
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		chunk, err := transform.DecodeOllamaStreamLine(line)
		if err != nil {
			L_warn("ollama: skipping malformed stream line", "provider", c.name, "error", err)
			continue
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
	return scanner.Err()
}

func (c *ollamaClient) Close() error { return nil }
