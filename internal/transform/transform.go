// Package transform converts the internal wire.Request/Response (C1) to and
// from each backend driver family's native call shape: OpenAI-compatible
// chat/completions, Anthropic messages, the Codex Responses protocol, and
// Ollama's local chat API. The adapter (C8) picks a Family by the resolved
// provider's Driver and calls through this package immediately before and
// after the actual HTTP/WebSocket round trip.
package transform

import (
	"fmt"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/registry"
)

// FamilyFor maps a registry Driver to the transform family that speaks it.
func FamilyFor(d registry.Driver) (string, error) {
	switch d {
	case registry.DriverOpenAI:
		return "openai", nil
	case registry.DriverAnthropic:
		return "anthropic", nil
	case registry.DriverCodex:
		return "codex", nil
	case registry.DriverOllama:
		return "ollama", nil
	default:
		return "", fmt.Errorf("transform: unknown driver %q", d)
	}
}

// repairStats records how many orphaned tool_use/tool_result pairs a message
// conversion had to patch over. The OpenAI and Anthropic converters
// tolerate a tool_use with no matching tool_result (and vice versa) by
// flattening the orphan into plain text rather than failing the request, so
// a session whose transcript was truncated or edited stays usable. Ollama
// renders every tool message as text; the Codex converter rejects a tool
// result with no matching call.
type repairStats struct {
	droppedOrphans  int
	mergedToolCalls int
}

// DroppedOrphans reports how many orphaned tool messages were flattened.
func (s repairStats) DroppedOrphans() int { return s.droppedOrphans }
