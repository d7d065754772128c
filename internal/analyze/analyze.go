// Package analyze derives routing hints from a decoded request: token
// count, long-context classification, whether it carries an image or a
// web-search tool, whether extended thinking was requested, and whether
// the incoming model name marks the request as a low-priority background
// task. The router (C5) consumes these hints; this package has no
// dependency on routing policy itself.
package analyze

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/tokens"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

// imagePlaceholderTokens is the flat per-image token estimate. Providers
// bill images anywhere from ~85 to ~1100 tokens depending on resolution;
// a mid-range constant is enough for routing thresholds.
const imagePlaceholderTokens = 600

// perMessageOverhead covers the role tag and message framing tokens.
const perMessageOverhead = 4

// Options configures hint derivation. Zero values fall back to the
// defaults in DefaultOptions.
type Options struct {
	// LongContextThreshold marks a request long-context when its token
	// count strictly exceeds this value.
	LongContextThreshold int

	// WebSearchTools is the set of declared tool names treated as web
	// search (lowercased exact match).
	WebSearchTools []string

	// ThinkingKeyword flags HasThinkingFlag when it appears anywhere in
	// the requested model name.
	ThinkingKeyword string

	// BackgroundModelGlobs are glob patterns matched against the incoming
	// model name to mark a request as background/low-priority.
	BackgroundModelGlobs []string
}

// DefaultOptions returns the hint-derivation defaults.
func DefaultOptions() Options {
	return Options{
		LongContextThreshold: 60000,
		WebSearchTools:       []string{"web_search", "search"},
		ThinkingKeyword:      "think",
		BackgroundModelGlobs: []string{"claude-3-5-haiku-*"},
	}
}

// Hints summarizes a request for routing purposes.
type Hints struct {
	TokenCount         int
	IsLongContext      bool
	HasImage           bool
	HasTools           bool
	HasWebSearchTool   bool
	HasThinkingFlag    bool
	IsBackground       bool
	RequestedMaxTokens int

	// UserQuery is the lowercased concatenation of the user-role message
	// contents only. System context is excluded so taxonomy pattern scores
	// reflect what the user actually asked, not boilerplate instructions.
	UserQuery string
}

// Analyze computes Hints for req using estimator for token counting.
// estimator may be nil, in which case a chars/4 approximation is used.
func Analyze(req *wire.Request, estimator *tokens.Estimator, opts Options) Hints {
	def := DefaultOptions()
	if opts.LongContextThreshold <= 0 {
		opts.LongContextThreshold = def.LongContextThreshold
	}
	if len(opts.WebSearchTools) == 0 {
		opts.WebSearchTools = def.WebSearchTools
	}
	if opts.ThinkingKeyword == "" {
		opts.ThinkingKeyword = def.ThinkingKeyword
	}
	if len(opts.BackgroundModelGlobs) == 0 {
		opts.BackgroundModelGlobs = def.BackgroundModelGlobs
	}

	h := Hints{
		HasTools:           len(req.Tools) > 0,
		RequestedMaxTokens: req.MaxTokens,
	}

	var all strings.Builder  // everything counted towards the token estimate
	var user strings.Builder // user-role content only, for pattern matching
	imageCount := 0

	for _, m := range req.Messages {
		all.WriteString(m.Text)
		all.WriteByte('\n')
		if m.Role == wire.RoleUser {
			user.WriteString(m.Text)
			user.WriteByte(' ')
		}
		for _, p := range m.Parts {
			if p.Type == "image" {
				h.HasImage = true
				imageCount++
				continue
			}
			all.WriteString(p.Text)
			all.WriteByte('\n')
			if m.Role == wire.RoleUser {
				user.WriteString(p.Text)
				user.WriteByte(' ')
			}
		}
	}
	for _, t := range req.Tools {
		all.WriteString(t.Name)
		all.WriteByte('\n')
		all.WriteString(t.Description)
		all.WriteByte('\n')
		all.Write(t.Parameters)
	}

	h.TokenCount = countText(all.String(), estimator) +
		len(req.Messages)*perMessageOverhead +
		imageCount*imagePlaceholderTokens
	h.IsLongContext = h.TokenCount > opts.LongContextThreshold

	h.UserQuery = strings.ToLower(strings.TrimSpace(user.String()))

	for _, t := range req.Tools {
		name := strings.ToLower(t.Name)
		for _, ws := range opts.WebSearchTools {
			if name == ws {
				h.HasWebSearchTool = true
			}
		}
	}

	if req.Thinking != nil && (req.Thinking.Enabled || req.Thinking.Level != "" || req.Thinking.BudgetTokens > 0) {
		h.HasThinkingFlag = true
	}
	model := strings.ToLower(req.Model)
	if strings.Contains(model, opts.ThinkingKeyword) {
		h.HasThinkingFlag = true
	}

	for _, glob := range opts.BackgroundModelGlobs {
		if ok, err := path.Match(strings.ToLower(glob), model); err == nil && ok {
			h.IsBackground = true
			break
		}
	}

	return h
}

func countText(text string, estimator *tokens.Estimator) int {
	if estimator != nil {
		return estimator.Count(text)
	}
	return len(text) / 4
}

// ToolSchemaBytes reports the serialized size of the request's tool
// schemas.
func ToolSchemaBytes(req *wire.Request) int {
	n := 0
	for _, t := range req.Tools {
		b, err := json.Marshal(t)
		if err != nil {
			continue
		}
		n += len(b)
	}
	return n
}
