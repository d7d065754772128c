package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/adapter"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/analyze"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/metrics"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/registry"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/router"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/session"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/stream"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/tokenmgr"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

// maxBodySize bounds a request body read; long-context requests are
// large, so this is generous.
const maxBodySize = 64 << 20

// sessionHeader carries the client's opaque session id.
const sessionHeader = "x-session-id"

// handleChatCompletions serves POST /v1/chat/completions (OpenAI dialect).
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.serveCompletion(w, r, openaiDialect{})
}

// handleMessages serves POST /v1/messages (Anthropic dialect).
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.serveCompletion(w, r, anthropicDialect{})
}

// dialect abstracts the two ingress wire formats over one handler flow.
type dialect interface {
	decode(body []byte) (*wire.Request, error)
	writeResponse(w http.ResponseWriter, requestID string, resp *wire.Response) error
	streamChunk(sw *stream.Writer, enc *wire.AnthropicStreamEncoder, requestID, model string, c *wire.Chunk) error
	streamError(sw *stream.Writer, enc *wire.AnthropicStreamEncoder, message string)
	streamClose(sw *stream.Writer) error
}

type openaiDialect struct{}

func (openaiDialect) decode(body []byte) (*wire.Request, error) {
	return wire.DecodeOpenAIRequest(body)
}

func (openaiDialect) writeResponse(w http.ResponseWriter, requestID string, resp *wire.Response) error {
	payload, err := wire.EncodeOpenAIResponse(requestID, resp)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(payload)
	return err
}

func (openaiDialect) streamChunk(sw *stream.Writer, _ *wire.AnthropicStreamEncoder, requestID, model string, c *wire.Chunk) error {
	payload, err := wire.EncodeOpenAIChunk(requestID, model, c)
	if err != nil {
		return err
	}
	return sw.WriteRaw("", payload)
}

func (openaiDialect) streamError(sw *stream.Writer, _ *wire.AnthropicStreamEncoder, message string) {
	sw.WriteData(map[string]any{"error": map[string]string{"type": "upstream_error", "message": message}})
}

func (openaiDialect) streamClose(sw *stream.Writer) error {
	return sw.WriteDone()
}

type anthropicDialect struct{}

func (anthropicDialect) decode(body []byte) (*wire.Request, error) {
	return wire.DecodeAnthropicRequest(body)
}

func (anthropicDialect) writeResponse(w http.ResponseWriter, requestID string, resp *wire.Response) error {
	payload, err := wire.EncodeAnthropicResponse(requestID, resp)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(payload)
	return err
}

func (anthropicDialect) streamChunk(sw *stream.Writer, enc *wire.AnthropicStreamEncoder, _, _ string, c *wire.Chunk) error {
	for _, evt := range enc.Encode(c) {
		if err := sw.WriteRaw(evt.Name, evt.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (anthropicDialect) streamError(sw *stream.Writer, enc *wire.AnthropicStreamEncoder, message string) {
	evt := enc.EncodeError(message)
	sw.WriteRaw(evt.Name, evt.Payload)
}

func (anthropicDialect) streamClose(*stream.Writer) error {
	return nil // message_stop already closed the Anthropic sequence
}

// serveCompletion is the shared decode → analyze → route → dispatch flow.
func (s *Server) serveCompletion(w http.ResponseWriter, r *http.Request, d dialect) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	req, err := d.decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid messages: "+err.Error())
		return
	}
	if req.SessionID = r.Header.Get(sessionHeader); req.SessionID == "" {
		req.SessionID = req.Metadata["session_id"]
	}

	cfg := s.config()
	hints := analyze.Analyze(req, s.estimator, cfg.AnalyzeOptions())

	decision, err := s.router.Route(r.Context(), req, hints)
	if err != nil {
		s.writeRouteError(w, err)
		return
	}

	requestID := "chatcmpl-" + uuid.NewString()
	setDecisionHeaders(w, decision, hints)
	rec := metrics.DecisionRecord{
		Timestamp:   time.Now(),
		Fingerprint: metrics.Fingerprint(body),
		Phase:       string(decision.Phase),
		Provider:    decision.Provider,
		Model:       decision.Model,
		Scenario:    decision.Scenario,
		Reason:      decision.Reason,
		TokenCount:  hints.TokenCount,
		DecisionNs:  decision.DecisionTime.Nanoseconds(),
	}

	if req.Stream {
		s.streamCompletion(w, r, d, req, decision, requestID, rec)
	} else {
		s.completeOnce(w, r, d, req, decision, hints, requestID, rec)
	}
}

// completeOnce dispatches a non-streaming request, re-deciding at most
// once when a retryable upstream failure hits a non-explicit decision.
// Explicit and alias routes are never rerouted: the user named a target
// and gets that target's failure.
func (s *Server) completeOnce(w http.ResponseWriter, r *http.Request, d dialect, req *wire.Request, decision router.Decision, hints analyze.Hints, requestID string, rec metrics.DecisionRecord) {
	start := time.Now()
	resp, err := s.dispatch(r.Context(), req, decision)
	if err != nil && s.canReroute(decision, err) {
		s.registry.MarkCooldown(decision.Provider, registry.ClassifyError(err.Error()))
		if s.metrics != nil {
			s.metrics.RecordFallback("retry")
		}
		if redecision, rerr := s.router.Route(r.Context(), req, hints); rerr == nil && redecision.Provider != decision.Provider {
			L_info("http: retrying on alternative provider",
				"from", decision.Provider, "to", redecision.Provider, "cause", err)
			decision = redecision
			setDecisionHeaders(w, decision, hints)
			rec.Phase, rec.Provider, rec.Model = string(decision.Phase), decision.Provider, decision.Model
			resp, err = s.dispatch(r.Context(), req, decision)
		}
	}

	rec.Duration = time.Since(start)
	if err != nil {
		s.registry.RecordOutcome(decision.Provider, rec.Duration, false)
		status := upstreamStatus(err)
		rec.UpstreamSt = status
		rec.ClientSt = status
		s.record(r.Context(), req, decision, rec)
		writeError(w, status, "upstream_error", registry.FormatErrorForUser(err.Error(), registry.ClassifyError(err.Error())))
		return
	}
	s.registry.RecordOutcome(decision.Provider, rec.Duration, true)

	rec.UpstreamSt = http.StatusOK
	rec.ClientSt = http.StatusOK
	s.record(r.Context(), req, decision, rec)

	if err := d.writeResponse(w, requestID, resp); err != nil {
		L_debug("http: client write failed", "error", err)
	}
}

// streamCompletion runs the streaming bridge: the adapter produces chunks
// on its own goroutine, the dialect encoder consumes them here, with the
// bounded channel in stream.Pump providing backpressure. Failures after
// the 200 header are delivered in-stream.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, d dialect, req *wire.Request, decision router.Decision, requestID string, rec metrics.DecisionRecord) {
	pcfg, ok := s.registry.Get(decision.Provider)
	if !ok {
		writeError(w, http.StatusBadGateway, "bad_gateway", "routed provider vanished from registry")
		return
	}
	client, err := adapter.NewWithOptions(r.Context(), pcfg, adapter.Options{Tokens: s.tokens})
	if err != nil {
		writeError(w, adapterErrorStatus(err), "bad_gateway", err.Error())
		return
	}
	defer client.Close()

	dispatchReq := *req
	dispatchReq.Model = decision.Model

	sw := stream.NewWriter(w)
	enc := wire.NewAnthropicStreamEncoder(requestID, decision.Model)
	start := time.Now()
	var firstByte time.Time
	var bytesOut int64

	streamCtx := r.Context()
	if timeout := s.config().Proxy.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(streamCtx, timeout)
		defer cancel()
	}

	produce := func(ctx context.Context, onChunk func(*wire.Chunk) error) error {
		return client.DispatchStream(ctx, &dispatchReq, onChunk)
	}
	consume := func(c *wire.Chunk) error {
		if firstByte.IsZero() {
			firstByte = time.Now()
		}
		bytesOut += int64(len(c.TextDelta) + len(c.ThinkingDelta))
		return d.streamChunk(sw, enc, requestID, decision.Model, c)
	}

	err = stream.Pump(streamCtx, produce, consume)

	rec.Duration = time.Since(start)
	if !firstByte.IsZero() {
		rec.TTFB = firstByte.Sub(start)
	}
	rec.BytesOut = bytesOut

	if err != nil && r.Context().Err() == nil {
		if sw.Started() {
			// The 200 is committed; the error travels in-stream.
			d.streamError(sw, enc, registry.FormatErrorForUser(err.Error(), registry.ClassifyError(err.Error())))
			d.streamClose(sw)
			rec.UpstreamSt = http.StatusBadGateway
			rec.ClientSt = http.StatusOK
		} else {
			status := upstreamStatus(err)
			rec.UpstreamSt = status
			rec.ClientSt = status
			writeError(w, status, "upstream_error", registry.FormatErrorForUser(err.Error(), registry.ClassifyError(err.Error())))
		}
		s.registry.RecordOutcome(decision.Provider, rec.Duration, false)
		s.record(r.Context(), req, decision, rec)
		return
	}

	d.streamClose(sw)
	s.registry.RecordOutcome(decision.Provider, rec.Duration, true)
	rec.UpstreamSt = http.StatusOK
	rec.ClientSt = http.StatusOK
	s.record(r.Context(), req, decision, rec)
}

// dispatch resolves the adapter for decision and runs one non-streaming
// round trip.
func (s *Server) dispatch(ctx context.Context, req *wire.Request, decision router.Decision) (*wire.Response, error) {
	pcfg, ok := s.registry.Get(decision.Provider)
	if !ok {
		return nil, fmt.Errorf("provider %q vanished from registry", decision.Provider)
	}
	client, err := adapter.NewWithOptions(ctx, pcfg, adapter.Options{Tokens: s.tokens})
	if err != nil {
		return nil, err
	}
	defer client.Close()

	dispatchReq := *req
	dispatchReq.Model = decision.Model

	timeout := s.config().Proxy.Timeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return client.Dispatch(ctx, &dispatchReq)
}

// canReroute applies the recovery policy: only non-explicit decisions,
// only failover-class errors.
func (s *Server) canReroute(decision router.Decision, err error) bool {
	if decision.Phase == router.PhaseExplicit || decision.Phase == router.PhaseAlias {
		return false
	}
	return registry.IsFailoverError(registry.ClassifyError(err.Error()))
}

// record persists the decision to the metrics log and the session store.
func (s *Server) record(ctx context.Context, req *wire.Request, decision router.Decision, rec metrics.DecisionRecord) {
	if s.metrics != nil {
		s.metrics.RecordDecision(rec)
	}
	if s.sessions != nil && req.SessionID != "" && rec.ClientSt == http.StatusOK {
		hint := session.DecisionHint{
			Provider:  decision.Provider,
			Model:     decision.Model,
			Scenario:  decision.Scenario,
			Phase:     string(decision.Phase),
			Timestamp: time.Now(),
		}
		if err := s.sessions.Record(ctx, req.SessionID, hint); err != nil {
			L_debug("http: session record failed", "session", req.SessionID, "error", err)
		}
	}
}

// setDecisionHeaders exposes the routing decision to the client — the
// proxy's transparency channel.
func setDecisionHeaders(w http.ResponseWriter, d router.Decision, hints analyze.Hints) {
	h := w.Header()
	h.Set("X-Router-Provider", d.Provider)
	h.Set("X-Router-Model", d.Model)
	h.Set("X-Router-Scenario", d.ScenarioLabel())
	h.Set("X-Router-Phase", string(d.Phase))
	h.Set("X-Router-Token-Count", strconv.Itoa(hints.TokenCount))
}

// writeRouteError maps router errors to the ingress error taxonomy.
func (s *Server) writeRouteError(w http.ResponseWriter, err error) {
	var badReq *router.ErrBadRequest
	var tooLarge *router.ErrPayloadTooLarge
	var noRoute *router.ErrNoRoute
	switch {
	case errors.As(err, &badReq):
		writeError(w, http.StatusBadRequest, "bad_request", badReq.Error())
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusBadRequest, "payload_too_large", tooLarge.Error())
	case errors.As(err, &noRoute):
		writeError(w, http.StatusInternalServerError, "no_route", noRoute.Error())
	default:
		L_error("http: unexpected routing failure", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func upstreamStatus(err error) int {
	var authErr *tokenmgr.AuthError
	if errors.As(err, &authErr) {
		return http.StatusBadGateway
	}
	switch registry.ClassifyError(err.Error()) {
	case registry.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case registry.ErrorTypeRateLimit, registry.ErrorTypeOverloaded:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func adapterErrorStatus(err error) int {
	return upstreamStatus(err)
}

// handleModels serves GET /v1/models: the union of every healthy,
// enabled provider's catalog in the OpenAI list shape.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	names := s.registry.Names()
	sort.Strings(names)

	var data []modelEntry
	for _, name := range names {
		cfg, ok := s.registry.Get(name)
		if !ok || cfg.Disabled || !s.registry.Healthy(name) || s.registry.IsInCooldown(name) {
			continue
		}
		for _, m := range cfg.Models {
			data = append(data, modelEntry{ID: m, Object: "model", OwnedBy: name})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

// handleHealth serves GET /health: process liveness only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleHealthDetailed serves GET /health/detailed: per-provider health.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	statuses := s.registry.Status()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	type providerHealth struct {
		Name        string  `json:"name"`
		Driver      string  `json:"driver"`
		Healthy     bool    `json:"healthy"`
		InCooldown  bool    `json:"in_cooldown"`
		Reason      string  `json:"cooldown_reason,omitempty"`
		SuccessRate float64 `json:"success_rate"`
		LatencyP95  string  `json:"latency_p95"`
	}

	out := make([]providerHealth, 0, len(statuses))
	allHealthy := true
	for _, st := range statuses {
		if st.Disabled {
			continue
		}
		if !st.Healthy || st.InCooldown {
			allHealthy = false
		}
		out = append(out, providerHealth{
			Name:        st.Name,
			Driver:      string(st.Driver),
			Healthy:     st.Healthy,
			InCooldown:  st.InCooldown,
			Reason:      string(st.Reason),
			SuccessRate: st.SuccessRate,
			LatencyP95:  st.LatencyP95.String(),
		})
	}

	status := "ok"
	if !allHealthy {
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": status, "providers": out})
}

// handleMetrics serves GET /metrics?format=json|yaml.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, "not_found", "metrics disabled")
		return
	}
	format := r.URL.Query().Get("format")
	out, err := metrics.Export(s.metrics.Snapshot(64), format)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if format == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Write(out)
}
