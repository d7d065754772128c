package router

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/analyze"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/registry"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/session"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/taxonomy"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

// hardDecisionBudget is the hard ceiling on routing time. It is checked
// once, after the Pattern phase: past it the Session, Cost and Performance
// phases are skipped and the chain degrades straight to the scenario
// fallback. Observed decisions run two orders of magnitude under
// this; the guard exists for pathological taxonomy/session states.
const hardDecisionBudget = 50 * time.Millisecond

// Performance-phase score weights: success rate dominates, p95 latency
// (seconds) subtracts, throughput (req/min) nudges ties.
const (
	perfWeightSuccess    = 1.0
	perfWeightLatency    = 0.1
	perfWeightThroughput = 0.01
)

// Router resolves a decoded request to a provider/model pair.
type Router struct {
	registry *registry.Registry
	taxonomy *taxonomy.Store
	sessions *session.Manager

	mu  sync.RWMutex
	cfg Config
}

// New builds a Router. tax and sessions may be nil, in which case the
// Pattern and Session phases are skipped.
func New(reg *registry.Registry, tax *taxonomy.Store, sessions *session.Manager, cfg Config) *Router {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyFillFirst
	}
	return &Router{registry: reg, taxonomy: tax, sessions: sessions, cfg: cfg}
}

// SetConfig swaps the router configuration, for hot reload. In-flight
// decisions keep the snapshot they started with.
func (r *Router) SetConfig(cfg Config) {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyFillFirst
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Route walks the phase chain and returns the first usable decision.
func (r *Router) Route(ctx context.Context, req *wire.Request, hints analyze.Hints) (Decision, error) {
	start := time.Now()
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	d, err := r.route(ctx, req, hints, cfg, start)
	if err != nil {
		return Decision{}, err
	}
	d.DecisionTime = time.Since(start)
	logging.L_debug("router: decision",
		"phase", d.Phase, "provider", d.Provider, "model", d.Model,
		"scenario", d.Scenario, "took", d.DecisionTime)
	return d, nil
}

func (r *Router) route(ctx context.Context, req *wire.Request, hints analyze.Hints, cfg Config, start time.Time) (Decision, error) {
	// Phase 0 — explicit provider:model / provider,model.
	if d, err, done := r.routeExplicit(req.Model, hints); done {
		return d, err
	}

	// Phase 0a — model alias. A hit resolves to an explicit target and
	// rejoins Phase 0 semantics; pattern matching is bypassed by design.
	if d, err, done := r.routeAlias(req.Model, hints, cfg.Aliases); done {
		return d, err
	}

	// Phase 1 — taxonomy pattern match on the user query.
	if d, err, done := r.routePattern(hints); done {
		return d, err
	}

	if time.Since(start) > hardDecisionBudget {
		logging.L_warn("router: decision over hard budget, degrading to fallback", "elapsed", time.Since(start))
		return r.routeScenarioFallback(req.Model, hints, cfg)
	}

	// Phase 2 — session continuity for recent pattern decisions.
	if d, ok := r.routeSession(ctx, req.SessionID, hints); ok {
		return d, nil
	}

	// Phase 3 — cost optimization.
	if cfg.Strategy == StrategyCostFirst || cfg.Strategy == StrategyBalanced {
		if d, ok := r.routeCost(hints); ok {
			return d, nil
		}
	}

	// Phase 4 — performance optimization.
	if cfg.Strategy == StrategyQualityFirst || cfg.Strategy == StrategyBalanced {
		if d, ok := r.routePerformance(hints); ok {
			return d, nil
		}
	}

	// Phase 5 — scenario fallback.
	return r.routeScenarioFallback(req.Model, hints, cfg)
}

// splitExplicit recognizes the "provider:model" and "provider,model"
// explicit spellings. A model name containing both separators is split at
// whichever comes first.
func splitExplicit(model string) (provider, rest string, ok bool) {
	sep := strings.IndexAny(model, ":,")
	if sep <= 0 || sep == len(model)-1 {
		return "", "", false
	}
	return strings.TrimSpace(model[:sep]), strings.TrimSpace(model[sep+1:]), true
}

// routeExplicit handles Phase 0. done is true when this phase fully
// resolved the request — either to a decision or to a terminal error. An
// explicit reference to an unknown provider is a BadRequest, never a
// silent fall-through: the user named a provider and deserves to hear it
// doesn't exist. Health is deliberately not consulted here (an explicit
// request to a sick provider surfaces as BadGateway at dispatch, per the
// respect-user-intent rule).
func (r *Router) routeExplicit(model string, hints analyze.Hints) (Decision, error, bool) {
	providerName, rest, ok := splitExplicit(model)
	if !ok {
		return Decision{}, nil, false
	}

	cfg, found := r.getProvider(providerName)
	if !found {
		return Decision{}, &ErrBadRequest{Reason: fmt.Sprintf("unknown provider %q in model %q", providerName, model)}, true
	}

	if err := r.gate(cfg, rest, hints); err != nil {
		return Decision{}, err, true
	}
	return Decision{
		Provider: cfg.Name,
		Model:    rest,
		Phase:    PhaseExplicit,
		Reason:   "explicit provider in model name",
	}, nil, true
}

// routeAlias handles Phase 0a. Alias From patterns support globs; when
// several match, the longest pattern string wins (most specific intent).
// The resolved target is treated exactly like an explicit request.
func (r *Router) routeAlias(model string, hints analyze.Hints, aliases []Alias) (Decision, error, bool) {
	if model == "" || len(aliases) == 0 {
		return Decision{}, nil, false
	}

	var best *Alias
	for i := range aliases {
		a := &aliases[i]
		matched := a.From == model
		if !matched {
			if ok, err := path.Match(a.From, model); err == nil && ok {
				matched = true
			}
		}
		if matched && (best == nil || len(a.From) > len(best.From)) {
			best = a
		}
	}
	if best == nil {
		return Decision{}, nil, false
	}

	cfg, found := r.getProvider(best.To.Provider)
	if !found {
		return Decision{}, &ErrBadRequest{
			Reason: fmt.Sprintf("alias %q targets unknown provider %q", best.From, best.To.Provider),
		}, true
	}
	if err := r.gate(cfg, best.To.Model, hints); err != nil {
		return Decision{}, err, true
	}
	return Decision{
		Provider: cfg.Name,
		Model:    best.To.Model,
		Phase:    PhaseAlias,
		Reason:   "alias " + best.From,
	}, nil, true
}

// patternScore implements the Phase 1 scoring rule: match length relative
// to the query, dampened when the match starts past the first fifth of the
// query. Longer matched phrases never score lower than shorter ones at the
// same position.
func patternScore(m taxonomy.Match, queryLen int) float64 {
	if queryLen == 0 {
		return 0
	}
	score := float64(m.End-m.Start) / float64(queryLen)
	if m.Start*5 >= queryLen { // starts at or past the 20% mark
		score *= 0.75
	}
	return score
}

// routePattern handles Phase 1. Matches are ranked by score; a winning
// match whose target provider is not configured is dropped with a log line
// and the next match is tried — this condition alone never errors to the
// client. A winning match whose provider can't hold the payload IS
// terminal (PayloadTooLarge), since the taxonomy told us exactly where
// this request was supposed to go.
func (r *Router) routePattern(hints analyze.Hints) (Decision, error, bool) {
	if r.taxonomy == nil || hints.UserQuery == "" {
		return Decision{}, nil, false
	}
	automaton := r.taxonomy.Automaton()
	if automaton == nil {
		return Decision{}, nil, false
	}

	matches := automaton.Find(hints.UserQuery)
	if len(matches) == 0 {
		return Decision{}, nil, false
	}

	// Stable sort by descending score; equal scores keep Find's frozen
	// priority/end/pattern-id ordering.
	queryLen := len(hints.UserQuery)
	sort.SliceStable(matches, func(i, j int) bool {
		return patternScore(matches[i], queryLen) > patternScore(matches[j], queryLen)
	})

	for _, m := range matches {
		cfg, found := r.getProvider(m.Entry.Provider)
		if !found {
			logging.L_warn("router: pattern-match-dropped",
				"scenario", m.Entry.Scenario, "pattern", m.Pattern,
				"reason", "target provider not configured", "provider", m.Entry.Provider)
			continue
		}
		if r.registry != nil && r.registry.IsInCooldown(cfg.Name) {
			logging.L_debug("router: pattern target in cooldown, trying next match", "provider", cfg.Name)
			continue
		}
		if err := r.gate(cfg, m.Entry.Model, hints); err != nil {
			return Decision{}, err, true
		}
		return Decision{
			Provider: cfg.Name,
			Model:    m.Entry.Model,
			Scenario: m.Entry.Scenario,
			Phase:    PhasePattern,
			Reason:   "taxonomy match: " + m.Pattern,
		}, nil, true
	}
	return Decision{}, nil, false
}

// routeSession handles Phase 2: reuse the most recent Pattern decision for
// this session, but only while its scenario still matches the current
// query — a conversation that drifted off-topic stops being sticky.
func (r *Router) routeSession(ctx context.Context, sessionID string, hints analyze.Hints) (Decision, bool) {
	if r.sessions == nil || sessionID == "" {
		return Decision{}, false
	}
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return Decision{}, false
	}
	last, ok := sess.MostRecentPattern()
	if !ok {
		return Decision{}, false
	}

	if !r.scenarioStillMatches(last.Scenario, hints.UserQuery) {
		return Decision{}, false
	}
	cfg, found := r.getProvider(last.Provider)
	if !found || (r.registry != nil && r.registry.IsInCooldown(cfg.Name)) {
		return Decision{}, false
	}
	if !cfg.CanServe(hints.TokenCount, hints.HasTools, hints.HasImage, hints.HasThinkingFlag) {
		return Decision{}, false
	}
	return Decision{
		Provider: cfg.Name,
		Model:    last.Model,
		Scenario: last.Scenario,
		Phase:    PhaseSession,
		Reason:   "session continuity for scenario " + last.Scenario,
	}, true
}

func (r *Router) scenarioStillMatches(scenario, query string) bool {
	if r.taxonomy == nil || query == "" {
		return false
	}
	automaton := r.taxonomy.Automaton()
	if automaton == nil {
		return false
	}
	for _, m := range automaton.Find(query) {
		if m.Entry.Scenario == scenario {
			return true
		}
	}
	return false
}

// routeCost handles Phase 3: estimated spend = token count x input cost,
// minimized across capable, healthy providers. Ties go to the provider
// with the higher measured throughput.
func (r *Router) routeCost(hints analyze.Hints) (Decision, bool) {
	cands := r.capableCandidates(hints)
	if len(cands) == 0 {
		return Decision{}, false
	}

	best := cands[0]
	bestCost := float64(hints.TokenCount) * best.CostInputPerMTok
	for _, c := range cands[1:] {
		cost := float64(hints.TokenCount) * c.CostInputPerMTok
		switch {
		case cost < bestCost:
			best, bestCost = c, cost
		case cost == bestCost && r.registry.Throughput(c.Name) > r.registry.Throughput(best.Name):
			best = c
		}
	}
	return Decision{
		Provider: best.Name,
		Model:    best.Models[0],
		Phase:    PhaseCost,
		Reason:   fmt.Sprintf("cheapest capable provider (%.4f $/req est)", bestCost/1e6),
	}, true
}

// routePerformance handles Phase 4: weighted score of success rate, p95
// latency, and throughput across capable, healthy providers. Ties break by
// configured priority, then name, to stay deterministic.
func (r *Router) routePerformance(hints analyze.Hints) (Decision, bool) {
	cands := r.capableCandidates(hints)
	if len(cands) == 0 {
		return Decision{}, false
	}

	score := func(c registry.ProviderConfig) float64 {
		return perfWeightSuccess*r.registry.SuccessRate(c.Name) -
			perfWeightLatency*r.registry.LatencyP95(c.Name).Seconds() +
			perfWeightThroughput*r.registry.Throughput(c.Name)
	}

	best := cands[0]
	bestScore := score(best)
	for _, c := range cands[1:] {
		s := score(c)
		if s > bestScore || (s == bestScore && c.Priority < best.Priority) {
			best, bestScore = c, s
		}
	}
	return Decision{
		Provider: best.Name,
		Model:    best.Models[0],
		Phase:    PhasePerformance,
		Reason:   fmt.Sprintf("best performance score %.3f", bestScore),
	}, true
}

// routeScenarioFallback handles Phase 5: map hints to a configured
// scenario route in fixed precedence order. A missing or unusable scenario
// route falls back to the default route; a missing default route is the
// one condition that errors.
func (r *Router) routeScenarioFallback(requestedModel string, hints analyze.Hints, cfg Config) (Decision, error) {
	type scenarioRoute struct {
		name  string
		route Route
		want  bool
	}
	ordered := []scenarioRoute{
		{ScenarioImage, cfg.Image, hints.HasImage},
		{ScenarioWebSearch, cfg.WebSearch, hints.HasWebSearchTool},
		{ScenarioLongContext, cfg.LongContext, hints.IsLongContext},
		{ScenarioThink, cfg.Think, hints.HasThinkingFlag},
		{ScenarioBackground, cfg.Background, hints.IsBackground},
	}

	for _, s := range ordered {
		if !s.want || s.route.IsZero() {
			continue
		}
		if d, ok := r.tryRoute(s.name, s.route, hints); ok {
			return d, nil
		}
		logging.L_debug("router: scenario route unusable, falling back to default", "scenario", s.name, "provider", s.route.Provider)
		break
	}

	if cfg.Default.IsZero() {
		return Decision{}, &ErrNoRoute{RequestedModel: requestedModel}
	}
	pcfg, found := r.getProvider(cfg.Default.Provider)
	if !found {
		return Decision{}, &ErrNoRoute{RequestedModel: requestedModel}
	}
	// The default route is the last resort: capability failure here is
	// terminal and reported with actionable alternatives.
	if err := r.gate(pcfg, cfg.Default.Model, hints); err != nil {
		return Decision{}, err
	}
	return Decision{
		Provider: pcfg.Name,
		Model:    cfg.Default.Model,
		Scenario: ScenarioDefault,
		Phase:    PhaseScenarioFallback,
		Reason:   "default route",
	}, nil
}

// tryRoute checks a scenario route for existence, health, and capability.
func (r *Router) tryRoute(scenario string, route Route, hints analyze.Hints) (Decision, bool) {
	cfg, found := r.getProvider(route.Provider)
	if !found {
		logging.L_warn("router: scenario route targets unconfigured provider", "scenario", scenario, "provider", route.Provider)
		return Decision{}, false
	}
	if r.registry != nil && (r.registry.IsInCooldown(cfg.Name) || !r.registry.Healthy(cfg.Name)) {
		return Decision{}, false
	}
	if !cfg.CanServe(hints.TokenCount, hints.HasTools, hints.HasImage, hints.HasThinkingFlag) {
		return Decision{}, false
	}
	return Decision{
		Provider: cfg.Name,
		Model:    route.Model,
		Scenario: scenario,
		Phase:    PhaseScenarioFallback,
		Reason:   scenario + " route",
	}, true
}

// capableCandidates returns enabled, healthy, capability-passing providers
// with at least one model, in sorted-name order for determinism.
func (r *Router) capableCandidates(hints analyze.Hints) []registry.ProviderConfig {
	if r.registry == nil {
		return nil
	}
	names := r.registry.Names()
	sort.Strings(names)

	var out []registry.ProviderConfig
	for _, name := range names {
		cfg, ok := r.registry.Get(name)
		if !ok || cfg.Disabled || len(cfg.Models) == 0 {
			continue
		}
		if r.registry.IsInCooldown(name) || !r.registry.Healthy(name) {
			continue
		}
		if !cfg.CanServe(hints.TokenCount, hints.HasTools, hints.HasImage, hints.HasThinkingFlag) {
			continue
		}
		out = append(out, cfg)
	}
	return out
}

// gate enforces the capability check on an explicit/alias/pattern/default
// target, converting an oversized payload into ErrPayloadTooLarge with the
// configured alternatives listed.
func (r *Router) gate(cfg registry.ProviderConfig, model string, hints analyze.Hints) error {
	if cfg.Capability.MaxContext > 0 && hints.TokenCount > cfg.Capability.MaxContext {
		return &ErrPayloadTooLarge{
			Provider:   cfg.Name,
			Model:      model,
			MaxContext: cfg.Capability.MaxContext,
			TokenCount: hints.TokenCount,
			Candidates: r.largerContextCandidates(hints.TokenCount),
		}
	}
	return nil
}

func (r *Router) largerContextCandidates(needTokens int) []string {
	if r.registry == nil {
		return nil
	}
	names := r.registry.Names()
	sort.Strings(names)
	var out []string
	for _, name := range names {
		cfg, ok := r.registry.Get(name)
		if !ok || cfg.Disabled {
			continue
		}
		if cfg.Capability.MaxContext >= needTokens && cfg.Capability.MaxContext > 0 {
			out = append(out, fmt.Sprintf("%s (%d ctx)", name, cfg.Capability.MaxContext))
		}
	}
	return out
}

func (r *Router) getProvider(name string) (registry.ProviderConfig, bool) {
	if r.registry == nil || name == "" {
		return registry.ProviderConfig{}, false
	}
	return r.registry.Get(name)
}
