// Package session provides bounded per-session routing hints: the last
// few routing decisions made for a conversation and a small map of
// providers the session has drifted towards, used by the router's
// Session phase (C12 in the design ledger). It intentionally does not
// store conversation transcripts — this proxy is stateless with respect
// to message content.
package session

import "time"

// RingSize bounds how many recent routing decisions a session remembers.
const RingSize = 16

// DecisionHint is the slice of a RoutingDecision worth remembering for
// future requests in the same session.
type DecisionHint struct {
	Provider  string
	Model     string
	Scenario  string
	Phase     string
	Timestamp time.Time
}

// Hints is the per-session routing memory: a bounded ring of recent
// decisions plus a small map of providers the session prefers.
type Hints struct {
	ID                 string
	LastDecisions      []DecisionHint // ring buffer, oldest first, capped at RingSize
	PreferredProviders map[string]int // provider name -> times chosen
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Push appends a decision to the ring, evicting the oldest entry once
// RingSize is exceeded, and bumps the preferred-provider tally.
func (h *Hints) Push(d DecisionHint) {
	h.LastDecisions = append(h.LastDecisions, d)
	if len(h.LastDecisions) > RingSize {
		h.LastDecisions = h.LastDecisions[len(h.LastDecisions)-RingSize:]
	}
	if h.PreferredProviders == nil {
		h.PreferredProviders = make(map[string]int)
	}
	h.PreferredProviders[d.Provider]++
	h.UpdatedAt = d.Timestamp
}

// MostRecent returns the most recent decision hint, or the zero value and
// false if the session has none yet.
func (h *Hints) MostRecent() (DecisionHint, bool) {
	if len(h.LastDecisions) == 0 {
		return DecisionHint{}, false
	}
	return h.LastDecisions[len(h.LastDecisions)-1], true
}

// MostRecentPattern returns the newest decision hint whose Phase marks it
// as a taxonomy pattern match, or false if the ring holds none. The
// router's Session phase only ever reuses pattern decisions — explicit and
// fallback decisions are cheap to re-derive and shouldn't stick.
func (h *Hints) MostRecentPattern() (DecisionHint, bool) {
	for i := len(h.LastDecisions) - 1; i >= 0; i-- {
		if h.LastDecisions[i].Phase == "pattern" {
			return h.LastDecisions[i], true
		}
	}
	return DecisionHint{}, false
}

// PreferredProvider returns the provider most frequently chosen for this
// session, or "" if the session has no history.
func (h *Hints) PreferredProvider() string {
	best, bestCount := "", 0
	for p, c := range h.PreferredProviders {
		if c > bestCount {
			best, bestCount = p, c
		}
	}
	return best
}

// StoreConfig configures the storage backend.
type StoreConfig struct {
	Type string // "sqlite" or "memory"
	Path string // database file path (sqlite only)

	WALMode     bool // Enable WAL mode (default: true)
	BusyTimeout int  // Busy timeout in ms (default: 5000)
	TTL         time.Duration
}
