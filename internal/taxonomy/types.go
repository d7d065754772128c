// Package taxonomy loads a knowledge-graph taxonomy of scenario synonyms
// from line-oriented markdown files (route::, synonyms::, priority::
// directives) and compiles them into an Aho-Corasick automaton (C3),
// giving the router (C5) sub-millisecond lookup from request text to a
// routed (provider, model) pair.
package taxonomy

// TaxonomyEntry binds a scenario's synonym phrases to a concrete route.
// Priority is lower-wins: when two entries' patterns both match, the one
// with the lower Priority value is preferred.
type TaxonomyEntry struct {
	Scenario string
	Synonyms []string // lowercased at load time
	Provider string
	Model    string
	Priority int
}

// Match is one automaton hit against a piece of input text.
type Match struct {
	Entry    *TaxonomyEntry
	Pattern  string // the matched synonym, lowercased
	Start    int    // byte offset in the lowercased input where the match starts
	End      int    // byte offset (exclusive) where the match ends
	PatternID int
}
