package taxonomy

import "testing"

func TestAutomatonBasicMatch(t *testing.T) {
	entries := []*TaxonomyEntry{
		{Scenario: "code_review", Synonyms: []string{"review this pr", "check my diff"}, Provider: "anthropic", Model: "claude-opus-4-5", Priority: 10},
		{Scenario: "translate", Synonyms: []string{"translate to french"}, Provider: "openai", Model: "gpt-5", Priority: 20},
	}
	a := Build(entries)

	m := a.Best("can you review this pr for me?")
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.Entry.Scenario != "code_review" {
		t.Errorf("matched scenario = %q, want code_review", m.Entry.Scenario)
	}
}

func TestAutomatonCaseInsensitive(t *testing.T) {
	a := Build([]*TaxonomyEntry{
		{Scenario: "s1", Synonyms: []string{"Hello World"}, Provider: "p", Model: "m", Priority: 1},
	})
	if a.Best("say HELLO WORLD now") == nil {
		t.Fatal("expected case-insensitive match")
	}
}

func TestAutomatonNoMatch(t *testing.T) {
	a := Build([]*TaxonomyEntry{
		{Scenario: "s1", Synonyms: []string{"specific phrase"}, Provider: "p", Model: "m", Priority: 1},
	})
	if a.Best("totally unrelated text") != nil {
		t.Fatal("expected no match")
	}
}

func TestAutomatonPriorityTieBreak(t *testing.T) {
	// Two entries both match the same text; the lower-priority-value entry wins.
	a := Build([]*TaxonomyEntry{
		{Scenario: "weak", Synonyms: []string{"help"}, Provider: "p1", Model: "m1", Priority: 50},
		{Scenario: "strong", Synonyms: []string{"help"}, Provider: "p2", Model: "m2", Priority: 1},
	})
	m := a.Best("please help me")
	if m == nil || m.Entry.Scenario != "strong" {
		t.Fatalf("expected 'strong' to win tie-break, got %+v", m)
	}
}

func TestAutomatonOverlappingPatterns(t *testing.T) {
	// Aho-Corasick classic: "he", "she", "his", "hers" over "ushers"
	a := Build([]*TaxonomyEntry{
		{Scenario: "a", Synonyms: []string{"he"}, Priority: 1},
		{Scenario: "b", Synonyms: []string{"she"}, Priority: 1},
		{Scenario: "c", Synonyms: []string{"his"}, Priority: 1},
		{Scenario: "d", Synonyms: []string{"hers"}, Priority: 1},
	})
	matches := a.Find("ushers")
	found := map[string]bool{}
	for _, m := range matches {
		found[m.Pattern] = true
	}
	for _, want := range []string{"she", "he", "hers"} {
		if !found[want] {
			t.Errorf("expected to find pattern %q in 'ushers', matches=%+v", want, matches)
		}
	}
}

func TestAutomatonEmpty(t *testing.T) {
	a := Build(nil)
	if a.Best("anything") != nil {
		t.Fatal("empty automaton should never match")
	}
}
