package taxonomy

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// ScenarioSubdir is the subdirectory of the configured taxonomy root that
// actually holds scenario files. Keeping scenarios under their own
// subdirectory lets the same root carry other knowledge-graph content
// without it being swept into the automaton.
const ScenarioSubdir = "routing_scenarios"

// DefaultPriority applies when a scenario file carries no priority:: line.
// Lower values win ties.
const DefaultPriority = 100

// ParseFile reads one scenario file. The file name (minus extension) is the
// scenario name; the body is a line grammar:
//
//	# comment
//	route:: provider, model
//	synonyms:: phrase one, phrase two, phrase three
//	priority:: 10
//
// Synonyms are lowercased and deduplicated within the file. A file missing
// its route:: or synonyms:: line is an error — a scenario that can't route
// anywhere or can't ever match is a config mistake, not a no-op.
func ParseFile(path string) (*TaxonomyEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("taxonomy: open %s: %w", path, err)
	}
	defer f.Close()

	entry := &TaxonomyEntry{
		Scenario: scenarioName(path),
		Priority: DefaultPriority,
	}

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "route::"):
			val := strings.TrimSpace(strings.TrimPrefix(line, "route::"))
			provider, model, ok := strings.Cut(val, ",")
			if !ok {
				return nil, fmt.Errorf("taxonomy: %s: route:: wants \"provider, model\", got %q", path, val)
			}
			entry.Provider = strings.TrimSpace(provider)
			entry.Model = strings.TrimSpace(model)

		case strings.HasPrefix(line, "synonyms::"):
			val := strings.TrimPrefix(line, "synonyms::")
			for _, syn := range strings.Split(val, ",") {
				syn = strings.ToLower(strings.TrimSpace(syn))
				if syn == "" || seen[syn] {
					continue
				}
				seen[syn] = true
				entry.Synonyms = append(entry.Synonyms, syn)
			}

		case strings.HasPrefix(line, "priority::"):
			val := strings.TrimSpace(strings.TrimPrefix(line, "priority::"))
			p, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("taxonomy: %s: bad priority:: %q", path, val)
			}
			entry.Priority = p
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("taxonomy: read %s: %w", path, err)
	}

	if entry.Provider == "" || entry.Model == "" {
		return nil, fmt.Errorf("taxonomy: %s: missing route:: line", path)
	}
	if len(entry.Synonyms) == 0 {
		return nil, fmt.Errorf("taxonomy: %s: missing synonyms:: line", path)
	}
	return entry, nil
}

func scenarioName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadDir loads every scenario file under root's routing_scenarios/
// subdirectory, recursively, in sorted-path order so pattern ids (and
// therefore match tie-breaks) are deterministic across reloads.
func LoadDir(root string) ([]*TaxonomyEntry, error) {
	dir := filepath.Join(root, ScenarioSubdir)

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("taxonomy: walk %s: %w", dir, err)
	}
	sort.Strings(paths)

	entries := make([]*TaxonomyEntry, 0, len(paths))
	for _, p := range paths {
		entry, err := ParseFile(p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// LoadAndBuild loads every scenario under root and compiles the automaton.
// A missing directory is not an error: pattern routing is simply disabled
// (empty automaton), logged once here so startup isn't silent about it.
func LoadAndBuild(root string) (*Automaton, []*TaxonomyEntry, error) {
	if _, err := os.Stat(filepath.Join(root, ScenarioSubdir)); os.IsNotExist(err) {
		L_warn("taxonomy: no scenario directory, pattern routing disabled",
			"dir", filepath.Join(root, ScenarioSubdir))
		return Build(nil), nil, nil
	}
	entries, err := LoadDir(root)
	if err != nil {
		return nil, nil, err
	}
	return Build(entries), entries, nil
}
