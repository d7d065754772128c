package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// Query evaluates a jq expression against the decoded configuration and
// returns the results, one JSON document per line. Operators use it via
// `validate-config --query` to inspect what the proxy actually resolved —
// after defaults merging and $ENV expansion — rather than what the file
// literally says.
func Query(cfg *Config, expr string) (string, error) {
	q, err := gojq.Parse(expr)
	if err != nil {
		return "", fmt.Errorf("config: parse query %q: %w", expr, err)
	}

	// Round-trip through JSON to get the any-typed tree gojq wants.
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}

	var out strings.Builder
	iter := q.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return "", fmt.Errorf("config: query: %w", err)
		}
		line, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	return out.String(), nil
}
