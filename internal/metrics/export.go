package metrics

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Export renders a snapshot in the requested format, for the metrics
// endpoint. Supported formats: "json" (default) and "yaml".
func Export(snap Snapshot, format string) ([]byte, error) {
	switch format {
	case "", "json":
		return json.MarshalIndent(snap, "", "  ")
	case "yaml":
		return yaml.Marshal(snap)
	default:
		return nil, fmt.Errorf("metrics: unknown export format %q", format)
	}
}
