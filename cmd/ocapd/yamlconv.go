package main

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// yamlToJSON decodes YAML into a generic value (normalizing map keys to
// strings, which yaml.v3 doesn't do on its own) and re-encodes it as JSON
// into out, so subcluster configs authored as YAML files can be sent
// through the JSON-RPC launchSubcluster call unchanged.
func yamlToJSON(raw []byte, out *json.RawMessage) error {
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return err
	}
	v = normalizeYAML(v)
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	*out = b
	return nil
}

func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeYAML(vv)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeYAML(vv)
		}
		return out
	default:
		return v
	}
}
