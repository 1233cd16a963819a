package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type fileFormat string

const (
	formatJSON fileFormat = "json"
	formatYAML fileFormat = "yaml"
)

func formatOf(name string) fileFormat {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// toJSON returns data as JSON so both formats go through the same strict
// decoder. An empty YAML document decodes as an empty object.
func toJSON(name string, data []byte) ([]byte, error) {
	if formatOf(name) == formatJSON {
		return data, nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []byte("{}"), nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: yaml: %w", filepath.Base(name), err)
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("%s: yaml to json: %w", filepath.Base(name), err)
	}
	return out, nil
}

// stringKeys rewrites non-string map keys (e.g. `8: x`) so encoding/json
// accepts the tree.
func stringKeys(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			node[k] = stringKeys(child)
		}
		return node
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[fmt.Sprint(k)] = stringKeys(child)
		}
		return out
	case []any:
		for i, child := range node {
			node[i] = stringKeys(child)
		}
		return node
	}
	return v
}
