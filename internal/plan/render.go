package plan

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format selects a plan render view.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Render serializes the plan in the requested format. JSON is the storage
// format; YAML and TOML are read-only views derived from it, never parsed
// back into the store.
func (p *Plan) Render(format Format) ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan: %w", err)
	}

	switch format {
	case FormatJSON, "":
		return data, nil

	case FormatYAML:
		var view map[string]any
		if err := json.Unmarshal(data, &view); err != nil {
			return nil, fmt.Errorf("failed to build render view: %w", err)
		}
		out, err := yaml.Marshal(view)
		if err != nil {
			return nil, fmt.Errorf("failed to render yaml: %w", err)
		}
		return out, nil

	case FormatTOML:
		var view map[string]any
		if err := json.Unmarshal(data, &view); err != nil {
			return nil, fmt.Errorf("failed to build render view: %w", err)
		}
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(view); err != nil {
			return nil, fmt.Errorf("failed to render toml: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unknown render format %q", format)
	}
}

// Render returns the current plan in the requested format.
func (s *Store) Render(format Format) ([]byte, error) {
	return s.Snapshot().Render(format)
}
