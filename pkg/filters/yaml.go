package filters

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MarshalYAML encodes unset as null
func (v Value) MarshalYAML() (interface{}, error) {
	switch {
	case !v.set:
		return nil, nil
	case v.kind == KindBool:
		return v.flag, nil
	default:
		return v.num, nil
	}
}

// UnmarshalYAML decodes null, numbers and booleans
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!null" {
		*v = Unset()
		return nil
	}
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := valueFrom(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*v = parsed
	return nil
}

// ParseYAML decodes a sectioned configuration and checks every name and kind
// against the rule table.
func ParseYAML(data []byte) (Config, error) {
	var raw map[Section]map[string]Value
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse filter config: %w", err)
	}
	cfg := NewConfig()
	for section, params := range raw {
		for name, v := range params {
			r, ok := Lookup(name)
			if !ok {
				return nil, fmt.Errorf("unknown parameter %q in section %q", name, section)
			}
			if r.Section != section {
				return nil, fmt.Errorf("parameter %q belongs to section %q, not %q", name, r.Section, section)
			}
			if err := cfg.Set(name, v); err != nil {
				return nil, err
			}
		}
	}
	return cfg, nil
}

// ParsePinsYAML decodes a flat parameter -> value map
func ParsePinsYAML(data []byte) (PinSet, error) {
	var raw map[string]Value
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse pins: %w", err)
	}
	return NewPinSet(raw)
}

// NewPinSet validates a parameter -> value map against the rule table
func NewPinSet(values map[string]Value) (PinSet, error) {
	scratch := NewConfig()
	pins := make(PinSet, len(values))
	for name, v := range values {
		if err := scratch.Set(name, v); err != nil {
			return nil, fmt.Errorf("invalid pin: %w", err)
		}
		pins[name] = v
	}
	return pins, nil
}

// MarshalYAML encodes only set parameters, grouped by section
func (c Config) MarshalYAML() (interface{}, error) {
	out := make(map[string]map[string]Value)
	for _, r := range rules {
		v := c.Get(r.Name)
		if !v.IsSet() {
			continue
		}
		if out[string(r.Section)] == nil {
			out[string(r.Section)] = make(map[string]Value)
		}
		out[string(r.Section)][r.Name] = v
	}
	return out, nil
}

// LoadFile reads a YAML configuration from disk
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter config: %w", err)
	}
	return ParseYAML(data)
}

// SaveFile writes the configuration as YAML
func SaveFile(path string, c Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode filter config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
