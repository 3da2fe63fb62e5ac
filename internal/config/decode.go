package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
)

func formatOf(name string) format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return formatYAML
	}
	return formatJSON
}

// Decode strictly decodes a config file; the format follows the extension of
// name. YAML is converted to JSON first so both formats reject unknown keys
// the same way.
func Decode(name string, data []byte) (*Config, error) {
	f := formatOf(name)
	if f == formatYAML {
		var err error
		if data, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", f, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("trailing data")
		}
		return nil, fmt.Errorf("decode %s config: %w", f, err)
	}
	return &cfg, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml config: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("convert yaml config: %w", err)
	}
	return out, nil
}

// stringKeys rewrites non-string map keys (yaml allows `1: x`) so the tree
// can be marshaled as JSON.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = stringKeys(e)
		}
		return m
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
	}
	return v
}
