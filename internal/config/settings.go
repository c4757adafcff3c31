// Package config holds the user-facing formatter settings and loads them from
// editor configuration payloads and from a martianls.toml workspace file.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Section is the configuration section editors store the settings under.
const Section = "martian-lang"

// Settings configures how documents are formatted.
type Settings struct {
	// Executable overrides the mro binary. Supports ${workspaceFolder}.
	Executable string `mapstructure:"mroExecutable"`
	// FormatImports adds --includes so the formatter fixes include lists.
	FormatImports bool `mapstructure:"mroFormatImports"`
	// MroPath overrides MROPATH for the formatter. Supports ${workspaceFolder}.
	MroPath string `mapstructure:"mropath"`
	// MinimalEdits trims unchanged leading and trailing text from edits.
	MinimalEdits bool `mapstructure:"minimalEdits"`
}

// Decode overlays the keys present in raw onto base. raw is either the
// settings object itself or an object holding it under Section.
func Decode(raw map[string]any, base Settings) (Settings, error) {
	if len(raw) == 0 {
		return base, nil
	}
	values := raw
	if nested, ok := raw[Section]; ok {
		m, ok := nested.(map[string]any)
		if !ok {
			return base, fmt.Errorf("%s: expected object, got %T", Section, nested)
		}
		values = m
	}
	out := base
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return base, err
	}
	if err := dec.Decode(values); err != nil {
		return base, fmt.Errorf("invalid %s settings: %w", Section, err)
	}
	return out, nil
}

// DecodeJSON is Decode for a raw JSON payload. null and empty payloads leave
// base unchanged.
func DecodeJSON(payload json.RawMessage, base Settings) (Settings, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return base, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return base, fmt.Errorf("invalid %s settings: %w", Section, err)
	}
	return Decode(raw, base)
}
