// Package parse turns raw config file bytes into generic values. Format
// wrappers stay thin: each delegates to its parser library and maps
// failures into the module's error taxonomy. The registry core treats
// parsed values as opaque.
package parse

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	errs "github.com/conneroisu/conflux/internal/errors"
)

// Parser turns file bytes into a parsed value, usually a map[string]any.
type Parser interface {
	// Parse decodes data. The path is used for format hints and error
	// context only; Parse never touches the filesystem.
	Parse(path string, data []byte) (any, error)
	// Formats lists the file extensions the parser claims, without dots.
	Formats() []string
}

// JSON parses JSON documents.
type JSON struct{}

func (JSON) Parse(path string, data []byte) (any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errs.Wrap(errs.CodeParse, "parse.json", err, "invalid JSON").WithPath(path)
	}

	return out, nil
}

func (JSON) Formats() []string { return []string{"json"} }

// YAML parses YAML documents.
type YAML struct{}

func (YAML) Parse(path string, data []byte) (any, error) {
	var out any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, errs.Wrap(errs.CodeParse, "parse.yaml", err, "invalid YAML").WithPath(path)
	}

	return out, nil
}

func (YAML) Formats() []string { return []string{"yaml", "yml"} }

// TOML parses TOML documents.
type TOML struct{}

func (TOML) Parse(path string, data []byte) (any, error) {
	var out map[string]any
	if err := toml.Unmarshal(data, &out); err != nil {
		return nil, errs.Wrap(errs.CodeParse, "parse.toml", err, "invalid TOML").WithPath(path)
	}

	return out, nil
}

func (TOML) Formats() []string { return []string{"toml"} }

// Auto dispatches on file extension and falls back to content sniffing for
// extensionless files.
type Auto struct {
	byExt map[string]Parser
}

// NewAuto builds a dispatcher over the built-in parsers plus any extras.
// Extras claim their extensions after the built-ins, so they can override.
func NewAuto(extra ...Parser) *Auto {
	a := &Auto{byExt: make(map[string]Parser)}
	for _, p := range []Parser{JSON{}, YAML{}, TOML{}} {
		a.register(p)
	}
	for _, p := range extra {
		a.register(p)
	}

	return a
}

func (a *Auto) register(p Parser) {
	for _, ext := range p.Formats() {
		a.byExt[strings.ToLower(ext)] = p
	}
}

func (a *Auto) Parse(path string, data []byte) (any, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if p, ok := a.byExt[ext]; ok {
		return p.Parse(path, data)
	}

	// No extension to go on. JSON is the only format with an unambiguous
	// leading byte, so sniff for it; everything else is refused.
	if looksLikeJSON(data) {
		return JSON{}.Parse(path, data)
	}

	return nil, errs.Newf(errs.CodeUnsupportedFormat, "parse.auto",
		"no parser for %q", ext).WithPath(path)
}

func (a *Auto) Formats() []string {
	out := make([]string, 0, len(a.byExt))
	for ext := range a.byExt {
		out = append(out, ext)
	}

	return out
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")

	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
