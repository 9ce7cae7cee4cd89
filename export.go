package conflux

import (
	"encoding/json"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	errs "github.com/conneroisu/conflux/internal/errors"
)

// AsJSON renders a merged table as indented JSON. It accepts any
// table-shaped value, a Config's Map or a handle from Builder.Load alike.
func AsJSON(m map[string]any) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", errs.Wrap(errs.CodeInternal, "export.as_json", err, "encode failed")
	}

	return string(data), nil
}

// AsYAML renders a merged table as YAML.
func AsYAML(m map[string]any) (string, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", errs.Wrap(errs.CodeInternal, "export.as_yaml", err, "encode failed")
	}

	return string(data), nil
}

// AsTOML renders a merged table as TOML. Values that TOML cannot express,
// a nil at the top level for example, return an error.
func AsTOML(m map[string]any) (string, error) {
	data, err := toml.Marshal(m)
	if err != nil {
		return "", errs.Wrap(errs.CodeInternal, "export.as_toml", err, "encode failed")
	}

	return string(data), nil
}

// AsJSON renders the merged configuration as indented JSON.
func (c *Config) AsJSON() (string, error) {
	return AsJSON(c.data)
}

// AsYAML renders the merged configuration as YAML.
func (c *Config) AsYAML() (string, error) {
	return AsYAML(c.data)
}

// AsTOML renders the merged configuration as TOML.
func (c *Config) AsTOML() (string, error) {
	return AsTOML(c.data)
}
