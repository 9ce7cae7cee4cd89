package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/conneroisu/conflux/internal/errors"
)

func TestJSON_Parse(t *testing.T) {
	parsed, err := JSON{}.Parse("app.json", []byte(`{"port": 8080, "hosts": ["a", "b"]}`))
	require.NoError(t, err)

	m, ok := parsed.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(8080), m["port"])
	assert.Equal(t, []any{"a", "b"}, m["hosts"])
}

func TestJSON_ParseInvalid(t *testing.T) {
	_, err := JSON{}.Parse("app.json", []byte(`{"port": `))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeParse))

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "app.json", e.Path)
}

func TestYAML_Parse(t *testing.T) {
	parsed, err := YAML{}.Parse("app.yaml", []byte("server:\n  host: localhost\n  port: 9090\n"))
	require.NoError(t, err)

	m, ok := parsed.(map[string]any)
	require.True(t, ok)
	server, ok := m["server"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "localhost", server["host"])
	assert.Equal(t, 9090, server["port"])
}

func TestYAML_ParseInvalid(t *testing.T) {
	_, err := YAML{}.Parse("app.yaml", []byte("key: [unclosed"))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeParse))
}

func TestTOML_Parse(t *testing.T) {
	parsed, err := TOML{}.Parse("app.toml", []byte("title = \"demo\"\n\n[database]\nport = 5432\n"))
	require.NoError(t, err)

	m, ok := parsed.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "demo", m["title"])
	db, ok := m["database"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(5432), db["port"])
}

func TestTOML_ParseInvalid(t *testing.T) {
	_, err := TOML{}.Parse("app.toml", []byte("= broken"))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeParse))
}

func TestAuto_DispatchesByExtension(t *testing.T) {
	auto := NewAuto()

	tests := []struct {
		path string
		data string
	}{
		{"config.json", `{"a": 1}`},
		{"config.yaml", "a: 1\n"},
		{"config.yml", "a: 1\n"},
		{"config.toml", "a = 1\n"},
		{"config.JSON", `{"a": 1}`}, // case-insensitive
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			parsed, err := auto.Parse(tt.path, []byte(tt.data))
			require.NoError(t, err)

			m, ok := parsed.(map[string]any)
			require.True(t, ok)
			assert.Contains(t, m, "a")
		})
	}
}

func TestAuto_SniffsExtensionlessJSON(t *testing.T) {
	auto := NewAuto()

	parsed, err := auto.Parse("appconfig", []byte("  \n\t{\"sniffed\": true}"))
	require.NoError(t, err)

	m, ok := parsed.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["sniffed"])
}

func TestAuto_RefusesUnknownFormat(t *testing.T) {
	auto := NewAuto()

	_, err := auto.Parse("config.ini", []byte("[section]\nkey=value\n"))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeUnsupportedFormat))

	_, err = auto.Parse("noextension", []byte("plain text"))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeUnsupportedFormat))
}

type iniParser struct{}

func (iniParser) Parse(path string, data []byte) (any, error) {
	return map[string]any{"format": "ini"}, nil
}

func (iniParser) Formats() []string { return []string{"ini", "cfg"} }

func TestAuto_ExtraParsersClaimExtensions(t *testing.T) {
	auto := NewAuto(iniParser{})

	parsed, err := auto.Parse("legacy.cfg", []byte("whatever"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"format": "ini"}, parsed)

	assert.ElementsMatch(t, []string{"json", "yaml", "yml", "toml", "ini", "cfg"}, auto.Formats())
}

func TestAuto_ExtraParserOverridesBuiltin(t *testing.T) {
	override := overrideJSON{}
	auto := NewAuto(override)

	parsed, err := auto.Parse("data.json", []byte(`{"x": 1}`))
	require.NoError(t, err)
	assert.Equal(t, "override", parsed)
}

type overrideJSON struct{}

func (overrideJSON) Parse(path string, data []byte) (any, error) { return "override", nil }
func (overrideJSON) Formats() []string                           { return []string{"json"} }
