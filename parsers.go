package conflux

import "github.com/conneroisu/conflux/internal/parse"

// Parser turns raw file bytes into a parsed value, usually a
// map[string]any, ready for decoding into a bound handle's type. The store
// treats parsed values as opaque; supplying a custom Parser is how exotic
// formats are plugged in.
type Parser = parse.Parser

// NewJSONParser returns the JSON parser.
func NewJSONParser() Parser { return parse.JSON{} }

// NewYAMLParser returns the YAML parser.
func NewYAMLParser() Parser { return parse.YAML{} }

// NewTOMLParser returns the TOML parser.
func NewTOMLParser() Parser { return parse.TOML{} }

// NewAutoParser returns a parser that dispatches on file extension across
// JSON, YAML and TOML plus any extras, and sniffs extensionless files. It
// is the default parser of a Store.
func NewAutoParser(extra ...Parser) Parser { return parse.NewAuto(extra...) }
