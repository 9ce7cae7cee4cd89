package conflux

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	errs "github.com/conneroisu/conflux/internal/errors"
)

// Builder assembles configuration from layered sources: coded defaults,
// files, environment variables, and hierarchical discovery. Later layers
// override earlier ones; sibling arrays can be edited with key_add and
// key_remove directives instead of wholesale replacement. Loading is
// resilient: a source that cannot be read becomes a warning, not a dead
// stop, so one bad file never hides the rest of the configuration.
//
// Build freezes the merge into a standalone view. Load registers the merge
// in a Store as a live handle that follows its file sources.
type Builder struct {
	layers   []layer
	warnings []string
	parser   Parser
	priority []string
	watch    bool
}

// layer is one configuration source. data is the snapshot taken when the
// layer was added; Build merges those. reload, when set, re-evaluates the
// source fresh, which is how Load and its re-merges track current file and
// environment state. path is non-empty for file layers, the ones Load
// binds.
type layer struct {
	name     string
	data     map[string]any
	path     string
	required bool
	reload   func() (map[string]any, error)
}

// NewBuilder returns an empty builder using the auto-detecting parser for
// file layers.
func NewBuilder() *Builder {
	return &Builder{parser: NewAutoParser(), watch: true}
}

// WithParser substitutes the parser used for file layers added after this
// call.
func (b *Builder) WithParser(p Parser) *Builder {
	if p != nil {
		b.parser = p
	}

	return b
}

// WithDefaults adds the lowest-priority layer from a struct or map.
func (b *Builder) WithDefaults(defaults any) *Builder {
	m, err := toMap(defaults)
	if err != nil {
		b.warn("defaults: %v", err)

		return b
	}

	return b.push("defaults", m)
}

// WithMap adds a named layer from an explicit map, useful for CLI flag
// overrides.
func (b *Builder) WithMap(name string, m map[string]any) *Builder {
	if m == nil {
		return b
	}

	return b.push(name, m)
}

// WithFile adds a required file layer. A missing or unparseable file is
// recorded as a warning and skipped by Build, and fails Load.
func (b *Builder) WithFile(path string) *Builder {
	return b.addFile(path, true)
}

// WithOptionalFile adds a file layer that may be absent. A missing file
// drops out of the merge silently; a file that exists but cannot be used
// is still a warning.
func (b *Builder) WithOptionalFile(path string) *Builder {
	return b.addFile(path, false)
}

func (b *Builder) addFile(path string, required bool) *Builder {
	parser := b.parser

	data, err := readFileTable(parser, "builder.file", path)
	if err != nil && (required || !errors.Is(err, fs.ErrNotExist)) {
		b.warn("file %s: %v", path, err)
	}

	l := layer{
		name:     "file:" + path,
		path:     path,
		required: required,
		reload: func() (map[string]any, error) {
			m, rerr := readFileTable(parser, "builder.reload", path)
			if rerr != nil {
				if required {
					return nil, rerr
				}

				return nil, nil
			}

			return m, nil
		},
	}
	if err == nil {
		l.data = data
	}
	b.layers = append(b.layers, l)

	return b
}

// WithEnv adds a layer from environment variables sharing a prefix. The
// remainder of each name is split on underscores and lowercased into a
// nested key: APP_DATABASE_HOST=x becomes database.host. Values get smart
// type detection: JSON arrays and objects, booleans including yes/no/on/off
// and 1/0, then integers, floats, and finally plain strings. Variables
// with empty values are skipped.
func (b *Builder) WithEnv(prefix string) *Builder {
	return b.WithEnvSeparator(prefix, "_")
}

// WithEnvSeparator is WithEnv with a custom nesting separator.
func (b *Builder) WithEnvSeparator(prefix, separator string) *Builder {
	b.layers = append(b.layers, layer{
		name: "env:" + prefix,
		data: envMap(prefix, separator),
		reload: func() (map[string]any, error) {
			return envMap(prefix, separator), nil
		},
	})

	return b
}

// WithHierarchy discovers name's config files the way git discovers
// .gitignore: the system /etc directory, the XDG config directory, the
// home dot-directory, the home directory itself, then every ancestor of
// the working directory down to the directory itself. Files merge least
// specific first, so the closest file wins. Hierarchy files are optional
// layers; one disappearing never fails a Load.
func (b *Builder) WithHierarchy(name string) *Builder {
	for _, path := range DiscoverHierarchy(name) {
		b.WithOptionalFile(path)
	}

	return b
}

// WithPriority marks paths for the shorter debounce class when Load binds
// the merge, so their changes flush sooner.
func (b *Builder) WithPriority(paths ...string) *Builder {
	b.priority = append(b.priority, paths...)

	return b
}

// Watch controls whether Load binds the file sources. Watching is on by
// default; Watch(false) makes Load return a static merged handle.
func (b *Builder) Watch(enabled bool) *Builder {
	b.watch = enabled

	return b
}

func (b *Builder) push(name string, m map[string]any) *Builder {
	b.layers = append(b.layers, layer{name: name, data: m})

	return b
}

func (b *Builder) warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

// Warnings returns the problems collected so far.
func (b *Builder) Warnings() []string {
	out := make([]string, len(b.warnings))
	copy(out, b.warnings)

	return out
}

// HasWarnings reports whether any layer had problems.
func (b *Builder) HasWarnings() bool {
	return len(b.warnings) > 0
}

// Build merges the layers in order and resolves array directives. The
// result is a standalone view; later builder changes do not affect it.
func (b *Builder) Build() *Config {
	merged := make(map[string]any)
	for _, l := range b.layers {
		if l.data == nil {
			continue
		}
		merged = deepMerge(merged, cloneTable(l.data))
	}
	merged = applyArrayDirectives(merged)

	return &Config{data: merged, warnings: b.Warnings()}
}

// Load merges the layers, registers the result under a fresh handle in s,
// and binds every file source so a change to any one re-runs the whole
// merge and swaps the handle's value atomically. Deleting an optional
// source drops it from the merge; a required source that goes missing or
// unparseable fails that update and the handle keeps its last good value.
// Watch(false) skips the binding and returns a static merged handle. The
// layers are snapshotted: builder changes after Load do not feed the
// handle.
func (b *Builder) Load(s *Store) (Handle[map[string]any], error) {
	const op = "builder.load"
	var zero Handle[map[string]any]

	if s == nil {
		return zero, errs.New(errs.CodeInternal, op, "nil store")
	}
	if s.closed.Load() {
		return zero, errs.New(errs.CodeInternal, op, "store is closed")
	}

	layers := make([]layer, len(b.layers))
	copy(layers, b.layers)

	merged, err := evaluateLayers(layers)
	if err != nil {
		return zero, err
	}

	h := createFrom(s.reg, &merged)
	if !b.watch {
		return h, nil
	}

	remerge := func() (any, error) {
		m, merr := evaluateLayers(layers)
		if merr != nil {
			return nil, merr
		}

		return &m, nil
	}
	unwind := func() {
		s.removeBinding(h.ID())
		_, _ = s.reg.Remove(h.ID())
	}

	seen := make(map[string]struct{})
	for _, l := range layers {
		if l.path == "" {
			continue
		}
		p, perr := normPath(l.path)
		if perr != nil {
			if l.required {
				unwind()

				return zero, perr
			}

			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}

		bnd := &binding{
			id:       h.ID(),
			path:     p,
			decode:   func(string, any) (any, error) { return remerge() },
			onDelete: func(string) (any, error) { return remerge() },
		}
		s.mu.Lock()
		s.byPath[p] = append(s.byPath[p], bnd)
		s.byID[bnd.id] = append(s.byID[bnd.id], bnd)
		s.mu.Unlock()

		s.detect.Track(p)
		if werr := s.watch.Add(p); werr != nil {
			if l.required {
				unwind()

				return zero, errs.Wrap(errs.CodeInternal, op, werr, "watch failed").WithPath(p)
			}
			// An absent optional source stays bound but unwatched; a scan
			// or a watched root picks it up if it appears.
			s.log.Debug(s.ctx, "optional source not watched", "path", p, "error", werr.Error())
		}
	}

	if len(b.priority) > 0 {
		if perr := s.Prioritize(b.priority...); perr != nil {
			unwind()

			return zero, perr
		}
	}

	s.log.Debug(s.ctx, "merged handle bound", "handle", uint64(h.ID()), "sources", len(seen))

	return h, nil
}

// evaluateLayers merges the layers fresh: sources carrying a reload are
// re-read so the result reflects current file and environment state. A
// required source that fails stops the merge.
func evaluateLayers(layers []layer) (map[string]any, error) {
	merged := make(map[string]any)
	for _, l := range layers {
		data := l.data
		if l.reload != nil {
			fresh, err := l.reload()
			if err != nil {
				return nil, err
			}
			data = fresh
		}
		if data == nil {
			continue
		}
		merged = deepMerge(merged, cloneTable(data))
	}

	return applyArrayDirectives(merged), nil
}

// readFileTable loads one file layer: read, parse, and require a table at
// the top level.
func readFileTable(p Parser, op, path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, op, err, "read failed").WithPath(path)
	}

	parsed, err := p.Parse(path, data)
	if err != nil {
		return nil, err
	}

	m, ok := parsed.(map[string]any)
	if !ok {
		return nil, errs.New(errs.CodeParse, op, "top level is not a table").WithPath(path)
	}

	return m, nil
}

// Config is an immutable merged view produced by Builder.Build. Keys are
// addressed with dotted paths: "database.host".
type Config struct {
	data     map[string]any
	warnings []string
}

// Map returns the underlying data. Treat it as read-only; it is shared
// with the Config.
func (c *Config) Map() map[string]any {
	return c.data
}

// Warnings returns the problems collected while the layers loaded.
func (c *Config) Warnings() []string {
	return c.warnings
}

// Get walks a dotted key path and returns the value at its end.
func (c *Config) Get(key string) (any, bool) {
	return Lookup(c.data, key)
}

// GetString returns the value at a dotted key path rendered as a string.
// Non-string scalars are formatted; missing keys and tables report false.
func (c *Config) GetString(key string) (string, bool) {
	v, ok := Lookup(c.data, key)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case map[string]any:
		return "", false
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// HasKey reports whether a dotted key path resolves.
func (c *Config) HasKey(key string) bool {
	return HasKey(c.data, key)
}

// Keys returns the top-level keys in sorted order.
func (c *Config) Keys() []string {
	return Keys(c.data)
}

// Lookup walks a dotted key path through a merged table and returns the
// value at its end. It works on any table-shaped value, a Config's Map or
// a handle from Builder.Load alike.
func Lookup(m map[string]any, key string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(key, ".") {
		t, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = t[part]
		if !ok {
			return nil, false
		}
	}

	return cur, true
}

// HasKey reports whether a dotted key path resolves in the table.
func HasKey(m map[string]any, key string) bool {
	_, ok := Lookup(m, key)

	return ok
}

// Keys returns the table's top-level keys in sorted order.
func Keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)

	return out
}

// As decodes the merged configuration into a T, following mapstructure
// tags.
func As[T any](c *Config) (*T, error) {
	return decodeAs[T]("builder", c.data)
}

// BuildHandle merges the builder's layers, decodes them as a T, and
// registers the result in the registry. It is the bridge from layered
// assembly to typed handles; unlike Load, the handle is static.
func BuildHandle[T any](r *Registry, b *Builder) (Handle[T], error) {
	v, err := As[T](b.Build())
	if err != nil {
		return Handle[T]{}, err
	}

	return createFrom(r, v), nil
}

// toMap normalizes a defaults value into a map layer.
func toMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}

	out := make(map[string]any)
	if err := mapstructure.Decode(v, &out); err != nil {
		return nil, errs.Wrap(errs.CodeParse, "builder.defaults", err, "not a table")
	}

	return out, nil
}
