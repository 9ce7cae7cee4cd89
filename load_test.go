package conflux

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MergesLayersIntoLiveHandle(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.toml")
	override := filepath.Join(dir, "override.toml")
	writeConfig(t, base, "host = \"base.local\"\nport = 1\n")
	writeConfig(t, override, "port = 2\n")
	t.Setenv("CFXLOAD_DEBUG", "yes")

	s := quietStore(t, Options{})

	h, err := NewBuilder().
		WithDefaults(map[string]any{"host": "default", "pool": 4}).
		WithFile(base).
		WithFile(override).
		WithEnv("CFXLOAD_").
		Load(s)
	require.NoError(t, err)

	m, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, "base.local", (*m)["host"])
	assert.Equal(t, int64(2), (*m)["port"])
	assert.Equal(t, 4, (*m)["pool"])
	assert.Equal(t, true, (*m)["debug"])

	// One handle, one binding per file source.
	bindings := s.Bindings()
	require.Len(t, bindings, 2)
	assert.Equal(t, h.ID(), bindings[0].Handle)
	assert.Equal(t, h.ID(), bindings[1].Handle)
	assert.ElementsMatch(t, []string{base, override}, s.Paths())
}

func TestLoad_SourceChangeReMergesWholeValue(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	override := filepath.Join(dir, "override.yaml")
	writeConfig(t, base, "host: base.local\nport: 1\n")
	writeConfig(t, override, "port: 2\n")

	s := quietStore(t, Options{})

	h, err := NewBuilder().WithFile(base).WithFile(override).Load(s)
	require.NoError(t, err)

	writeConfig(t, override, "port: 9\ntimeout: 30\n")

	res, err := s.ApplyNow(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, h.ID(), res.Applied[0].Handle)

	// The whole merge re-runs; the untouched file still contributes.
	m, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, "base.local", (*m)["host"])
	assert.Equal(t, 9, (*m)["port"])
	assert.Equal(t, 30, (*m)["timeout"])
}

func TestLoad_OptionalSourceDeletionReMerges(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	extra := filepath.Join(dir, "extra.yaml")
	writeConfig(t, base, "host: base.local\nport: 1\n")
	writeConfig(t, extra, "port: 7\n")

	s := quietStore(t, Options{})

	h, err := NewBuilder().WithFile(base).WithOptionalFile(extra).Load(s)
	require.NoError(t, err)

	m, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, 7, (*m)["port"])

	require.NoError(t, os.Remove(extra))
	res, err := s.ApplyNow(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, ChangeDeleted, res.Applied[0].Kind)

	// The handle survives the source deletion; the merge just loses that
	// layer's keys.
	assert.True(t, h.Valid())
	m, err = h.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, (*m)["port"])
	assert.Equal(t, "base.local", (*m)["host"])

	// Recreating the file brings its keys back.
	writeConfig(t, extra, "port: 8\n")
	_, err = s.ApplyNow(context.Background())
	require.NoError(t, err)

	m, err = h.Read()
	require.NoError(t, err)
	assert.Equal(t, 8, (*m)["port"])
}

func TestLoad_RequiredSourceFailureKeepsLastValue(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	writeConfig(t, base, "host: keep\nport: 1\n")

	s := quietStore(t, Options{})

	h, err := NewBuilder().WithFile(base).Load(s)
	require.NoError(t, err)

	require.NoError(t, os.Remove(base))
	res, err := s.ApplyNow(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Failed, 1)
	assert.Equal(t, h.ID(), res.Failed[0].Handle)
	assert.Empty(t, res.Applied)

	// The merged handle keeps its last good value and the failure is
	// caught for inspection.
	m, rerr := h.Read()
	require.NoError(t, rerr)
	assert.Equal(t, "keep", (*m)["host"])
	assert.True(t, s.Registry().HasErrors())
}

func TestLoad_MissingRequiredSourceFails(t *testing.T) {
	s := quietStore(t, Options{})

	_, err := NewBuilder().WithFile(filepath.Join(t.TempDir(), "absent.toml")).Load(s)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInternal))

	// Nothing is left behind: no handle, no bindings.
	assert.Equal(t, 0, s.Registry().Len())
	assert.Empty(t, s.Bindings())
}

func TestLoad_MissingOptionalSourceJoinsWhenItAppears(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	late := filepath.Join(dir, "late.yaml")
	writeConfig(t, base, "host: only\n")

	s := quietStore(t, Options{})

	h, err := NewBuilder().WithFile(base).WithOptionalFile(late).Load(s)
	require.NoError(t, err)

	m, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, "only", (*m)["host"])

	// The absent source stays bound; its first appearance re-merges.
	writeConfig(t, late, "host: appeared\n")
	res, err := s.ApplyNow(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, ChangeCreated, res.Applied[0].Kind)

	m, err = h.Read()
	require.NoError(t, err)
	assert.Equal(t, "appeared", (*m)["host"])
}

func TestLoad_WatchDisabledReturnsStaticHandle(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	writeConfig(t, base, "host: static\n")

	s := quietStore(t, Options{})

	h, err := NewBuilder().WithFile(base).Watch(false).Load(s)
	require.NoError(t, err)
	assert.Empty(t, s.Bindings())

	writeConfig(t, base, "host: moved\n")
	res, err := s.ApplyNow(context.Background(), base)
	require.NoError(t, err)
	assert.Contains(t, res.Skipped, base)

	m, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, "static", (*m)["host"])
}

func TestLoad_EnvRereadOnReMerge(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	writeConfig(t, base, "host: file.local\nport: 1\n")
	t.Setenv("CFXLIVE_HOST", "env-one")

	s := quietStore(t, Options{})

	h, err := NewBuilder().WithFile(base).WithEnv("CFXLIVE_").Load(s)
	require.NoError(t, err)

	m, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, "env-one", (*m)["host"])

	// Environment layers are re-read whenever a file source re-merges.
	t.Setenv("CFXLIVE_HOST", "env-two")
	writeConfig(t, base, "host: file.local\nport: 2\n")

	_, err = s.ApplyNow(context.Background())
	require.NoError(t, err)

	m, err = h.Read()
	require.NoError(t, err)
	assert.Equal(t, "env-two", (*m)["host"])
	assert.Equal(t, 2, (*m)["port"])
}

func TestLoad_PrioritySourcesMarked(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	writeConfig(t, base, "host: a\n")

	s := quietStore(t, Options{})

	_, err := NewBuilder().WithFile(base).WithPriority(base).Load(s)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Stats().Debounce.Priority)
}

func TestLoad_CoexistsWithBindOnSamePath(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "server.yaml")
	writeConfig(t, base, "host: one\nport: 1\n")

	s := quietStore(t, Options{})

	typed, err := Bind[serverConf](s, base)
	require.NoError(t, err)
	merged, err := NewBuilder().
		WithDefaults(map[string]any{"pool": 3}).
		WithFile(base).
		Load(s)
	require.NoError(t, err)

	writeConfig(t, base, "host: two\nport: 2\n")
	res, err := s.ApplyNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Applied, 2)

	st, err := typed.Read()
	require.NoError(t, err)
	assert.Equal(t, "two", st.Host)

	m, err := merged.Read()
	require.NoError(t, err)
	assert.Equal(t, "two", (*m)["host"])
	assert.Equal(t, 3, (*m)["pool"])
}

func TestLoad_UnbindReleasesAllSources(t *testing.T) {
	dir := t.TempDir()
	one := filepath.Join(dir, "one.yaml")
	two := filepath.Join(dir, "two.yaml")
	writeConfig(t, one, "x: 1\n")
	writeConfig(t, two, "y: 2\n")

	s := quietStore(t, Options{})

	h, err := NewBuilder().WithFile(one).WithFile(two).Load(s)
	require.NoError(t, err)
	require.Len(t, s.Bindings(), 2)

	assert.True(t, s.Unbind(h.ID()))
	assert.Empty(t, s.Bindings())
	assert.Empty(t, s.Paths())

	// The handle stays live, it just stops following the files.
	writeConfig(t, one, "x: 9\n")
	_, err = s.ApplyNow(context.Background(), one)
	require.NoError(t, err)

	m, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, (*m)["x"])
}

func TestLoad_StaleMergedHandleShedsAllBindings(t *testing.T) {
	dir := t.TempDir()
	one := filepath.Join(dir, "one.yaml")
	two := filepath.Join(dir, "two.yaml")
	writeConfig(t, one, "x: 1\n")
	writeConfig(t, two, "y: 2\n")

	s := quietStore(t, Options{})

	h, err := NewBuilder().WithFile(one).WithFile(two).Load(s)
	require.NoError(t, err)

	_, err = h.Delete(context.Background())
	require.NoError(t, err)

	writeConfig(t, one, "x: 2\n")
	res, err := s.ApplyNow(context.Background(), one)
	require.NoError(t, err)

	require.Len(t, res.Failed, 1)
	assert.True(t, IsCode(res.Failed[0].Err, CodeInvalidHandle))
	assert.Empty(t, s.Bindings())
}

func TestLoad_ClosedStore(t *testing.T) {
	s := quietStore(t, Options{})
	require.NoError(t, s.Close())

	_, err := NewBuilder().Load(s)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInternal))
}

func TestLoad_NilStore(t *testing.T) {
	_, err := NewBuilder().Load(nil)
	require.Error(t, err)
}
