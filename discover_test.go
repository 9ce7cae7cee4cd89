package conflux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir stands in for testing.T.Chdir, which needs a Go 1.24 toolchain:
// it enters dir and restores the previous working directory when the
// test ends.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func mkConfig(t *testing.T, dir, name string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("probe = true\n"), 0o644))

	return path
}

func TestDiscoverHierarchy_OrdersLeastToMostSpecific(t *testing.T) {
	const name = "confluxprobe"

	home := t.TempDir()
	t.Setenv("HOME", home)

	xdg := mkConfig(t, filepath.Join(home, ".config", name), name+".toml")
	dot := mkConfig(t, filepath.Join(home, "."+name), name+".yaml")
	homeFile := mkConfig(t, home, name+".json")

	work := filepath.Join(home, "project", "sub")
	project := mkConfig(t, filepath.Join(home, "project"), name+".toml")
	sub := mkConfig(t, work, name+".toml")
	chdir(t, work)

	got := DiscoverHierarchy(name)

	// The home directory is also an ancestor of the working directory;
	// its file must appear once, at its home-layer position.
	assert.Equal(t, []string{xdg, dot, homeFile, project, sub}, got)
}

func TestHierarchyDirs_SystemDirFirst(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	dirs := hierarchyDirs("app")
	require.NotEmpty(t, dirs)
	assert.Equal(t, filepath.Join("/etc", "app"), dirs[0])
}

func TestDiscoverHierarchy_NothingToFind(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	chdir(t, t.TempDir())

	assert.Empty(t, DiscoverHierarchy("confluxnowhere"))
}

func TestFindConfigIn_ExtensionPriority(t *testing.T) {
	const name = "app"

	t.Run("toml beats yaml", func(t *testing.T) {
		dir := t.TempDir()
		mkConfig(t, dir, name+".yaml")
		want := mkConfig(t, dir, name+".toml")

		got, ok := findConfigIn(dir, name)
		require.True(t, ok)
		assert.Equal(t, want, got)
	})

	t.Run("yml beats json", func(t *testing.T) {
		dir := t.TempDir()
		mkConfig(t, dir, name+".json")
		want := mkConfig(t, dir, name+".yml")

		got, ok := findConfigIn(dir, name)
		require.True(t, ok)
		assert.Equal(t, want, got)
	})

	t.Run("bare file is the fallback", func(t *testing.T) {
		dir := t.TempDir()
		want := mkConfig(t, dir, name)

		got, ok := findConfigIn(dir, name)
		require.True(t, ok)
		assert.Equal(t, want, got)
	})

	t.Run("empty directory", func(t *testing.T) {
		_, ok := findConfigIn(t.TempDir(), name)
		assert.False(t, ok)
	})

	t.Run("directory named like a config is skipped", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name+".toml"), 0o755))

		_, ok := findConfigIn(dir, name)
		assert.False(t, ok)
	})
}

func TestBuilder_WithHierarchyMergesClosestLast(t *testing.T) {
	const name = "confluxhier"

	home := t.TempDir()
	t.Setenv("HOME", home)

	xdgDir := filepath.Join(home, ".config", name)
	require.NoError(t, os.MkdirAll(xdgDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(xdgDir, name+".toml"),
		[]byte("shared = \"xdg\"\nport = 1\n"), 0o644))

	work := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(work, name+".toml"),
		[]byte("port = 2\n"), 0o644))
	chdir(t, work)

	cfg := NewBuilder().WithHierarchy(name).Build()

	shared, _ := cfg.GetString("shared")
	assert.Equal(t, "xdg", shared)

	port, ok := cfg.Get("port")
	require.True(t, ok)
	assert.Equal(t, int64(2), port)
}
