package version

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func stubBuildVars(t *testing.T, version, commit, buildTime string) {
	t.Helper()
	origVersion, origCommit, origTime := Version, GitCommit, BuildTime
	Version, GitCommit, BuildTime = version, commit, buildTime
	t.Cleanup(func() {
		Version, GitCommit, BuildTime = origVersion, origCommit, origTime
	})
}

func TestShort_ReleaseWithCommit(t *testing.T) {
	stubBuildVars(t, "v1.2.3", "abcdef0123456789", "unknown")

	assert.Equal(t, "v1.2.3 (abcdef0)", Short())
}

func TestShort_DevBuildWithCommit(t *testing.T) {
	stubBuildVars(t, "dev", "abcdef0123456789", "unknown")

	assert.Equal(t, "dev-abcdef0", Short())
}

func TestShort_TruncatedCommitOmitted(t *testing.T) {
	// A commit too short to abbreviate leaves the bare version.
	stubBuildVars(t, "v2.0.0", "abc", "unknown")

	assert.Equal(t, "v2.0.0", Short())
}

func TestGet_LdflagsWin(t *testing.T) {
	stubBuildVars(t, "v3.1.4", "deadbeefcafe", "2025-06-15T10:30:00Z")

	info := Get()

	assert.Equal(t, "v3.1.4", info.Version)
	assert.Equal(t, "deadbeefcafe", info.GitCommit)
	assert.Equal(t, time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC), info.BuildTime)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestGet_BuildTimeFallbackLayout(t *testing.T) {
	stubBuildVars(t, "v1.0.0", "unknown", "2025-06-15T10:30:00")

	info := Get()
	assert.Equal(t, 2025, info.BuildTime.Year())
	assert.Equal(t, time.June, info.BuildTime.Month())
}

func TestGet_UnsetBuildTimeIsZero(t *testing.T) {
	stubBuildVars(t, "v1.0.0", "unknown", "unknown")

	assert.True(t, Get().BuildTime.IsZero())
}

func TestGet_GarbageBuildTimeIsZero(t *testing.T) {
	stubBuildVars(t, "v1.0.0", "unknown", "not a timestamp")

	assert.True(t, Get().BuildTime.IsZero())
}
