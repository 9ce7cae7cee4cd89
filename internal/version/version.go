// Package version reports build identity for the CLI and the HTTP server.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set at build time with -ldflags.
var (
	// Version is the semantic version of the binary.
	Version = "dev"

	// GitCommit is the commit the binary was built from.
	GitCommit = "unknown"

	// BuildTime is the RFC3339 build timestamp.
	BuildTime = "unknown"
)

// Info bundles everything the version endpoints report.
type Info struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Platform  string    `json:"platform"`
}

// Get assembles the build info, falling back to module metadata when the
// ldflags were not set.
func Get() Info {
	return Info{
		Version:   resolveVersion(),
		GitCommit: resolveCommit(),
		BuildTime: parseBuildTime(),
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// Short returns a compact version string for display.
func Short() string {
	v := resolveVersion()
	commit := resolveCommit()
	if commit != "unknown" && len(commit) >= 7 {
		if v == "dev" {
			return "dev-" + commit[:7]
		}

		return fmt.Sprintf("%s (%s)", v, commit[:7])
	}

	return v
}

func resolveVersion() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}

	return "dev"
}

func resolveCommit() string {
	if GitCommit != "" && GitCommit != "unknown" {
		return GitCommit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				return setting.Value
			}
		}
	}

	return "unknown"
}

func parseBuildTime() time.Time {
	if BuildTime == "" || BuildTime == "unknown" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, BuildTime); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05", BuildTime); err == nil {
		return t
	}

	return time.Time{}
}
