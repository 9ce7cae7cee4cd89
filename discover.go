package conflux

import (
	"os"
	"path/filepath"
)

// hierarchyExtensions is the probe order inside each directory. The first
// match wins; a bare file named after the application is the fallback.
var hierarchyExtensions = []string{"toml", "yaml", "yml", "json"}

// DiscoverHierarchy returns existing config files for an application name,
// ordered least to most specific: the system /etc directory, the XDG
// config directory, the home dot-directory, the home directory, then each
// ancestor of the working directory ending with the directory itself. At
// most one file per directory is returned. Merging the files in this order
// makes the closest one win.
func DiscoverHierarchy(name string) []string {
	var files []string
	seen := make(map[string]struct{})
	for _, dir := range hierarchyDirs(name) {
		path, ok := findConfigIn(dir, name)
		if !ok {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	return files
}

func hierarchyDirs(name string) []string {
	dirs := []string{filepath.Join("/etc", name)}

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".config", name),
			filepath.Join(home, "."+name),
			home,
		)
	}

	if wd, err := os.Getwd(); err == nil {
		var up []string
		for dir := wd; ; {
			up = append(up, dir)
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
		// Root first so the working directory merges last and wins.
		for i := len(up) - 1; i >= 0; i-- {
			dirs = append(dirs, up[i])
		}
	}

	return dirs
}

func findConfigIn(dir, name string) (string, bool) {
	for _, ext := range hierarchyExtensions {
		path := filepath.Join(dir, name+"."+ext)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}

	bare := filepath.Join(dir, name)
	if info, err := os.Stat(bare); err == nil && info.Mode().IsRegular() {
		return bare, true
	}

	return "", false
}
