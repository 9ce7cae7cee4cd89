package detector

import "path/filepath"

// DefaultIgnorePatterns are base-name patterns for transient files that
// editors and tools create next to the real one: vim swap files and its
// "4913" write-probe, emacs lock and autosave files, generic temp files,
// and Finder metadata. These never represent configuration changes.
var DefaultIgnorePatterns = []string{
	"*.swp",
	"*.swx",
	"*~",
	".#*",
	"#*#",
	"*.tmp",
	"4913",
	".DS_Store",
}

func ignored(name string, patterns []string) bool {
	for _, pattern := range patterns {
		ok, err := filepath.Match(pattern, name)
		if err != nil {
			continue
		}
		if ok {
			return true
		}
	}

	return false
}
