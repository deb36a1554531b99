package fileutil

import (
	"os"
	"path/filepath"
)

// ownerOnly reports whether perm grants nothing to group or other.
func ownerOnly(perm os.FileMode) bool {
	return perm&0o077 == 0
}

// missingDirs lists path and those of its ancestors that do not exist yet,
// deepest first.
func missingDirs(path string) []string {
	var out []string
	for p := filepath.Clean(path); ; {
		if _, err := os.Stat(p); err == nil {
			return out
		}
		out = append(out, p)
		parent := filepath.Dir(p)
		if parent == p || parent == "." {
			return out
		}
		p = parent
	}
}
