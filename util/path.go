package util

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome resolves a leading ~ to the user's home directory.  Other
// paths, and paths that cannot be resolved, are returned unchanged.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}
