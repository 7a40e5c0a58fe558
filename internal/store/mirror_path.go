package store

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var hostSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// MirrorPath derives the local mirror path for a remote file, per spec.md
// §3: the result always lives strictly under baseDir, never contains a
// ".." component, and the host component is restricted to
// [A-Za-z0-9._-] with other bytes mapped to "_".
func MirrorPath(baseDir, host, remotePath string) (string, error) {
	safeHost := hostSanitizer.ReplaceAllString(host, "_")

	var parts []string
	for _, comp := range strings.Split(remotePath, "/") {
		switch comp {
		case "", ".", "..":
			continue
		default:
			parts = append(parts, comp)
		}
	}

	full := filepath.Join(append([]string{baseDir, safeHost}, parts...)...)
	full = filepath.Clean(full)

	rel, err := filepath.Rel(baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("store: mirror path %q escapes base dir %q", full, baseDir)
	}

	return full, nil
}
