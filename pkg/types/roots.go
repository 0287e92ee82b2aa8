package types

import (
	"path/filepath"
	"slices"
	"strings"
)

// SameRoots reports whether two sorted root sets are equal.
func SameRoots(a, b []string) bool {
	return slices.Equal(a, b)
}

// RootOf returns the root in roots that contains path, or "" when none does.
// Roots never nest, so at most one matches.
func RootOf(roots []string, path string) string {
	for _, root := range roots {
		if Contains(root, path) {
			return root
		}
	}
	return ""
}

// Contains reports whether path is root or lies below it.
func Contains(root, path string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
