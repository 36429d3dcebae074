// Package security validates user-supplied paths before they reach the
// filesystem.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned for paths that resolve outside their root.
var ErrPathEscape = errors.New("path escapes root directory")

// ResolveFolder joins a root-relative folder such as "300.0k/S21" onto root
// and returns the result, rejecting absolute paths and any ".." or symlink
// that would leave root. An empty folder resolves to root itself.
func ResolveFolder(root, folder string) (string, error) {
	if filepath.IsAbs(folder) || strings.HasPrefix(folder, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathEscape, folder)
	}
	cleanRoot := filepath.Clean(root)
	joined := filepath.Join(cleanRoot, folder)
	if !within(cleanRoot, joined) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, folder)
	}

	// On a real filesystem, follow symlinks on both sides. Paths that do
	// not exist yet are checked through their deepest existing parent.
	canonicalRoot, err := filepath.EvalSymlinks(cleanRoot)
	if err != nil {
		return joined, nil
	}
	if !within(canonicalRoot, canonicalize(joined)) {
		return "", fmt.Errorf("%w: %q resolves outside %s", ErrPathEscape, folder, root)
	}
	return joined, nil
}

func canonicalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, _ := filepath.Rel(dir, path)
			return filepath.Join(resolved, rel)
		}
		if dir == filepath.Dir(dir) {
			return path
		}
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// SanitizeFilename makes a file name from an arbitrary label. Characters
// other than ASCII letters, digits, dot, underscore and dash become a
// single underscore; the result is at most 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
