// Package safepath validates the relative file paths carried in batch
// metadata before any bytes are written to disk. A path is safe only if it
// stays inside the receiver's output directory once joined and cleaned.
package safepath

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Validate checks relPath against the Safe Path rule: no absolute root, no
// ".." segment, no embedded NUL or control characters (tab excepted), and
// non-empty after normalization. It returns the cleaned, NFC-normalized relative path on
// success.
func Validate(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}

	if containsDangerousChars(relPath) {
		return "", fmt.Errorf("path contains control characters: %q", relPath)
	}

	for _, seg := range strings.Split(filepath.ToSlash(relPath), "/") {
		if seg == ".." {
			return "", fmt.Errorf("path contains a \"..\" segment: %q", relPath)
		}
	}

	normalized := norm.NFC.String(relPath)

	cleaned := filepath.ToSlash(filepath.Clean(normalized))

	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "/") {
		return "", fmt.Errorf("path is absolute: %q", relPath)
	}

	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path escapes output directory: %q", relPath)
	}

	if cleaned == "." {
		return "", fmt.Errorf("path resolves to empty: %q", relPath)
	}

	return filepath.FromSlash(cleaned), nil
}

// ResolveUnder joins a validated relative path onto root and confirms the
// result is still lexically inside root. Call Validate first; this is a
// defense-in-depth second check at the point of use.
func ResolveUnder(root, relPath string) (string, error) {
	clean, err := Validate(relPath)
	if err != nil {
		return "", err
	}

	full := filepath.Join(root, clean)
	rootClean := filepath.Clean(root)

	if full != rootClean && !strings.HasPrefix(full, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("resolved path escapes root: %q", relPath)
	}

	return full, nil
}

// containsDangerousChars rejects NUL and the other ASCII control characters
// below 0x20 except tab, which have no business in a filename and that some filesystems or shells
// would mishandle.
func containsDangerousChars(s string) bool {
	for _, r := range s {
		if r == 0 {
			return true
		}
		if r < 0x20 && r != '\t' {
			return true
		}
	}
	return false
}
