package models

import (
	"fmt"
	"path/filepath"
)

// NormalizePath returns the cleaned absolute form of p, the key every component uses.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidInput)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %q: %v", ErrInvalidInput, p, err)
	}
	return filepath.Clean(abs), nil
}

// DirOf returns the parent directory of a normalized path.
func DirOf(p string) string {
	return filepath.Dir(p)
}
