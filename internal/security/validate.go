package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidPath   = errors.New("security: invalid path")
	ErrPathTraversal = errors.New("security: path traversal detected")
	ErrNullByte      = errors.New("security: null byte in input")
	ErrInputTooLong  = errors.New("security: input exceeds maximum length")
)

const maxPathLength = 4096

// ValidatePath rejects empty, over-long, null-byte, and traversal paths
// and returns the cleaned absolute path.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}
	if len(path) > maxPathLength {
		return "", fmt.Errorf("%w: %d over %d", ErrInputTooLong, len(path), maxPathLength)
	}

	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return abs, nil
}

func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	return strings.Contains(strings.ToLower(path), "%2e%2e")
}
