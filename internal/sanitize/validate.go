package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Sentinel errors returned by workspace path checks.
var (
	// ErrPathTraversal indicates a path escapes its workspace.
	ErrPathTraversal = errors.New("path escapes the workspace")

	// ErrAbsolutePath indicates an absolute path where a workspace-relative
	// one was expected.
	ErrAbsolutePath = errors.New("absolute path not permitted")

	// ErrEmptyPath indicates a missing path.
	ErrEmptyPath = errors.New("empty path")
)

// WorkspaceFile validates a workspace-relative file path reported by an
// untrusted process. The path must be relative and must stay inside the
// workspace after cleaning. Returns the cleaned path.
func WorkspaceFile(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %q", ErrAbsolutePath, path)
	}

	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, path)
	}
	return clean, nil
}

// WorkspaceFiles validates a slice of reported paths, returning the cleaned
// forms. The first invalid entry fails the whole list.
func WorkspaceFiles(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for i, p := range paths {
		clean, err := WorkspaceFile(p)
		if err != nil {
			return nil, fmt.Errorf("file[%d] %q: %w", i, p, err)
		}
		out = append(out, clean)
	}
	return out, nil
}
