// Package toolset builds the tool.Registry wired into every task loop:
// workspace-scoped file read/write and a sandboxed shell command, adapted
// from the teacher's file-tool resolver pattern onto the tool.Handler
// contract directly, without a dependency on the teacher's own agent
// framework (spec §3 Tool, §4.2).
package toolset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolver resolves a workspace-relative path, rejecting any path that
// escapes the workspace root (grounded on internal/tools/files.Resolver).
type resolver struct {
	root string
}

func (r resolver) resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := r.root
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return targetAbs, nil
}
