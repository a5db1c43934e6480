// Package types provides shared type definitions used across loopsmith packages.
// This package exists to break import cycles between supervisor, executor and the CLI.
package types

import (
	"path/filepath"
	"strings"
)

// Goal is the immutable input of one run.
type Goal struct {
	Description   string
	RequiredFiles []string
	Workspace     string
}

// Path resolves a workspace-relative file path.
func (g Goal) Path(rel string) string {
	return filepath.Join(g.Workspace, filepath.FromSlash(rel))
}

// ErrorBundle is the ordered list of human-readable verification errors.
type ErrorBundle []string

// String joins the bundle the way it travels between executor and supervisor.
func (b ErrorBundle) String() string {
	return strings.Join(b, "; ")
}

// SplitBundle reverses ErrorBundle.String.
func SplitBundle(s string) ErrorBundle {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, "; ")
	out := make(ErrorBundle, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
