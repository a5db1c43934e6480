// Package templates embeds the known-good Flask chat application written by
// the use_template strategy.
package templates

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"loopsmith/internal/logging"
)

//go:embed flask
var flaskFS embed.FS

// DefaultSmallFileThreshold is the size below which a companion file is
// considered broken and replaced.
const DefaultSmallFileThreshold = 200

// Primary files are always overwritten when the template set is applied;
// everything else is a companion.
var primaryFiles = map[string]bool{
	"app.py":               true,
	"templates/index.html": true,
}

// Set is a collection of template files keyed by workspace-relative path.
type Set struct {
	files map[string][]byte
}

// Flask returns the embedded Flask chat template set.
func Flask() *Set {
	s := &Set{files: make(map[string][]byte)}
	_ = fs.WalkDir(flaskFS, "flask", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := flaskFS.ReadFile(path)
		if err != nil {
			return err
		}
		s.files[strings.TrimPrefix(path, "flask/")] = data
		return nil
	})
	return s
}

// Files returns the template paths in sorted order.
func (s *Set) Files() []string {
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Content returns the template for a workspace-relative path.
func (s *Set) Content(rel string) ([]byte, bool) {
	data, ok := s.files[filepath.ToSlash(rel)]
	return data, ok
}

// Apply writes the template set into workspace. The target (when the set has
// it) and the primary files are overwritten; companions are written only when
// missing or smaller than threshold bytes. It returns the paths written.
func (s *Set) Apply(workspace, target string, threshold int) ([]string, error) {
	if threshold <= 0 {
		threshold = DefaultSmallFileThreshold
	}
	target = filepath.ToSlash(target)

	var written []string
	for _, rel := range s.Files() {
		abs := filepath.Join(workspace, filepath.FromSlash(rel))
		if rel != target && !primaryFiles[rel] {
			if info, err := os.Stat(abs); err == nil && info.Size() >= int64(threshold) {
				logging.ExecutorDebug("Keeping companion %s (%d bytes)", rel, info.Size())
				continue
			}
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return written, fmt.Errorf("failed to create directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(abs, s.files[rel], 0644); err != nil {
			return written, fmt.Errorf("failed to write template %s: %w", rel, err)
		}
		written = append(written, rel)
	}
	logging.Executor("Applied template set: %v", written)
	return written, nil
}
