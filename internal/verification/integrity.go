package verification

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// checkIntegrity verifies every required file exists and meets its minimum size.
func (v *Verifier) checkIntegrity(_ context.Context, requiredFiles []string) []string {
	var errs []string
	for _, rel := range requiredFiles {
		info, err := os.Stat(filepath.Join(v.opts.Workspace, rel))
		if err != nil || info.IsDir() {
			errs = append(errs, fmt.Sprintf("Missing file: %s", rel))
			continue
		}
		if minSize := v.minSizeFor(rel); info.Size() < int64(minSize) {
			errs = append(errs, fmt.Sprintf("File too small: %s (%d chars, minimum %d)", rel, info.Size(), minSize))
		}
	}
	return errs
}
