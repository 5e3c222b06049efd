// Package build provides output verification and build metrics.
// This is part of the Functional Core - all functions are pure with no I/O
// beyond reading the fs.FS they are handed.
package build

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/artpar/previewctl/internal/core/domain"
)

var (
	ErrEmptyOutput   = errors.New("build output is empty")
	ErrMissingOutput = errors.New("expected output file missing")
)

// =============================================================================
// Output Verification
// =============================================================================

// Expectation describes the shape a package's build output must have.
type Expectation struct {
	// Files are slash-separated paths relative to the output root.
	Files []string
	// MinFiles is the minimum number of regular files. Zero means one.
	MinFiles int
}

// OutputStats describes a verified output tree.
type OutputStats struct {
	FileCount      int
	TotalSizeBytes int64
}

// VerifyOutput walks fsys and checks it against exp. A tool exiting 0 without
// producing the expected output is still a failure, so callers treat a
// non-nil error as a failed build.
func VerifyOutput(fsys fs.FS, exp Expectation) (OutputStats, error) {
	var stats OutputStats

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.FileCount++
		stats.TotalSizeBytes += info.Size()
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stats, fmt.Errorf("%w: output directory does not exist", ErrEmptyOutput)
		}
		return stats, fmt.Errorf("walk output: %w", err)
	}

	minFiles := exp.MinFiles
	if minFiles <= 0 {
		minFiles = 1
	}
	if stats.FileCount < minFiles {
		return stats, fmt.Errorf("%w: %d files, want at least %d", ErrEmptyOutput, stats.FileCount, minFiles)
	}

	var missing []string
	for _, f := range exp.Files {
		name := path.Clean(strings.TrimPrefix(f, "/"))
		info, err := fs.Stat(fsys, name)
		if err != nil || info.IsDir() {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return stats, fmt.Errorf("%w: %s", ErrMissingOutput, strings.Join(missing, ", "))
	}

	return stats, nil
}

// =============================================================================
// Summary
// =============================================================================

// Summarize aggregates package results into build metrics.
func Summarize(results map[string]domain.PackageBuildResult) domain.BuildSummary {
	var s domain.BuildSummary
	s.Packages = len(results)
	for _, r := range results {
		s.TotalTimeMs += r.DurationMs
		if r.Success {
			s.Succeeded++
			s.TotalSizeBytes += r.TotalSizeBytes
			s.TotalFiles += r.FileCount
		} else {
			s.Failed++
		}
	}
	if s.Packages > 0 {
		s.MeanTimeMs = float64(s.TotalTimeMs) / float64(s.Packages)
		s.SuccessRate = float64(s.Succeeded) / float64(s.Packages)
	}
	return s
}

// FailedPackages returns the names of failed packages in sorted order.
func FailedPackages(results map[string]domain.PackageBuildResult) []string {
	var failed []string
	for name, r := range results {
		if !r.Success {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

// HumanSize formats a byte count for reports.
func HumanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
