// Package build builds every package concurrently and verifies the output
// each one produced.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	corebuild "github.com/artpar/previewctl/internal/core/build"
	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/shell/command"
)

// Package is one independently buildable unit.
type Package struct {
	Name          string
	Dir           string
	Command       string
	Args          []string
	OutputDir     string
	ExpectedFiles []string
	MinFiles      int
	Timeout       time.Duration
}

// Report is the outcome of Build.
type Report struct {
	Results map[string]domain.PackageBuildResult
	Summary domain.BuildSummary
	Success bool
}

// Config configures the coordinator.
type Config struct {
	// MaxConcurrent bounds parallel builds. Zero means one per package.
	MaxConcurrent int
	// Root resolves relative package paths. Empty means the working dir.
	Root string
}

// Coordinator builds packages.
type Coordinator struct {
	runner command.Runner
	config Config
	logger *slog.Logger
}

// NewCoordinator creates a build coordinator.
func NewCoordinator(runner command.Runner, config Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{runner: runner, config: config, logger: logger.With("component", "build")}
}

// Build removes every package's output directory, then builds all packages
// concurrently. A failing build never cancels its siblings. Any failure
// yields ErrBuild.
func (c *Coordinator) Build(ctx context.Context, rc *domain.RunContext, packages []Package) (Report, error) {
	report := Report{Results: make(map[string]domain.PackageBuildResult, len(packages))}

	for _, p := range packages {
		out := c.path(p.OutputDir)
		if err := os.RemoveAll(out); err != nil {
			c.logger.Warn("failed to clean output dir", "package", p.Name, "dir", out, "error", err)
			rc.RecordWarning(fmt.Sprintf("could not clean %s: %v", out, err), domain.PhaseBuild, "build:"+p.Name, domain.SeverityWarning)
		}
	}

	limit := c.config.MaxConcurrent
	if limit <= 0 || limit > len(packages) {
		limit = len(packages)
	}
	c.logger.Info("building packages", "count", len(packages), "max_concurrent", limit)

	var mu sync.Mutex
	sem := make(chan struct{}, max(limit, 1))
	var wg sync.WaitGroup
	for _, p := range packages {
		wg.Add(1)
		go func(p Package) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res := c.buildOne(ctx, p)
			rc.SetPackageResult(res)
			_ = rc.RecordStep("build:"+p.Name, domain.PhaseBuild, res.Success, res.DurationMs, res.Error)

			mu.Lock()
			report.Results[p.Name] = res
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	report.Summary = corebuild.Summarize(report.Results)
	summary := report.Summary
	rc.BuildSummary = &summary
	report.Success = report.Summary.Failed == 0

	c.logger.Info("build finished",
		"succeeded", report.Summary.Succeeded,
		"failed", report.Summary.Failed,
		"total_size", corebuild.HumanSize(report.Summary.TotalSizeBytes),
	)

	if !report.Success {
		failed := corebuild.FailedPackages(report.Results)
		remediation := domain.DefaultRemediation
		if p, ok := findPackage(packages, failed[0]); ok {
			remediation = command.Spec{Name: p.Command, Args: p.Args}.String()
			if p.Dir != "" {
				remediation = fmt.Sprintf("cd %s && %s", p.Dir, remediation)
			}
		}
		return report, domain.NewPipelineError("Build", domain.PhaseBuild,
			fmt.Sprintf("%d of %d packages failed to build: %v", len(failed), len(packages), failed),
			remediation, domain.ErrBuild)
	}
	return report, nil
}

func (c *Coordinator) buildOne(ctx context.Context, p Package) domain.PackageBuildResult {
	logger := c.logger.With("package", p.Name)
	result := domain.PackageBuildResult{Package: p.Name}

	started := time.Now()
	res, err := c.runner.Run(ctx, command.Spec{
		Label:   "build-" + p.Name,
		Name:    p.Command,
		Args:    p.Args,
		Dir:     c.path(p.Dir),
		Timeout: p.Timeout,
	})
	result.DurationMs = time.Since(started).Milliseconds()
	if res.Duration > 0 {
		result.DurationMs = res.Duration.Milliseconds()
	}

	switch {
	case err != nil:
		result.Error = err.Error()
	case res.TimedOut:
		result.Error = "build timed out"
	case res.ExitCode != 0:
		result.Error = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	if result.Error != "" {
		logger.Warn("build failed", "error", result.Error, "log", res.LogPath)
		return result
	}

	if p.OutputDir == "" {
		result.Error = "no output directory configured"
		return result
	}
	stats, err := corebuild.VerifyOutput(os.DirFS(c.path(p.OutputDir)), corebuild.Expectation{
		Files:    p.ExpectedFiles,
		MinFiles: p.MinFiles,
	})
	result.FileCount = stats.FileCount
	result.TotalSizeBytes = stats.TotalSizeBytes
	if err != nil {
		result.Error = err.Error()
		logger.Warn("build output invalid", "error", err)
		return result
	}

	result.Success = true
	logger.Info("package built", "files", stats.FileCount, "size", corebuild.HumanSize(stats.TotalSizeBytes), "duration_ms", result.DurationMs)
	return result
}

func (c *Coordinator) path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.config.Root == "" {
		return p
	}
	return filepath.Join(c.config.Root, p)
}

func findPackage(packages []Package, name string) (Package, bool) {
	for _, p := range packages {
		if p.Name == name {
			return p, true
		}
	}
	return Package{}, false
}
