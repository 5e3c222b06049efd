// Package quality runs quality checks (lint, type checks, tests) and decides
// whether their failures halt the pipeline.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/artpar/previewctl/internal/core/domain"
	corequality "github.com/artpar/previewctl/internal/core/quality"
	"github.com/artpar/previewctl/internal/shell/command"
)

// maxOutput caps the output stored on a CheckResult.
const maxOutput = 8 * 1024

// =============================================================================
// Types
// =============================================================================

// Check is one quality check.
type Check struct {
	Name      string
	Command   string
	Args      []string
	Dir       string
	Timeout   time.Duration
	Validator corequality.Validator
	// ParallelSafe checks run first, concurrently.
	ParallelSafe bool
	// Required failures always halt the pipeline.
	Required bool
	// OnFailure is run once when the check fails, e.g. "eslint --fix".
	OnFailure *command.Spec
}

func (c Check) spec() command.Spec {
	return command.Spec{
		Label:   "check-" + c.Name,
		Name:    c.Command,
		Args:    c.Args,
		Dir:     c.Dir,
		Timeout: c.Timeout,
	}
}

// Options control failure handling for one run.
type Options struct {
	// ContinueOnFailure keeps running sequential checks after a failure.
	ContinueOnFailure bool
	// HaltOnFailure escalates every failure, not only required ones.
	HaltOnFailure bool
	// MaxConcurrent bounds the parallel-safe fan-out. Default: 4.
	MaxConcurrent int
}

// Report is the outcome of RunChecks.
type Report struct {
	Results []domain.CheckResult
	Passed  int
	Failed  int
	// Stopped is true when a sequential failure prevented later checks.
	Stopped bool
}

// Gate runs quality checks.
type Gate struct {
	runner command.Runner
	logger *slog.Logger
}

// NewGate creates a quality gate.
func NewGate(runner command.Runner, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{runner: runner, logger: logger.With("component", "quality")}
}

// =============================================================================
// RunChecks
// =============================================================================

// RunChecks runs parallel-safe checks concurrently, then the rest in order.
// It returns ErrQualityCheck when a failure must halt the pipeline;
// otherwise failures are recorded as warnings only.
func (g *Gate) RunChecks(ctx context.Context, rc *domain.RunContext, checks []Check, opts Options) (Report, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}

	var parallel, sequential []Check
	for _, c := range checks {
		if c.ParallelSafe {
			parallel = append(parallel, c)
		} else {
			sequential = append(sequential, c)
		}
	}

	g.logger.Info("running quality checks",
		"parallel", len(parallel),
		"sequential", len(sequential),
	)

	var report Report

	parallelResults := make([]domain.CheckResult, len(parallel))
	sem := make(chan struct{}, opts.MaxConcurrent)
	var wg sync.WaitGroup
	for i, c := range parallel {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			parallelResults[i] = g.runCheck(ctx, rc, c, true)
		}(i, c)
	}
	wg.Wait()
	report.Results = append(report.Results, parallelResults...)

	for i, c := range sequential {
		res := g.runCheck(ctx, rc, c, false)
		report.Results = append(report.Results, res)
		if !res.Success && !opts.ContinueOnFailure {
			if remaining := len(sequential) - i - 1; remaining > 0 {
				report.Stopped = true
				rc.RecordWarning(fmt.Sprintf("%d check(s) not run after %s failed", remaining, c.Name),
					domain.PhaseValidation, "", domain.SeverityWarning)
			}
			break
		}
	}

	var escalate []domain.CheckResult
	for _, res := range report.Results {
		if res.Success {
			report.Passed++
			continue
		}
		report.Failed++
		if res.Required || opts.HaltOnFailure {
			escalate = append(escalate, res)
		}
	}

	g.logger.Info("quality checks finished", "passed", report.Passed, "failed", report.Failed)

	if len(escalate) > 0 {
		return report, g.escalation(checks, escalate)
	}
	return report, nil
}

// runCheck executes one check, validates it, and runs its remediation hook.
func (g *Gate) runCheck(ctx context.Context, rc *domain.RunContext, c Check, parallel bool) domain.CheckResult {
	logger := g.logger.With("check", c.Name)
	validator := c.Validator
	if validator == nil {
		validator = corequality.ExitCode()
	}

	started := time.Now()
	res, err := g.runner.Run(ctx, c.spec())
	duration := time.Since(started)
	if res.Duration > 0 {
		duration = res.Duration
	}

	result := domain.CheckResult{
		Name:       c.Name,
		ExitCode:   res.ExitCode,
		DurationMs: duration.Milliseconds(),
		Output:     truncate(res.Combined()),
		Required:   c.Required,
		Parallel:   parallel,
	}

	if err != nil {
		result.Reason = err.Error()
	} else {
		verdict := validator.Validate(corequality.Output{
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			TimedOut: res.TimedOut,
		})
		result.Success = verdict.Pass
		result.Reason = verdict.Reason
	}

	if !result.Success && c.OnFailure != nil && c.OnFailure.Name != "" {
		result.RecoveryAttempted = true
		spec := *c.OnFailure
		if spec.Label == "" {
			spec.Label = "fix-" + c.Name
		}
		if spec.Dir == "" {
			spec.Dir = c.Dir
		}
		fix, err := g.runner.Run(ctx, spec)
		switch {
		case err != nil:
			result.RecoveryError = err.Error()
		case fix.ExitCode != 0 || fix.TimedOut:
			result.RecoveryError = fmt.Sprintf("exit code %d", fix.ExitCode)
		default:
			result.RecoverySuccess = true
		}
		logger.Info("remediation ran", "success", result.RecoverySuccess)
	}

	msg := ""
	if !result.Success {
		msg = fmt.Sprintf("%s failed: %s", c.Name, result.Reason)
		logger.Warn("check failed", "reason", result.Reason, "required", c.Required)
	} else {
		logger.Debug("check passed", "duration", duration)
	}
	rc.AddCheckResult(result)
	_ = rc.RecordStep("check:"+c.Name, domain.PhaseValidation, result.Success, result.DurationMs, msg)
	return result
}

func (g *Gate) escalation(checks []Check, failed []domain.CheckResult) error {
	names := make([]string, 0, len(failed))
	for _, f := range failed {
		names = append(names, f.Name)
	}

	remediation := domain.DefaultRemediation
	for _, c := range checks {
		if c.Name == failed[0].Name {
			spec := c.spec()
			remediation = spec.String()
			if c.Dir != "" {
				remediation = fmt.Sprintf("cd %s && %s", c.Dir, remediation)
			}
			break
		}
	}

	return domain.NewPipelineError("RunChecks", domain.PhaseValidation,
		fmt.Sprintf("quality checks failed: %s", strings.Join(names, ", ")),
		remediation, domain.ErrQualityCheck)
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}
