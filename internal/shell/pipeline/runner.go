// Package pipeline drives one preview run through the fixed phase order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/artpar/previewctl/internal/core/channel"
	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/shell/auth"
	"github.com/artpar/previewctl/internal/shell/build"
	"github.com/artpar/previewctl/internal/shell/deploy"
	"github.com/artpar/previewctl/internal/shell/progress"
	"github.com/artpar/previewctl/internal/shell/quality"
	"github.com/artpar/previewctl/internal/shell/report"
	"github.com/artpar/previewctl/internal/shell/vcs"
)

// =============================================================================
// Collaborators
// =============================================================================

// AuthVerifier checks provider credentials during setup.
type AuthVerifier interface {
	Verify(ctx context.Context, rc *domain.RunContext, reqs []auth.Requirement) (auth.Result, error)
}

// QualityRunner runs the validation checks.
type QualityRunner interface {
	RunChecks(ctx context.Context, rc *domain.RunContext, checks []quality.Check, opts quality.Options) (quality.Report, error)
}

// Builder builds every package.
type Builder interface {
	Build(ctx context.Context, rc *domain.RunContext, packages []build.Package) (build.Report, error)
}

// Deployer publishes built packages to a preview channel.
type Deployer interface {
	Deploy(ctx context.Context, rc *domain.RunContext, targets []deploy.Target) (domain.DeploymentResult, error)
}

// Reporter renders the run into the run directory.
type Reporter interface {
	Generate(ctx context.Context, rc *domain.RunContext) (report.Artifact, error)
}

// RunSaver persists the finished run.
type RunSaver interface {
	SaveRun(ctx context.Context, rc *domain.RunContext) error
}

// VCS resolves branch facts and posts preview URLs. *vcs.Client satisfies it.
type VCS interface {
	Resolve(ctx context.Context) vcs.Info
	CanComment() bool
	CommentPreviewURLs(ctx context.Context, pr int, channelID string, urls map[string]string, fallback bool) error
}

// Components are the phase implementations. Auth, Quality, Build and Deploy
// are required; the rest may be nil.
type Components struct {
	Auth      AuthVerifier
	Quality   QualityRunner
	Build     Builder
	Deploy    Deployer
	Reclaimer deploy.Reclaimer
	Reporter  Reporter
	History   RunSaver
	VCS       VCS
	Progress  *progress.Publisher
}

// Plan is the content of a run: what to verify, check, build and deploy.
type Plan struct {
	Requirements []auth.Requirement
	Checks       []quality.Check
	Packages     []build.Package
	Targets      []deploy.Target
	// Sites are reclaimed during the cleanup phase.
	Sites []string
	// MaxConcurrentChecks bounds the parallel-safe check fan-out.
	MaxConcurrentChecks int
}

// =============================================================================
// Runner
// =============================================================================

// Runner executes phases strictly in domain.PhaseOrder.
type Runner struct {
	c      Components
	plan   Plan
	now    func() time.Time
	logger *slog.Logger
}

// NewRunner creates a runner. A nil now uses time.Now.
func NewRunner(c Components, plan Plan, now func() time.Time, logger *slog.Logger) *Runner {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		c:      c,
		plan:   plan,
		now:    now,
		logger: logger.With("component", "pipeline"),
	}
}

// Run executes one run and returns its ledger. The error is the first
// critical phase failure, or nil. The returned RunContext is never nil.
func (r *Runner) Run(ctx context.Context, opts domain.RunOptions) (*domain.RunContext, error) {
	opts = r.resolveVCS(ctx, opts)
	rc := domain.NewRunContext(opts, r.now)
	logger := r.logger.With("run_id", rc.ID)

	rc.ObserveSteps(r.c.Progress.StepObserver(ctx, rc.ID))
	r.publish(ctx, progress.Event{Kind: progress.RunStarted, RunID: rc.ID, Message: opts.Branch})
	logger.Info("run started", "branch", opts.Branch, "pull_request", opts.PullRequest)

	for _, p := range rc.Phases {
		p.Critical = r.critical(p.Name, opts)
	}

	var runErr error
	if err := prepareRunDir(opts.RunDir); err != nil {
		runErr = domain.WrapUnexpected("PrepareRunDir", domain.PhaseSetup, err)
	}

	for _, name := range domain.PhaseOrder {
		if name == domain.PhaseReport || runErr != nil {
			continue
		}
		if err := r.execute(ctx, rc, name); err != nil {
			phase := rc.Phase(name)
			if phase.Critical {
				logger.Error("critical phase failed, halting", "phase", name, "error", err)
				runErr = err
				continue
			}
			logger.Warn("phase failed", "phase", name, "error", err)
			rc.RecordWarning(err.Error(), name, "", domain.SeverityWarning)
		}
	}

	rc.Finish(runErr)

	// The report phase is attempted even after a critical failure.
	if err := r.execute(ctx, rc, domain.PhaseReport); err != nil {
		logger.Warn("report phase failed", "error", err)
		rc.RecordWarning(err.Error(), domain.PhaseReport, "", domain.SeverityWarning)
	}

	if r.c.History != nil {
		if err := r.c.History.SaveRun(ctx, rc); err != nil {
			logger.Warn("failed to save run history", "error", err)
			rc.RecordWarning(fmt.Sprintf("run history not saved: %v", err), domain.PhaseReport, "history", domain.SeverityWarning)
		}
	}

	r.publish(ctx, progress.Event{
		Kind:       progress.RunFinished,
		RunID:      rc.ID,
		Status:     string(rc.Status),
		DurationMs: rc.Duration().Milliseconds(),
		Message:    rc.Error,
	})
	logger.Info("run finished",
		"status", rc.Status,
		"duration", rc.Duration(),
		"warnings", len(rc.Warnings),
	)
	return rc, runErr
}

// execute runs one phase, honouring skips. Panics inside the phase become
// ErrUnexpected failures of that phase.
func (r *Runner) execute(ctx context.Context, rc *domain.RunContext, name domain.PhaseName) (err error) {
	phase := rc.Phase(name)
	if rc.Options.Skip[name] {
		if err := phase.Skip(); err != nil {
			return domain.WrapUnexpected("SkipPhase", name, err)
		}
		r.publish(ctx, progress.Event{Kind: progress.PhaseSkipped, RunID: rc.ID, Phase: name, Status: string(phase.Status)})
		r.logger.Info("phase skipped", "phase", name)
		return nil
	}

	if err := phase.Start(rc.Now()); err != nil {
		return domain.WrapUnexpected("StartPhase", name, err)
	}
	r.publish(ctx, progress.Event{Kind: progress.PhaseStarted, RunID: rc.ID, Phase: name})

	defer func() {
		if rec := recover(); rec != nil {
			err = domain.WrapUnexpected(opName(name), name, fmt.Errorf("panic: %v", rec))
		}
		if fErr := phase.Finish(rc.Now(), err); fErr != nil {
			r.logger.Debug("phase finish rejected", "phase", name, "error", fErr)
		}
		ev := progress.Event{
			Kind:       progress.PhaseFinished,
			RunID:      rc.ID,
			Phase:      name,
			Status:     string(phase.Status),
			DurationMs: phase.DurationMs,
		}
		if err != nil {
			ev.Message = err.Error()
		}
		r.publish(ctx, ev)
	}()

	return domain.WrapUnexpected(opName(name), name, r.phaseFunc(name)(ctx, rc))
}

func (r *Runner) phaseFunc(name domain.PhaseName) func(context.Context, *domain.RunContext) error {
	switch name {
	case domain.PhaseSetup:
		return r.setup
	case domain.PhaseValidation:
		return r.validate
	case domain.PhaseBuild:
		return r.build
	case domain.PhaseDeploy:
		return r.deploy
	case domain.PhaseCleanup:
		return r.cleanup
	default:
		return r.report
	}
}

// =============================================================================
// Phases
// =============================================================================

func (r *Runner) setup(ctx context.Context, rc *domain.RunContext) error {
	_, err := r.c.Auth.Verify(ctx, rc, r.plan.Requirements)
	return err
}

func (r *Runner) validate(ctx context.Context, rc *domain.RunContext) error {
	_, err := r.c.Quality.RunChecks(ctx, rc, r.plan.Checks, quality.Options{
		ContinueOnFailure: rc.Options.ContinueOnFailure,
		HaltOnFailure:     rc.Options.HaltOnQualityFailed,
		MaxConcurrent:     r.plan.MaxConcurrentChecks,
	})
	return err
}

func (r *Runner) build(ctx context.Context, rc *domain.RunContext) error {
	_, err := r.c.Build.Build(ctx, rc, r.plan.Packages)
	return err
}

func (r *Runner) deploy(ctx context.Context, rc *domain.RunContext) error {
	_, err := r.c.Deploy.Deploy(ctx, rc, r.plan.Targets)
	return err
}

// cleanup runs routine reclaim. Deletion failures are recorded by the
// reclaimer and never fail the phase.
func (r *Runner) cleanup(ctx context.Context, rc *domain.RunContext) error {
	if r.c.Reclaimer == nil || len(r.plan.Sites) == 0 {
		rc.RecordWarning("no sites configured for cleanup", domain.PhaseCleanup, "", domain.SeverityInfo)
		return nil
	}
	threshold := rc.Options.Threshold
	summary := r.c.Reclaimer.Reclaim(ctx, rc, r.plan.Sites, channel.Routine(rc.Options.KeepCount, &threshold))
	rc.Cleanup = &summary
	return nil
}

// report renders the dashboard and posts preview URLs to the pull request.
func (r *Runner) report(ctx context.Context, rc *domain.RunContext) error {
	var reportErr error
	if r.c.Reporter != nil {
		started := time.Now()
		art, err := r.c.Reporter.Generate(ctx, rc)
		msg := ""
		if err != nil {
			msg = err.Error()
			reportErr = err
		}
		_ = rc.RecordStep("dashboard", domain.PhaseReport, err == nil, time.Since(started).Milliseconds(), msg)
		if art.Dashboard != "" {
			r.logger.Info("report written", "dashboard", art.Dashboard)
		}
	}

	r.comment(ctx, rc)
	return reportErr
}

func (r *Runner) comment(ctx context.Context, rc *domain.RunContext) {
	pr := rc.Options.PullRequest
	if r.c.VCS == nil || !r.c.VCS.CanComment() || pr <= 0 || len(rc.PreviewURLs) == 0 {
		return
	}
	channelID := ""
	if rc.Deployment != nil {
		channelID = rc.Deployment.ChannelID
	}

	started := time.Now()
	err := r.c.VCS.CommentPreviewURLs(ctx, pr, channelID, rc.PreviewURLs, rc.URLsFallback)
	if err != nil {
		r.logger.Warn("failed to comment on pull request", "pull_request", pr, "error", err)
		rc.RecordWarning(fmt.Sprintf("could not comment on PR #%d: %v", pr, err), domain.PhaseReport, "pr-comment", domain.SeverityWarning)
		_ = rc.RecordStep("pr-comment", domain.PhaseReport, false, time.Since(started).Milliseconds(), "")
		return
	}
	_ = rc.RecordStep("pr-comment", domain.PhaseReport, true, time.Since(started).Milliseconds(), "")
}

// =============================================================================
// Helpers
// =============================================================================

// critical reports whether a failure in the phase halts the run.
func (r *Runner) critical(name domain.PhaseName, opts domain.RunOptions) bool {
	switch name {
	case domain.PhaseSetup, domain.PhaseBuild, domain.PhaseDeploy:
		return true
	case domain.PhaseValidation:
		if opts.HaltOnQualityFailed {
			return true
		}
		for _, c := range r.plan.Checks {
			if c.Required {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// resolveVCS fills branch, commit and PR facts the caller left empty.
func (r *Runner) resolveVCS(ctx context.Context, opts domain.RunOptions) domain.RunOptions {
	if r.c.VCS == nil {
		if opts.Branch == "" {
			opts.Branch = vcs.DefaultBranch
		}
		return opts
	}
	if opts.Branch != "" && opts.PullRequest > 0 && opts.CommitMessage != "" {
		return opts
	}
	info := r.c.VCS.Resolve(ctx)
	if opts.Branch == "" {
		opts.Branch = info.Branch
	}
	if opts.CommitMessage == "" {
		opts.CommitMessage = info.CommitMessage
	}
	if opts.PullRequest <= 0 {
		opts.PullRequest = info.PullRequest
	}
	return opts
}

func (r *Runner) publish(ctx context.Context, ev progress.Event) {
	r.c.Progress.Publish(ctx, ev)
}

// prepareRunDir clears the run-scoped output directory and recreates it.
func prepareRunDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear run dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir %s: %w", dir, err)
	}
	return nil
}

func opName(name domain.PhaseName) string {
	switch name {
	case domain.PhaseSetup:
		return "VerifyAuth"
	case domain.PhaseValidation:
		return "RunChecks"
	case domain.PhaseBuild:
		return "Build"
	case domain.PhaseDeploy:
		return "Deploy"
	case domain.PhaseCleanup:
		return "Cleanup"
	default:
		return "GenerateReport"
	}
}
