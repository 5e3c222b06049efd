package domain

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Run Status
// =============================================================================

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// =============================================================================
// Severity
// =============================================================================

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// IsValid reports whether the severity is known.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// Warning is an independent log entry. It is not tied to the lifetime of
// the step it names.
type Warning struct {
	Message   string    `json:"message"`
	Phase     PhaseName `json:"phase"`
	Step      string    `json:"step,omitempty"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

type warningKey struct {
	message string
	phase   PhaseName
	step    string
}

// =============================================================================
// Run Options
// =============================================================================

// RunOptions are the knobs a run was started with. They are recorded on the
// run for reporting and never change afterwards.
type RunOptions struct {
	Skip                map[PhaseName]bool `json:"skip,omitempty"`
	KeepCount           int                `json:"keep_count"`
	Threshold           int                `json:"threshold"`
	ContinueOnFailure   bool               `json:"continue_on_failure"`
	HaltOnQualityFailed bool               `json:"halt_on_quality_failure"`
	RunDir              string             `json:"run_dir"`
	Branch              string             `json:"branch,omitempty"`
	CommitMessage       string             `json:"commit_message,omitempty"`
	PullRequest         int                `json:"pull_request,omitempty"`
}

// =============================================================================
// RunContext
// =============================================================================

// RunContext owns all state for a single pipeline run. It is created at run
// start, passed by reference through every phase and discarded at exit.
// Ledger methods are safe for concurrent use.
type RunContext struct {
	ID           string                        `json:"id"`
	StartedAt    time.Time                     `json:"started_at"`
	FinishedAt   *time.Time                    `json:"finished_at,omitempty"`
	Options      RunOptions                    `json:"options"`
	Phases       []*Phase                      `json:"phases"`
	Warnings     []Warning                     `json:"warnings"`
	PreviewURLs  map[string]string             `json:"preview_urls"`
	URLsFallback bool                          `json:"urls_fallback"`
	Cleanup      *CleanupSummary               `json:"cleanup,omitempty"`
	Packages     map[string]PackageBuildResult `json:"packages"`
	BuildSummary *BuildSummary                 `json:"build_summary,omitempty"`
	Checks       []CheckResult                 `json:"checks"`
	Deployment   *DeploymentResult             `json:"deployment,omitempty"`
	Status       RunStatus                     `json:"status"`
	Error        string                        `json:"error,omitempty"`
	Remediation  string                        `json:"remediation,omitempty"`

	mu       sync.Mutex
	warnSeen map[warningKey]struct{}
	now      func() time.Time
	onStep   func(Step)
}

// NewRunContext creates a run with every phase pending.
func NewRunContext(opts RunOptions, now func() time.Time) *RunContext {
	if now == nil {
		now = time.Now
	}
	rc := &RunContext{
		ID:          uuid.New().String(),
		StartedAt:   now().UTC(),
		Options:     opts,
		Phases:      make([]*Phase, 0, len(PhaseOrder)),
		Warnings:    []Warning{},
		PreviewURLs: map[string]string{},
		Packages:    map[string]PackageBuildResult{},
		Checks:      []CheckResult{},
		Status:      RunPending,
		warnSeen:    map[warningKey]struct{}{},
		now:         now,
	}
	for _, name := range PhaseOrder {
		rc.Phases = append(rc.Phases, NewPhase(name))
	}
	return rc
}

// Now returns the run's clock reading in UTC.
func (rc *RunContext) Now() time.Time {
	if rc.now == nil {
		return time.Now().UTC()
	}
	return rc.now().UTC()
}

// Phase returns the named phase or nil.
func (rc *RunContext) Phase(name PhaseName) *Phase {
	for _, p := range rc.Phases {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// =============================================================================
// Ledger: Steps
// =============================================================================

// RecordStep stores the step, overwriting an earlier step of the same name in
// the same phase. A failed step with a message also yields an error warning.
func (rc *RunContext) RecordStep(name string, phase PhaseName, success bool, durationMs int64, errMsg string) error {
	if durationMs < 0 {
		durationMs = 0
	}

	rc.mu.Lock()
	p := rc.Phase(phase)
	if p == nil {
		rc.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPhase, phase)
	}

	step := Step{
		Name:       name,
		Phase:      phase,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Timestamp:  rc.Now(),
	}

	replaced := false
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			p.Steps[i] = step
			replaced = true
			break
		}
	}
	if !replaced {
		p.Steps = append(p.Steps, step)
	}
	observer := rc.onStep
	rc.mu.Unlock()

	if !success && errMsg != "" {
		rc.RecordWarning(errMsg, phase, name, SeverityError)
	}
	if observer != nil {
		observer(step)
	}
	return nil
}

// ObserveSteps registers fn to be called after every recorded step. fn runs
// outside the ledger lock and may be called from several goroutines.
func (rc *RunContext) ObserveSteps(fn func(Step)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.onStep = fn
}

// =============================================================================
// Ledger: Warnings
// =============================================================================

// RecordWarning appends a warning unless one with the same
// (message, phase, step) already exists. It reports whether it was added.
func (rc *RunContext) RecordWarning(message string, phase PhaseName, step string, severity Severity) bool {
	if severity == "" {
		severity = SeverityWarning
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.warnSeen == nil {
		rc.warnSeen = map[warningKey]struct{}{}
	}
	key := warningKey{message: message, phase: phase, step: step}
	if _, dup := rc.warnSeen[key]; dup {
		return false
	}
	rc.warnSeen[key] = struct{}{}
	rc.Warnings = append(rc.Warnings, Warning{
		Message:   message,
		Phase:     phase,
		Step:      step,
		Severity:  severity,
		Timestamp: rc.Now(),
	})
	return true
}

// WarningCounts groups warnings by phase and severity.
func (rc *RunContext) WarningCounts() map[PhaseName]map[Severity]int {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	counts := make(map[PhaseName]map[Severity]int)
	for _, w := range rc.Warnings {
		if counts[w.Phase] == nil {
			counts[w.Phase] = make(map[Severity]int)
		}
		counts[w.Phase][w.Severity]++
	}
	return counts
}

// StepCounts summarizes passed and failed steps for one phase.
type StepCounts struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// StepCounts returns per-phase step tallies.
func (rc *RunContext) StepCounts() map[PhaseName]StepCounts {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	counts := make(map[PhaseName]StepCounts, len(rc.Phases))
	for _, p := range rc.Phases {
		var c StepCounts
		for _, s := range p.Steps {
			if s.Success {
				c.Passed++
			} else {
				c.Failed++
			}
		}
		counts[p.Name] = c
	}
	return counts
}

// =============================================================================
// Component Results
// =============================================================================

// SetPackageResult stores one package's build result.
func (rc *RunContext) SetPackageResult(result PackageBuildResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.Packages[result.Package] = result
}

// AddCheckResult appends a quality check result.
func (rc *RunContext) AddCheckResult(result CheckResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.Checks = append(rc.Checks, result)
}

// SetPreviewURLs replaces the known preview URLs.
func (rc *RunContext) SetPreviewURLs(urls map[string]string, fallback bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.PreviewURLs = make(map[string]string, len(urls))
	for role, u := range urls {
		rc.PreviewURLs[role] = u
	}
	rc.URLsFallback = fallback
}

// URLRoles returns the preview URL roles in sorted order.
func (rc *RunContext) URLRoles() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	roles := make([]string, 0, len(rc.PreviewURLs))
	for role := range rc.PreviewURLs {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Finish sets the terminal status of the run.
func (rc *RunContext) Finish(err error) {
	now := rc.Now()
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.FinishedAt = &now
	if err != nil {
		rc.Status = RunFailed
		rc.Error = err.Error()
		rc.Remediation = RemediationFor(err)
		return
	}
	rc.Status = RunSucceeded
}

// Duration returns the elapsed run time.
func (rc *RunContext) Duration() time.Duration {
	if rc.FinishedAt == nil {
		return rc.Now().Sub(rc.StartedAt)
	}
	return rc.FinishedAt.Sub(rc.StartedAt)
}
