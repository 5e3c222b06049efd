package domain

import (
	"errors"
	"time"
)

// =============================================================================
// Phase Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid phase status transition")
	ErrUnknownPhase      = errors.New("unknown phase")
)

// =============================================================================
// Phase Names
// =============================================================================

// PhaseName identifies one of the fixed pipeline phases.
type PhaseName string

const (
	PhaseSetup      PhaseName = "setup"
	PhaseValidation PhaseName = "validation"
	PhaseBuild      PhaseName = "build"
	PhaseDeploy     PhaseName = "deploy"
	PhaseCleanup    PhaseName = "cleanup"
	PhaseReport     PhaseName = "report"
)

// PhaseOrder is the fixed execution order. It is not configurable.
var PhaseOrder = []PhaseName{
	PhaseSetup,
	PhaseValidation,
	PhaseBuild,
	PhaseDeploy,
	PhaseCleanup,
	PhaseReport,
}

// IsValid reports whether the name is one of the fixed phases.
func (n PhaseName) IsValid() bool {
	return n.Index() >= 0
}

// Index returns the position of the phase in PhaseOrder, or -1.
func (n PhaseName) Index() int {
	for i, p := range PhaseOrder {
		if p == n {
			return i
		}
	}
	return -1
}

// =============================================================================
// Phase Status
// =============================================================================

type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseSucceeded PhaseStatus = "succeeded"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// IsTerminal returns true if no further transitions are allowed.
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseSucceeded || s == PhaseFailed || s == PhaseSkipped
}

// validPhaseTransitions only moves forward: pending -> running|skipped,
// running -> succeeded|failed.
var validPhaseTransitions = map[PhaseStatus][]PhaseStatus{
	PhasePending:   {PhaseRunning, PhaseSkipped},
	PhaseRunning:   {PhaseSucceeded, PhaseFailed},
	PhaseSucceeded: {},
	PhaseFailed:    {},
	PhaseSkipped:   {},
}

// ValidatePhaseTransition checks if a phase status transition is valid.
func ValidatePhaseTransition(from, to PhaseStatus) error {
	allowed, exists := validPhaseTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return ErrInvalidTransition
}

// =============================================================================
// Phase
// =============================================================================

// Phase is one stage of a run. Steps are kept in first-recorded order.
type Phase struct {
	Name      PhaseName     `json:"name"`
	Order     int           `json:"order"`
	Status    PhaseStatus   `json:"status"`
	Critical  bool          `json:"critical"`
	Steps     []Step        `json:"steps"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Duration  time.Duration `json:"-"`
	// DurationMs mirrors Duration for JSON consumers.
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// NewPhase creates a pending phase at its fixed order index.
func NewPhase(name PhaseName) *Phase {
	return &Phase{
		Name:   name,
		Order:  name.Index(),
		Status: PhasePending,
		Steps:  []Step{},
	}
}

// Start moves the phase to running.
func (p *Phase) Start(now time.Time) error {
	if err := ValidatePhaseTransition(p.Status, PhaseRunning); err != nil {
		return err
	}
	p.Status = PhaseRunning
	p.StartedAt = &now
	return nil
}

// Skip marks a pending phase as skipped with zero duration.
func (p *Phase) Skip() error {
	if err := ValidatePhaseTransition(p.Status, PhaseSkipped); err != nil {
		return err
	}
	p.Status = PhaseSkipped
	p.Duration = 0
	p.DurationMs = 0
	return nil
}

// Finish moves a running phase to succeeded or failed.
func (p *Phase) Finish(now time.Time, err error) error {
	to := PhaseSucceeded
	if err != nil {
		to = PhaseFailed
	}
	if vErr := ValidatePhaseTransition(p.Status, to); vErr != nil {
		return vErr
	}
	p.Status = to
	if err != nil {
		p.Error = err.Error()
	}
	if p.StartedAt != nil {
		p.Duration = now.Sub(*p.StartedAt)
		if p.Duration < 0 {
			p.Duration = 0
		}
	}
	p.DurationMs = p.Duration.Milliseconds()
	return nil
}

// Step returns the named step, if recorded.
func (p *Phase) Step(name string) (Step, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// =============================================================================
// Step
// =============================================================================

// Step is the outcome of one unit of work within a phase.
// Phase is a weak reference by name.
type Step struct {
	Name       string    `json:"name"`
	Phase      PhaseName `json:"phase"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
