package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Pipeline Error Kinds
// =============================================================================

var (
	// ErrAuthentication is returned when provider credentials cannot be
	// verified or repaired. Halts the run.
	ErrAuthentication = errors.New("authentication failed")

	// ErrDependency is returned when a required tool is missing. Halts the run.
	ErrDependency = errors.New("missing dependency")

	// ErrQualityCheck is returned when a required quality check fails.
	ErrQualityCheck = errors.New("quality check failed")

	// ErrBuild is returned when one or more packages fail to build. Halts deploy.
	ErrBuild = errors.New("build failed")

	// ErrDeployment is returned when a deploy fails after its single quota
	// recovery attempt.
	ErrDeployment = errors.New("deployment failed")

	// ErrUnexpected wraps errors that fit no other kind.
	ErrUnexpected = errors.New("unexpected workflow error")
)

// DefaultRemediation is printed when an error carries no specific guidance.
const DefaultRemediation = "re-run with --log-level=debug and inspect the run directory logs"

// PipelineError wraps an error kind with the phase it occurred in and one
// concrete next action for the operator.
type PipelineError struct {
	Op          string    // Operation that failed (e.g., "Deploy")
	Phase       PhaseName // Phase the error surfaced in
	Message     string
	Remediation string // One concrete command or action
	Err         error
}

func (e *PipelineError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Op, e.Phase, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(op string, phase PhaseName, message, remediation string, err error) *PipelineError {
	return &PipelineError{
		Op:          op,
		Phase:       phase,
		Message:     message,
		Remediation: remediation,
		Err:         err,
	}
}

// WrapUnexpected turns an arbitrary error into an ErrUnexpected pipeline
// error, keeping the original cause in the chain. Pipeline errors pass
// through untouched.
func WrapUnexpected(op string, phase PhaseName, cause error) error {
	if cause == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(cause, &pe) {
		return cause
	}
	return NewPipelineError(op, phase, cause.Error(), DefaultRemediation, fmt.Errorf("%w: %w", ErrUnexpected, cause))
}

// RemediationFor extracts the operator guidance carried by err.
func RemediationFor(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Remediation != "" {
		return pe.Remediation
	}
	if err == nil {
		return ""
	}
	return DefaultRemediation
}

// KindOf returns the sentinel kind an error belongs to, or ErrUnexpected.
func KindOf(err error) error {
	for _, kind := range []error{ErrAuthentication, ErrDependency, ErrQualityCheck, ErrBuild, ErrDeployment} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrUnexpected
}
