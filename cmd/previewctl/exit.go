package main

import (
	"errors"

	"github.com/artpar/previewctl/internal/core/domain"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess      = 0
	ExitConfigError  = 1
	ExitAuthError    = 2
	ExitQualityError = 3
	ExitBuildError   = 4
	ExitDeployError  = 5
	ExitUnexpected   = 6
)

// configRemediation is the next step printed for configuration errors.
const configRemediation = "fix previewctl.yaml or the PREVIEWCTL_* settings, then re-run"

// =============================================================================
// RunError
// =============================================================================

// RunError is a command failure with its process exit code.
type RunError struct {
	Op       string
	Err      error
	ExitCode int
	// reported is set once the run summary, including its "Next step:" line,
	// has been printed.
	reported bool
}

func (e *RunError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// ExitCodeFor maps an error to the process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var re *RunError
	if errors.As(err, &re) && re.ExitCode != 0 {
		return re.ExitCode
	}
	switch domain.KindOf(err) {
	case domain.ErrAuthentication, domain.ErrDependency:
		return ExitAuthError
	case domain.ErrQualityCheck:
		return ExitQualityError
	case domain.ErrBuild:
		return ExitBuildError
	case domain.ErrDeployment:
		return ExitDeployError
	default:
		return ExitUnexpected
	}
}

// NextStep returns the single remediation line printed on a halt.
func NextStep(err error) string {
	var re *RunError
	if errors.As(err, &re) && re.ExitCode == ExitConfigError {
		return configRemediation
	}
	return domain.RemediationFor(err)
}
