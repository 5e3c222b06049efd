// Package auth verifies that the tools the pipeline drives are installed and
// authenticated, re-authenticating a bounded number of times.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/shell/command"
	"github.com/artpar/previewctl/internal/shell/retry"
)

const (
	// MaxAttempts bounds re-authentication attempts per service.
	MaxAttempts = 3
	// GenericBackoff is the wait after an ordinary auth failure.
	GenericBackoff = 2 * time.Second
	// NetworkBackoff is the wait after a network-class failure.
	NetworkBackoff = 5 * time.Second
)

var (
	errNotAuthenticated = errors.New("not authenticated")
	errNetwork          = errors.New("network failure")
)

var networkSignatures = regexp.MustCompile(`(?i)(timed? ?out|ETIMEDOUT|ECONNREFUSED|connection refused|ENOTFOUND|getaddrinfo|network (is )?unreachable|ECONNRESET|socket hang up)`)

// =============================================================================
// Types
// =============================================================================

// Requirement names one tool whose credentials must be valid.
type Requirement struct {
	Name       string
	Binary     string
	CheckArgs  []string
	ReauthArgs []string
	// Remediation is the exact command an operator should run when
	// re-authentication is exhausted.
	Remediation string
}

// ServiceStatus reports one requirement's outcome.
type ServiceStatus struct {
	Name          string `json:"name"`
	Authenticated bool   `json:"authenticated"`
	Attempts      int    `json:"attempts"`
	Error         string `json:"error,omitempty"`
}

// Result is the outcome of Verify.
type Result struct {
	Success  bool
	Services map[string]ServiceStatus
}

// Config configures the gate.
type Config struct {
	CheckTimeout  time.Duration
	ReauthTimeout time.Duration
	// Sleep replaces the backoff timer, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gate verifies authentication before any other phase runs.
type Gate struct {
	runner command.Runner
	config Config
	logger *slog.Logger
}

// NewGate creates an auth gate.
func NewGate(runner command.Runner, config Config, logger *slog.Logger) *Gate {
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 30 * time.Second
	}
	if config.ReauthTimeout <= 0 {
		config.ReauthTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		runner: runner,
		config: config,
		logger: logger.With("component", "auth"),
	}
}

// =============================================================================
// Verify
// =============================================================================

// Verify checks each requirement in order and stops at the first one that
// cannot be satisfied. Each service is recorded as a setup step.
//
// A failed check is followed by up to MaxAttempts re-authentications, each
// preceded by a backoff: NetworkBackoff after a network failure and
// GenericBackoff otherwise.
func (g *Gate) Verify(ctx context.Context, rc *domain.RunContext, reqs []Requirement) (Result, error) {
	result := Result{Success: true, Services: make(map[string]ServiceStatus, len(reqs))}

	for _, req := range reqs {
		started := time.Now()
		status, err := g.verifyOne(ctx, req)
		result.Services[req.Name] = status

		step := "auth:" + req.Name
		if err != nil {
			result.Success = false
			_ = rc.RecordStep(step, domain.PhaseSetup, false, time.Since(started).Milliseconds(), status.Error)
			return result, err
		}
		_ = rc.RecordStep(step, domain.PhaseSetup, true, time.Since(started).Milliseconds(), "")
		if status.Attempts > 0 {
			rc.RecordWarning(fmt.Sprintf("%s required re-authentication (%d attempt(s))", req.Name, status.Attempts),
				domain.PhaseSetup, step, domain.SeverityInfo)
		}
	}
	return result, nil
}

func (g *Gate) verifyOne(ctx context.Context, req Requirement) (ServiceStatus, error) {
	status := ServiceStatus{Name: req.Name}
	logger := g.logger.With("service", req.Name)

	binary := req.Binary
	if binary == "" {
		binary = req.Name
	}
	if _, err := g.runner.LookPath(binary); err != nil {
		status.Error = fmt.Sprintf("%s is not installed", binary)
		logger.Error("required tool missing", "binary", binary)
		return status, domain.NewPipelineError("VerifyAuth", domain.PhaseSetup, status.Error,
			fmt.Sprintf("install %s and make sure it is on PATH", binary),
			fmt.Errorf("%w: %w", domain.ErrDependency, err))
	}

	checkErr := g.check(ctx, binary, req)
	if checkErr == nil {
		status.Authenticated = true
		logger.Debug("already authenticated")
		return status, nil
	}
	logger.Warn("authentication check failed, re-authenticating", "error", checkErr)

	remediation := req.Remediation
	if remediation == "" {
		remediation = fmt.Sprintf("%s login", binary)
	}

	// Every re-authentication attempt, the first included, waits out the
	// backoff for the failure that preceded it.
	sleep := g.config.Sleep
	if sleep == nil {
		sleep = retry.Sleep
	}
	if err := sleep(ctx, backoffFor(0, checkErr)); err != nil {
		status.Error = fmt.Sprintf("%s authentication interrupted", req.Name)
		return status, domain.NewPipelineError("VerifyAuth", domain.PhaseSetup, status.Error, remediation,
			fmt.Errorf("%w: %w", domain.ErrAuthentication, err))
	}

	outcome, err := retry.Do(ctx, retry.Policy{
		MaxAttempts: MaxAttempts,
		Backoff:     backoffFor,
		Sleep:       sleep,
	}, func(ctx context.Context, attempt int) error {
		if len(req.ReauthArgs) > 0 {
			res, err := g.runner.Run(ctx, command.Spec{
				Label:   "reauth-" + req.Name,
				Name:    binary,
				Args:    req.ReauthArgs,
				Timeout: g.config.ReauthTimeout,
			})
			if err != nil {
				return err
			}
			if res.ExitCode != 0 || res.TimedOut {
				logger.Debug("re-authentication command failed", "attempt", attempt, "exit_code", res.ExitCode)
			}
		}
		return g.check(ctx, binary, req)
	})
	status.Attempts = outcome.Attempts

	if err != nil {
		status.Error = fmt.Sprintf("%s authentication failed after %d attempts", req.Name, outcome.Attempts)
		logger.Error("re-authentication exhausted", "attempts", outcome.Attempts, "error", err)
		return status, domain.NewPipelineError("VerifyAuth", domain.PhaseSetup, status.Error, remediation,
			fmt.Errorf("%w: %w", domain.ErrAuthentication, err))
	}

	status.Authenticated = true
	logger.Info("re-authenticated", "attempts", outcome.Attempts)
	return status, nil
}

// check runs the requirement's verification command.
func (g *Gate) check(ctx context.Context, binary string, req Requirement) error {
	res, err := g.runner.Run(ctx, command.Spec{
		Label:   "auth-check-" + req.Name,
		Name:    binary,
		Args:    req.CheckArgs,
		Timeout: g.config.CheckTimeout,
	})
	if err != nil {
		return err
	}
	if res.TimedOut {
		return fmt.Errorf("%w: check timed out", errNetwork)
	}
	if res.ExitCode != 0 {
		if networkSignatures.MatchString(res.Combined()) {
			return fmt.Errorf("%w: %s", errNetwork, res.Combined())
		}
		return fmt.Errorf("%w: exit code %d", errNotAuthenticated, res.ExitCode)
	}
	return nil
}

func backoffFor(_ int, err error) time.Duration {
	if errors.Is(err, errNetwork) {
		return NetworkBackoff
	}
	return GenericBackoff
}
