package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/shell/command"
)

// =============================================================================
// Fake Runner
// =============================================================================

// fakeRunner answers check commands from a queue and counts reauth calls.
type fakeRunner struct {
	mu          sync.Mutex
	missing     map[string]bool
	checks      []command.Result
	reauthCalls int
	checkCalls  int
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.missing[name] {
		return "", command.ErrNotFound
	}
	return "/usr/local/bin/" + name, nil
}

func (f *fakeRunner) Run(_ context.Context, spec command.Spec) (command.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.HasPrefix(spec.Label, "reauth-") {
		f.reauthCalls++
		return command.Result{}, nil
	}
	f.checkCalls++
	if len(f.checks) == 0 {
		return command.Result{ExitCode: 1, Stderr: "Error: Failed to authenticate, have you run firebase login?"}, nil
	}
	r := f.checks[0]
	f.checks = f.checks[1:]
	return r, nil
}

type sleepRecorder struct{ waits []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

var firebaseReq = Requirement{
	Name:        "firebase",
	Binary:      "firebase",
	CheckArgs:   []string{"projects:list", "--json"},
	ReauthArgs:  []string{"login", "--reauth"},
	Remediation: "firebase login --reauth",
}

var notAuthed = command.Result{ExitCode: 1, Stderr: "Error: Authentication Error: Your credentials are no longer valid."}

// =============================================================================
// Tests
// =============================================================================

func TestVerify_AlreadyAuthenticated(t *testing.T) {
	runner := &fakeRunner{checks: []command.Result{{}}}
	g := NewGate(runner, Config{}, nil)
	rc := domain.NewRunContext(domain.RunOptions{}, nil)

	res, err := g.Verify(context.Background(), rc, []Requirement{firebaseReq})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.Services["firebase"].Authenticated)
	assert.Zero(t, runner.reauthCalls)

	step, ok := rc.Phase(domain.PhaseSetup).Step("auth:firebase")
	require.True(t, ok)
	assert.True(t, step.Success)
}

func TestVerify_MissingBinaryIsNotRetried(t *testing.T) {
	runner := &fakeRunner{missing: map[string]bool{"firebase": true}}
	g := NewGate(runner, Config{}, nil)
	rc := domain.NewRunContext(domain.RunOptions{}, nil)

	_, err := g.Verify(context.Background(), rc, []Requirement{firebaseReq})
	require.Error(t, err)

	assert.ErrorIs(t, err, domain.ErrDependency)
	assert.NotErrorIs(t, err, domain.ErrAuthentication)
	assert.Zero(t, runner.checkCalls)
	assert.Zero(t, runner.reauthCalls)
}

func TestVerify_ReauthSucceedsOnSecondAttempt(t *testing.T) {
	sleeper := &sleepRecorder{}
	runner := &fakeRunner{checks: []command.Result{notAuthed, notAuthed, {}}}
	g := NewGate(runner, Config{Sleep: sleeper.sleep}, nil)
	rc := domain.NewRunContext(domain.RunOptions{}, nil)

	res, err := g.Verify(context.Background(), rc, []Requirement{firebaseReq})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Services["firebase"].Attempts)
	assert.Equal(t, 2, runner.reauthCalls)
	assert.Equal(t, []time.Duration{GenericBackoff, GenericBackoff}, sleeper.waits, "a wait precedes every re-authentication")
	require.Len(t, rc.Warnings, 1)
	assert.Equal(t, domain.SeverityInfo, rc.Warnings[0].Severity)
}

func TestVerify_ExhaustedAfterThreeAttempts(t *testing.T) {
	sleeper := &sleepRecorder{}
	runner := &fakeRunner{}
	g := NewGate(runner, Config{Sleep: sleeper.sleep}, nil)
	rc := domain.NewRunContext(domain.RunOptions{}, nil)

	res, err := g.Verify(context.Background(), rc, []Requirement{firebaseReq})
	require.Error(t, err)

	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Equal(t, "firebase login --reauth", domain.RemediationFor(err))
	assert.False(t, res.Success)
	assert.Equal(t, MaxAttempts, runner.reauthCalls)
	assert.Equal(t, 1+MaxAttempts, runner.checkCalls)
	assert.Len(t, sleeper.waits, MaxAttempts)

	step, ok := rc.Phase(domain.PhaseSetup).Step("auth:firebase")
	require.True(t, ok)
	assert.False(t, step.Success)
}

func TestVerify_NetworkFailuresBackOffLonger(t *testing.T) {
	sleeper := &sleepRecorder{}
	network := command.Result{ExitCode: 1, Stderr: "Error: getaddrinfo ENOTFOUND firebase.googleapis.com"}
	runner := &fakeRunner{checks: []command.Result{network, network, notAuthed, {}}}
	g := NewGate(runner, Config{Sleep: sleeper.sleep}, nil)

	_, err := g.Verify(context.Background(), domain.NewRunContext(domain.RunOptions{}, nil), []Requirement{firebaseReq})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{NetworkBackoff, NetworkBackoff, GenericBackoff}, sleeper.waits)
}

func TestVerify_CancelledDuringFirstBackoff(t *testing.T) {
	runner := &fakeRunner{checks: []command.Result{notAuthed}}
	g := NewGate(runner, Config{Sleep: func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	}}, nil)

	res, err := g.Verify(context.Background(), domain.NewRunContext(domain.RunOptions{}, nil), []Requirement{firebaseReq})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, runner.reauthCalls)
	assert.Zero(t, res.Services["firebase"].Attempts)
}

func TestVerify_StopsAtFirstFailingService(t *testing.T) {
	runner := &fakeRunner{missing: map[string]bool{"gcloud": true}, checks: []command.Result{{}}}
	g := NewGate(runner, Config{}, nil)

	res, err := g.Verify(context.Background(), domain.NewRunContext(domain.RunOptions{}, nil), []Requirement{
		firebaseReq,
		{Name: "gcloud", CheckArgs: []string{"auth", "print-access-token"}},
		{Name: "never-checked"},
	})
	require.Error(t, err)
	assert.Len(t, res.Services, 2)
	assert.True(t, res.Services["firebase"].Authenticated)

	var pe *domain.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "install gcloud and make sure it is on PATH", pe.Remediation)
}

func TestBackoffFor(t *testing.T) {
	assert.Equal(t, NetworkBackoff, backoffFor(1, errNetwork))
	assert.Equal(t, GenericBackoff, backoffFor(1, errNotAuthenticated))
}
