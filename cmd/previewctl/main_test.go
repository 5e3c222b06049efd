package main

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/core/manifest"
	"github.com/artpar/previewctl/internal/shell/store"
)

// =============================================================================
// Exit Code Tests
// =============================================================================

func TestExitCodeFor(t *testing.T) {
	pe := func(kind error) error {
		return domain.NewPipelineError("Op", "", "failed", "do something", kind)
	}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"config", &RunError{Op: "LoadConfig", Err: errors.New("bad"), ExitCode: ExitConfigError}, ExitConfigError},
		{"auth", pe(domain.ErrAuthentication), ExitAuthError},
		{"dependency", pe(domain.ErrDependency), ExitAuthError},
		{"quality", pe(domain.ErrQualityCheck), ExitQualityError},
		{"build", pe(domain.ErrBuild), ExitBuildError},
		{"deploy", pe(domain.ErrDeployment), ExitDeployError},
		{"unexpected", errors.New("boom"), ExitUnexpected},
		{"wrapped run error", fmt.Errorf("ctx: %w", &RunError{Op: "Run", Err: pe(domain.ErrBuild), ExitCode: ExitBuildError}), ExitBuildError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeFor(tt.err))
		})
	}
}

func TestNextStep(t *testing.T) {
	assert.Equal(t, configRemediation, NextStep(&RunError{Op: "LoadConfig", Err: errors.New("x"), ExitCode: ExitConfigError}))
	assert.Equal(t, "firebase login --reauth", NextStep(domain.NewPipelineError("VerifyAuth", domain.PhaseSetup, "expired", "firebase login --reauth", domain.ErrAuthentication)))
	assert.Equal(t, domain.DefaultRemediation, NextStep(errors.New("boom")))
}

// =============================================================================
// CLI Tests
// =============================================================================

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"version"}, &stdout, &stderr)
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout.String(), "previewctl dev")
}

func TestRun_BadFlagIsConfigError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"run", "--keep=lots"}, &stdout, &stderr)
	assert.Equal(t, ExitConfigError, code)
	assert.Equal(t, 1, strings.Count(stderr.String(), "Next step:"))
}

func TestRun_MissingManifest(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	code := run([]string{"run", "--manifest", missing}, &stdout, &stderr)
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr.String(), "read manifest")
	assert.Contains(t, stderr.String(), "Next step: "+configRemediation)
}

func TestRun_HistoryEmpty(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	dsn := filepath.Join(t.TempDir(), "history.db")
	code := run([]string{"history", "--dsn", dsn, "--json", "--manifest", filepath.Join(t.TempDir(), "none.yaml")}, &stdout, &stderr)
	require.Equal(t, ExitSuccess, code, stderr.String())
	assert.Equal(t, "[]\n", stdout.String())
}

// =============================================================================
// Plan Tests
// =============================================================================

const testManifest = `
auth:
  - name: firebase
    check: [projects:list]
    reauth: [login, --reauth]
    remediation: firebase login --reauth
checks:
  - name: lint
    run: [npm, run, lint]
    validator: lint
    parallel: true
    on_failure: [npm, run, lint, --, --fix]
  - name: unit
    run: [npm, test]
    timeout: 2m
    required: true
packages:
  - name: admin
    dir: packages/admin
    run: [npm, run, build]
    output: packages/admin/dist
    expect: [index.html]
targets:
  - site: demo-admin
    role: admin
    package: admin
`

func TestBuildPlan(t *testing.T) {
	clearEnv(t)
	m, err := manifest.Parse([]byte(testManifest))
	require.NoError(t, err)

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	cfg.Pipeline.Root = "/repo"
	cfg.Hosting.Sites = []string{"demo-hours", "demo-admin"}

	plan, err := buildPlan(m, cfg)
	require.NoError(t, err)

	require.Len(t, plan.Requirements, 1)
	assert.Equal(t, "firebase", plan.Requirements[0].Binary)
	assert.Equal(t, []string{"login", "--reauth"}, plan.Requirements[0].ReauthArgs)

	require.Len(t, plan.Checks, 2)
	lint, unit := plan.Checks[0], plan.Checks[1]
	assert.True(t, lint.ParallelSafe)
	assert.NotNil(t, lint.Validator)
	require.NotNil(t, lint.OnFailure)
	assert.Equal(t, "npm run lint -- --fix", lint.OnFailure.String())
	assert.Equal(t, cfg.Timeouts.Check, lint.Timeout)
	assert.Equal(t, 2*time.Minute, unit.Timeout)
	assert.True(t, unit.Required)
	assert.Nil(t, unit.OnFailure)

	require.Len(t, plan.Packages, 1)
	assert.Equal(t, "packages/admin", plan.Packages[0].Dir)
	assert.Equal(t, []string{"index.html"}, plan.Packages[0].ExpectedFiles)
	assert.Equal(t, cfg.Timeouts.Build, plan.Packages[0].Timeout)

	require.Len(t, plan.Targets, 1)
	assert.Equal(t, filepath.Join("/repo", "packages/admin/dist"), plan.Targets[0].ArtifactPath)

	assert.Equal(t, []string{"demo-admin", "demo-hours"}, plan.Sites)
}

// =============================================================================
// Output Tests
// =============================================================================

func TestPrintRunSummary_Failed(t *testing.T) {
	rc := domain.NewRunContext(domain.RunOptions{}, nil)
	rc.SetPreviewURLs(map[string]string{"admin": "https://demo-admin--pr-1.web.app"}, true)
	rc.Finish(domain.NewPipelineError("Build", domain.PhaseBuild, "admin failed", "cd packages/admin && npm run build", domain.ErrBuild))

	var buf bytes.Buffer
	printRunSummary(&buf, rc, "/tmp/run")
	out := buf.String()

	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "from history, may be stale")
	assert.Contains(t, out, "admin: https://demo-admin--pr-1.web.app")
	assert.Contains(t, out, "Report: /tmp/run/dashboard.html")
	assert.Equal(t, 1, strings.Count(out, "Next step:"))
	assert.Contains(t, out, "Next step: cd packages/admin && npm run build")
}

func TestPrintRunSummary_SucceededHasNoNextStep(t *testing.T) {
	rc := domain.NewRunContext(domain.RunOptions{}, nil)
	rc.Finish(nil)

	var buf bytes.Buffer
	printRunSummary(&buf, rc, "")
	assert.NotContains(t, buf.String(), "Next step:")
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printHistory(&buf, []store.RunRecord{{
		ID:          "0123456789abcdef",
		Status:      domain.RunFailed,
		Branch:      "feature/login",
		PullRequest: 42,
		StartedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		DurationMs:  61500,
		Error:       "Build [build]: admin failed\nmore",
	}}, false))

	out := buf.String()
	assert.Contains(t, out, "01234567")
	assert.Contains(t, out, "#42")
	assert.Contains(t, out, "1m1.5s")
	assert.NotContains(t, out, "more")
}

func TestPrintCleanupSummary(t *testing.T) {
	var buf bytes.Buffer
	printCleanupSummary(&buf, domain.CleanupSummary{
		Mode:      domain.ReclaimAggressive,
		KeepCount: 3,
		Deleted:   5,
		Failed:    1,
		Sites: map[string]domain.SiteCleanup{
			"demo-admin": {Site: "demo-admin", Listed: 9, Kept: 3, Deleted: 5, Failed: 1, Remaining: 4},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "Cleanup (aggressive, keep 3): 5 deleted, 1 failed")
	assert.Contains(t, out, "demo-admin")
}
