package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/previewctl/internal/core/channel"
	coredeploy "github.com/artpar/previewctl/internal/core/deploy"
	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/core/urls"
	"github.com/artpar/previewctl/internal/shell/hosting"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeProvider struct {
	mu        sync.Mutex
	responses map[string][]coredeploy.Response
	err       error
	calls     []hosting.DeployRequest
}

func (f *fakeProvider) ListChannels(context.Context, string) ([]domain.Channel, error) {
	return nil, nil
}

func (f *fakeProvider) DeployToChannel(_ context.Context, req hosting.DeployRequest) (coredeploy.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return coredeploy.Response{}, f.err
	}
	queue := f.responses[req.Site]
	if len(queue) == 0 {
		return coredeploy.Response{Success: true}, nil
	}
	resp := queue[0]
	f.responses[req.Site] = queue[1:]
	return resp, nil
}

func (f *fakeProvider) DeleteChannel(context.Context, string, string) error { return nil }

type fakeReclaimer struct {
	calls    int
	policies []channel.Policy
	sites    [][]string
}

func (f *fakeReclaimer) Reclaim(_ context.Context, _ *domain.RunContext, sites []string, policy channel.Policy) domain.CleanupSummary {
	f.calls++
	f.policies = append(f.policies, policy)
	f.sites = append(f.sites, sites)
	return domain.CleanupSummary{Mode: policy.Mode}
}

var quotaResp = coredeploy.Response{Success: false, ErrorCode: 429, RawOutput: "Error: HTTP Error: 429, quota exceeded"}

func channelResp(site, url string) coredeploy.Response {
	return coredeploy.Response{Success: true, RawOutput: "✔  hosting:channel: Channel URL (" + site + "): " + url + " [expires 2025-04-01]"}
}

func testExtractor() urls.Extractor {
	return urls.NewExtractor([]string{"admin", "hours"}, map[string]string{"acme-admin": "admin", "acme-hours": "hours"})
}

func newRun(pr int) *domain.RunContext {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.NewRunContext(domain.RunOptions{PullRequest: pr, Branch: "feature/login"}, func() time.Time { return fixed })
}

var targets = []Target{
	{Site: "acme-admin", Role: "admin"},
	{Site: "acme-hours", Role: "hours"},
}

// =============================================================================
// Tests
// =============================================================================

func TestDeploy_Success(t *testing.T) {
	prov := &fakeProvider{responses: map[string][]coredeploy.Response{
		"acme-admin": {channelResp("acme-admin", "https://acme-admin--pr-42-ab.web.app")},
		"acme-hours": {channelResp("acme-hours", "https://acme-hours--pr-42-cd.web.app")},
	}}
	rec := &fakeReclaimer{}
	historyDir := t.TempDir()
	m := NewManager(prov, rec, testExtractor(), Config{Expires: "7d", HistoryDir: historyDir}, nil)
	rc := newRun(42)

	result, err := m.Deploy(context.Background(), rc, targets)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "pr-42", result.ChannelID)
	assert.Equal(t, 2, result.Attempts)
	assert.False(t, result.RecoveryAttempted)
	assert.Equal(t, map[string]string{
		"admin": "https://acme-admin--pr-42-ab.web.app",
		"hours": "https://acme-hours--pr-42-cd.web.app",
	}, result.URLs)
	assert.Equal(t, result.URLs, rc.PreviewURLs)
	require.NotNil(t, rc.Deployment)
	assert.Zero(t, rec.calls)

	assert.Equal(t, "7d", prov.calls[0].Expires)
	step, ok := rc.Phase(domain.PhaseDeploy).Step("deploy:acme-hours")
	require.True(t, ok)
	assert.True(t, step.Success)

	entries, err := os.ReadDir(historyDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDeploy_BranchChannelID(t *testing.T) {
	prov := &fakeProvider{}
	m := NewManager(prov, &fakeReclaimer{}, testExtractor(), Config{}, nil)
	rc := newRun(0)

	result, err := m.Deploy(context.Background(), rc, targets[:1])
	require.NoError(t, err)
	assert.Regexp(t, `^feature-login-\d{10}$`, result.ChannelID)
}

func TestDeploy_SuccessMentioning429DoesNotReclaim(t *testing.T) {
	out := "i  hosting[acme-admin]: found 429 files in dist\n" +
		"✔  hosting:channel: Channel URL (acme-admin): https://acme-admin--pr-7-abc.web.app [expires 2025-04-01]"
	prov := &fakeProvider{responses: map[string][]coredeploy.Response{
		"acme-admin": {{Success: true, RawOutput: out}},
	}}
	rec := &fakeReclaimer{}
	m := NewManager(prov, rec, testExtractor(), Config{Sites: []string{"acme-admin", "acme-hours"}}, nil)

	result, err := m.Deploy(context.Background(), newRun(7), targets[:1])
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.QuotaExceeded)
	assert.False(t, result.RecoveryAttempted)
	assert.Equal(t, 1, result.Attempts)
	assert.Zero(t, rec.calls)
	assert.Equal(t, "https://acme-admin--pr-7-abc.web.app", result.URLs["admin"])
}

func TestDeploy_QuotaRecoveredOnce(t *testing.T) {
	prov := &fakeProvider{responses: map[string][]coredeploy.Response{
		"acme-admin": {quotaResp, channelResp("acme-admin", "https://acme-admin--pr-1.web.app")},
	}}
	rec := &fakeReclaimer{}
	m := NewManager(prov, rec, testExtractor(), Config{Sites: []string{"acme-admin", "acme-hours", "acme-docs"}}, nil)
	rc := newRun(1)

	result, err := m.Deploy(context.Background(), rc, targets)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.QuotaExceeded)
	assert.True(t, result.RecoveryAttempted)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, domain.ReclaimAggressive, rec.policies[0].Mode)
	assert.Equal(t, channel.AggressiveKeepCount, rec.policies[0].EffectiveKeep())
	assert.Equal(t, []string{"acme-admin", "acme-hours", "acme-docs"}, rec.sites[0])
}

func TestDeploy_SecondQuotaIsTerminal(t *testing.T) {
	prov := &fakeProvider{responses: map[string][]coredeploy.Response{
		"acme-admin": {quotaResp, quotaResp, quotaResp},
	}}
	rec := &fakeReclaimer{}
	m := NewManager(prov, rec, testExtractor(), Config{}, nil)
	rc := newRun(1)

	result, err := m.Deploy(context.Background(), rc, targets)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDeployment)

	assert.Equal(t, 1, rec.calls, "exactly one recovery cycle")
	assert.Len(t, prov.calls, 2, "deploy, reclaim, deploy, terminal")
	assert.False(t, result.Success)
	assert.Contains(t, domain.RemediationFor(err), "previewctl cleanup --aggressive")
}

func TestDeploy_RecoveryBudgetSharedAcrossTargets(t *testing.T) {
	prov := &fakeProvider{responses: map[string][]coredeploy.Response{
		"acme-admin": {quotaResp, channelResp("acme-admin", "https://acme-admin--pr-1.web.app")},
		"acme-hours": {quotaResp},
	}}
	rec := &fakeReclaimer{}
	m := NewManager(prov, rec, testExtractor(), Config{}, nil)

	_, err := m.Deploy(context.Background(), newRun(1), targets)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDeployment)
	assert.Equal(t, 1, rec.calls)
	assert.Len(t, prov.calls, 3)
}

func TestDeploy_HardFailure(t *testing.T) {
	prov := &fakeProvider{responses: map[string][]coredeploy.Response{
		"acme-admin": {{Success: false, RawOutput: "Error: HTTP Error: 403, permission denied"}},
	}}
	rec := &fakeReclaimer{}
	m := NewManager(prov, rec, testExtractor(), Config{}, nil)
	rc := newRun(7)

	_, err := m.Deploy(context.Background(), rc, targets)
	require.Error(t, err)

	var pe *domain.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, domain.PhaseDeploy, pe.Phase)
	assert.Equal(t, "firebase hosting:channel:deploy pr-7 --only acme-admin", pe.Remediation)
	assert.Contains(t, pe.Message, "permission denied")
	assert.Zero(t, rec.calls)
	assert.Len(t, prov.calls, 1)

	step, ok := rc.Phase(domain.PhaseDeploy).Step("deploy:acme-admin")
	require.True(t, ok)
	assert.False(t, step.Success)
}

func TestDeploy_ProviderErrorIsHard(t *testing.T) {
	prov := &fakeProvider{err: errors.New("executable not found")}
	m := NewManager(prov, &fakeReclaimer{}, testExtractor(), Config{}, nil)

	_, err := m.Deploy(context.Background(), newRun(1), targets)
	assert.ErrorIs(t, err, domain.ErrDeployment)
}

func TestDeploy_BenignDeprecation(t *testing.T) {
	prov := &fakeProvider{responses: map[string][]coredeploy.Response{
		"acme-admin": {{Success: false, RawOutput: "(node:1) [DEP0040] DeprecationWarning: punycode is deprecated\nChannel URL (acme-admin): https://acme-admin--pr-3.web.app"}},
	}}
	m := NewManager(prov, &fakeReclaimer{}, testExtractor(), Config{}, nil)
	rc := newRun(3)

	result, err := m.Deploy(context.Background(), rc, targets[:1])
	require.NoError(t, err)
	assert.Equal(t, "https://acme-admin--pr-3.web.app", result.URLs["admin"])
	require.Len(t, rc.Warnings, 1)
	assert.Equal(t, domain.SeverityInfo, rc.Warnings[0].Severity)
}

func TestDeploy_FallbackToLogs(t *testing.T) {
	logDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "old.log"),
		[]byte("Channel URL (acme-admin): https://acme-admin--pr-1-old.web.app"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "notes.txt"),
		[]byte("Channel URL (acme-hours): https://acme-hours--ignored.web.app"), 0o644))

	prov := &fakeProvider{}
	emptySource := SourceFunc{Label: "empty", Fn: func(context.Context) (map[string]string, error) { return nil, nil }}
	m := NewManager(prov, &fakeReclaimer{}, testExtractor(), Config{}, nil,
		emptySource, LogDirSource{Dir: logDir, Extractor: testExtractor()})
	rc := newRun(1)

	result, err := m.Deploy(context.Background(), rc, targets)
	require.NoError(t, err)

	assert.True(t, result.IsFallback)
	require.NotNil(t, result.FallbackAt)
	assert.Equal(t, map[string]string{"admin": "https://acme-admin--pr-1-old.web.app"}, result.URLs)
	assert.True(t, rc.URLsFallback)
	require.Len(t, rc.Warnings, 1)
	assert.Contains(t, rc.Warnings[0].Message, "deploy logs")
}

func TestDeploy_FallbackNothingFound(t *testing.T) {
	failing := SourceFunc{Label: "store", Fn: func(context.Context) (map[string]string, error) {
		return nil, errors.New("db locked")
	}}
	m := NewManager(&fakeProvider{}, &fakeReclaimer{}, testExtractor(), Config{}, nil, failing)
	rc := newRun(1)

	result, err := m.Deploy(context.Background(), rc, targets[:1])
	require.NoError(t, err)
	assert.False(t, result.IsFallback)
	assert.Empty(t, result.URLs)
	assert.Len(t, rc.Warnings, 1)
}

func TestDeploy_MissingArtifact(t *testing.T) {
	prov := &fakeProvider{}
	m := NewManager(prov, &fakeReclaimer{}, testExtractor(), Config{}, nil)

	_, err := m.Deploy(context.Background(), newRun(1), []Target{
		{Site: "acme-admin", Role: "admin", ArtifactPath: filepath.Join(t.TempDir(), "dist")},
	})
	assert.ErrorIs(t, err, domain.ErrDeployment)
	assert.Empty(t, prov.calls)
}

func TestDeploy_NoTargets(t *testing.T) {
	_, err := NewManager(&fakeProvider{}, &fakeReclaimer{}, testExtractor(), Config{}, nil).
		Deploy(context.Background(), newRun(1), nil)
	assert.ErrorIs(t, err, domain.ErrDeployment)
}
