package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/previewctl/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func createTestRun(t *testing.T, start time.Time, urls map[string]string, fallback bool) *domain.RunContext {
	t.Helper()
	rc := domain.NewRunContext(domain.RunOptions{Branch: "feature/login", PullRequest: 42}, fixedClock(start))
	rc.SetPreviewURLs(urls, fallback)
	rc.Deployment = &domain.DeploymentResult{Success: true, ChannelID: "pr-42"}
	rc.RecordWarning("slow build", domain.PhaseBuild, "build:web", domain.SeverityWarning)
	rc.Finish(nil)
	return rc
}

// =============================================================================
// Run Tests
// =============================================================================

func TestSaveRun_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rc := createTestRun(t, start, map[string]string{"web": "https://web--pr-42.web.app"}, false)

	require.NoError(t, s.SaveRun(ctx, rc))

	got, err := s.GetRun(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, rc.ID, got.ID)
	assert.Equal(t, domain.RunSucceeded, got.Status)
	assert.Equal(t, "feature/login", got.Branch)
	assert.Equal(t, 42, got.PullRequest)
	assert.Equal(t, "pr-42", got.ChannelID)
	assert.Equal(t, 1, got.WarningCount)
	assert.True(t, got.StartedAt.Equal(start))
	require.NotNil(t, got.FinishedAt)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(got.Snapshot, &snap))
	assert.Equal(t, rc.ID, snap["id"])
}

func TestSaveRun_IsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	rc := createTestRun(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), map[string]string{"web": "https://a"}, false)

	require.NoError(t, s.SaveRun(ctx, rc))
	rc.SetPreviewURLs(map[string]string{"web": "https://b"}, false)
	require.NoError(t, s.SaveRun(ctx, rc))

	runs, err := s.ListRuns(ctx, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	urls, err := s.ListPreviewURLs(ctx, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, urls, 1)
	assert.Equal(t, "https://b", urls[0].URL)
}

func TestSaveRun_Nil(t *testing.T) {
	s := setupTestStore(t)
	err := s.SaveRun(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestGetRun_NotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns_NewestFirstWithoutSnapshot(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	older := createTestRun(t, base, nil, false)
	newer := createTestRun(t, base.Add(time.Hour), nil, false)
	require.NoError(t, s.SaveRun(ctx, older))
	require.NoError(t, s.SaveRun(ctx, newer))

	runs, err := s.ListRuns(ctx, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)
	assert.Equal(t, older.ID, runs[1].ID)
	assert.Nil(t, runs[0].Snapshot)

	page, err := s.ListRuns(ctx, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, older.ID, page[0].ID)
}

// =============================================================================
// Preview URL Tests
// =============================================================================

func TestRecentPreviewURLs_SkipsFallbackRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	deployed := createTestRun(t, base, map[string]string{"web": "https://web--pr-1.web.app", "admin": "https://admin--pr-1.web.app"}, false)
	fallback := createTestRun(t, base.Add(time.Hour), map[string]string{"web": "https://stale"}, true)
	require.NoError(t, s.SaveRun(ctx, deployed))
	require.NoError(t, s.SaveRun(ctx, fallback))

	urls, err := s.RecentPreviewURLs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"web":   "https://web--pr-1.web.app",
		"admin": "https://admin--pr-1.web.app",
	}, urls)
}

func TestRecentPreviewURLs_Empty(t *testing.T) {
	s := setupTestStore(t)
	urls, err := s.RecentPreviewURLs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, urls)
}

// =============================================================================
// Cleanup Tests
// =============================================================================

func TestListChannelCleanups(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	rc := createTestRun(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), nil, false)
	rc.Cleanup = &domain.CleanupSummary{
		Mode: domain.ReclaimAggressive,
		Sites: map[string]domain.SiteCleanup{
			"web":   {Site: "web", Listed: 12, Deleted: 9, Remaining: 3},
			"admin": {Site: "admin", Listed: 2, Skipped: true, SkipReason: "below threshold"},
		},
	}
	require.NoError(t, s.SaveRun(ctx, rc))

	got, err := s.ListChannelCleanups(ctx, rc.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "admin", got[0].Site)
	assert.True(t, got[0].Skipped)
	assert.Equal(t, "web", got[1].Site)
	assert.Equal(t, 9, got[1].Deleted)
	assert.Equal(t, domain.ReclaimAggressive, got[1].Mode)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	rc := createTestRun(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), nil, false)

	err := s.WithTx(ctx, func(tx Store) error {
		require.NoError(t, tx.SaveRun(ctx, rc))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = s.GetRun(ctx, rc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOptions_Normalize(t *testing.T) {
	assert.Equal(t, ListOptions{Limit: 100}, ListOptions{}.Normalize())
	assert.Equal(t, ListOptions{Limit: 1000}, ListOptions{Limit: 5000}.Normalize())
	assert.Equal(t, ListOptions{Limit: 5}, ListOptions{Limit: 5, Offset: -3}.Normalize())
}
