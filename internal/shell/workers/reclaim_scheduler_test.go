package workers

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/previewctl/internal/core/channel"
	"github.com/artpar/previewctl/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeReclaimer struct {
	mu       sync.Mutex
	calls    int
	sites    []string
	policy   channel.Policy
	deadline bool
	summary  domain.CleanupSummary
}

func (f *fakeReclaimer) Reclaim(ctx context.Context, rc *domain.RunContext, sites []string, policy channel.Policy) domain.CleanupSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sites = sites
	f.policy = policy
	_, f.deadline = ctx.Deadline()
	return f.summary
}

func (f *fakeReclaimer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// =============================================================================
// Test Configuration
// =============================================================================

func TestDefaultReclaimSchedulerConfig(t *testing.T) {
	config := DefaultReclaimSchedulerConfig()

	assert.Equal(t, time.Hour, config.Interval)
	assert.Equal(t, 10*time.Minute, config.CycleTimeout)
	assert.Equal(t, 10, config.Keep)
	assert.Equal(t, 40, config.Threshold)
}

func TestNewReclaimScheduler_DefaultConfig(t *testing.T) {
	s := NewReclaimScheduler(&fakeReclaimer{}, ReclaimSchedulerConfig{}, nil)

	assert.Equal(t, time.Hour, s.config.Interval)
	assert.Equal(t, 10*time.Minute, s.config.CycleTimeout)
	assert.Equal(t, 10, s.config.Keep)
	assert.Equal(t, 0, s.config.Threshold, "threshold zero is a valid setting")
}

// =============================================================================
// Test Lifecycle
// =============================================================================

func TestReclaimScheduler_StartStop(t *testing.T) {
	r := &fakeReclaimer{}
	s := NewReclaimScheduler(r, ReclaimSchedulerConfig{
		Interval: 20 * time.Millisecond,
		Sites:    []string{"demo-admin"},
	}, slog.Default())

	s.Start()
	require.Eventually(t, func() bool { return r.callCount() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	calls := r.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, r.callCount(), "no cycles after Stop")

	// Should be able to start again
	s.Start()
	s.Stop()
}

func TestReclaimScheduler_StopWithoutStart(t *testing.T) {
	s := NewReclaimScheduler(&fakeReclaimer{}, ReclaimSchedulerConfig{}, nil)
	s.Stop()
}

// =============================================================================
// Test Run Cycle
// =============================================================================

func TestReclaimScheduler_RunNow(t *testing.T) {
	r := &fakeReclaimer{summary: domain.CleanupSummary{Mode: domain.ReclaimRoutine, Deleted: 4, Failed: 1}}
	s := NewReclaimScheduler(r, ReclaimSchedulerConfig{
		Sites:     []string{"demo-admin", "demo-hours"},
		Keep:      5,
		Threshold: 20,
	}, nil)

	_, ok := s.Last()
	assert.False(t, ok)

	summary := s.RunNow(context.Background())
	assert.Equal(t, 4, summary.Deleted)

	assert.Equal(t, []string{"demo-admin", "demo-hours"}, r.sites)
	assert.Equal(t, channel.Routine(5, intPtr(20)), r.policy)
	assert.True(t, r.deadline, "cycle runs under a timeout")

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, 1, last.Failed)
}

func TestReclaimScheduler_NoSites(t *testing.T) {
	r := &fakeReclaimer{}
	s := NewReclaimScheduler(r, ReclaimSchedulerConfig{}, nil)

	s.RunNow(context.Background())
	assert.Equal(t, 0, r.callCount())
	_, ok := s.Last()
	assert.False(t, ok)
}

func intPtr(v int) *int { return &v }
