package channel

import (
	"fmt"
	"testing"
	"time"

	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeChannels(site string, n int) []domain.Channel {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	channels := make([]domain.Channel, 0, n)
	for i := 0; i < n; i++ {
		channels = append(channels, domain.Channel{
			ID:        fmt.Sprintf("ch-%02d", i),
			Site:      site,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	return channels
}

func ids(channels []domain.Channel) []string {
	out := make([]string, len(channels))
	for i, c := range channels {
		out[i] = c.ID
	}
	return out
}

func intPtr(v int) *int { return &v }

// =============================================================================
// PlanRetention Tests
// =============================================================================

func TestPlanRetention_KeepsNewest(t *testing.T) {
	plan := PlanRetention(makeChannels("site", 5), Routine(2, nil))

	assert.Equal(t, []string{"ch-04", "ch-03"}, ids(plan.Keep))
	assert.Equal(t, []string{"ch-02", "ch-01", "ch-00"}, ids(plan.Delete))
	assert.False(t, plan.Skipped)
}

func TestPlanRetention_DeletesNMinusK(t *testing.T) {
	for n := 0; n <= 12; n++ {
		for k := 0; k <= 5; k++ {
			plan := PlanRetention(makeChannels("site", n), Routine(k, nil))
			want := n - k
			if want < 0 {
				want = 0
			}
			assert.Len(t, plan.Delete, want, "n=%d k=%d", n, k)
			assert.Len(t, plan.Keep, n-want, "n=%d k=%d", n, k)
		}
	}
}

func TestPlanRetention_UpdateTimeWins(t *testing.T) {
	channels := makeChannels("site", 3)
	channels[0].UpdatedAt = channels[2].CreatedAt.Add(time.Hour)

	plan := PlanRetention(channels, Routine(1, nil))
	assert.Equal(t, []string{"ch-00"}, ids(plan.Keep))
}

func TestPlanRetention_LiveProtected(t *testing.T) {
	channels := append(makeChannels("site", 3), domain.Channel{ID: domain.LiveChannelID, Site: "site"})

	plan := PlanRetention(channels, Routine(0, nil))
	assert.Len(t, plan.Delete, 3)
	require.Len(t, plan.Protected, 1)
	assert.Equal(t, domain.LiveChannelID, plan.Protected[0].ID)
}

func TestPlanRetention_RoutineUnderThreshold(t *testing.T) {
	plan := PlanRetention(makeChannels("site", 5), Routine(2, intPtr(5)))

	assert.True(t, plan.Skipped)
	assert.Empty(t, plan.Delete)
	assert.Len(t, plan.Keep, 5)
}

func TestPlanRetention_RoutineOverThreshold(t *testing.T) {
	plan := PlanRetention(makeChannels("site", 6), Routine(2, intPtr(5)))

	assert.False(t, plan.Skipped)
	assert.Len(t, plan.Delete, 4)
}

func TestPlanRetention_AggressiveIgnoresThreshold(t *testing.T) {
	policy := Aggressive(10)
	policy.Threshold = intPtr(100)

	plan := PlanRetention(makeChannels("site", 8), policy)
	assert.False(t, plan.Skipped)
	assert.Len(t, plan.Keep, AggressiveKeepCount)
	assert.Len(t, plan.Delete, 8-AggressiveKeepCount)
}

func TestAggressive_KeepCount(t *testing.T) {
	assert.Equal(t, 3, Aggressive(0).EffectiveKeep())
	assert.Equal(t, 2, Aggressive(2).EffectiveKeep())
	assert.Equal(t, 3, Aggressive(9).EffectiveKeep())
}

func TestSortNewestFirst_TieBreakByID(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	channels := []domain.Channel{{ID: "b", CreatedAt: at}, {ID: "a", CreatedAt: at}}

	SortNewestFirst(channels)
	assert.Equal(t, []string{"a", "b"}, ids(channels))
}
