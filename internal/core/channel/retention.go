package channel

import (
	"sort"

	"github.com/artpar/previewctl/internal/core/domain"
)

// AggressiveKeepCount is the keep-count forced during quota recovery.
const AggressiveKeepCount = 3

// =============================================================================
// Retention Policy
// =============================================================================

// Policy describes how many channels a site may retain.
type Policy struct {
	Mode      domain.ReclaimMode
	KeepCount int
	// Threshold gates routine cleanup; nil means "always clean".
	Threshold *int
}

// Routine returns a threshold-gated policy.
func Routine(keep int, threshold *int) Policy {
	return Policy{Mode: domain.ReclaimRoutine, KeepCount: keep, Threshold: threshold}
}

// Aggressive returns the quota-recovery policy. The threshold is ignored and
// the keep-count never exceeds AggressiveKeepCount.
func Aggressive(keep int) Policy {
	if keep <= 0 || keep > AggressiveKeepCount {
		keep = AggressiveKeepCount
	}
	return Policy{Mode: domain.ReclaimAggressive, KeepCount: keep}
}

// EffectiveKeep returns the keep-count after mode adjustments.
func (p Policy) EffectiveKeep() int {
	keep := p.KeepCount
	if keep < 0 {
		keep = 0
	}
	if p.Mode == domain.ReclaimAggressive && (keep == 0 || keep > AggressiveKeepCount) {
		keep = AggressiveKeepCount
	}
	return keep
}

// =============================================================================
// Retention Plan
// =============================================================================

// Plan is the keep/delete partition for one site.
type Plan struct {
	Keep      []domain.Channel
	Delete    []domain.Channel
	Protected []domain.Channel
	// Skipped is true when routine mode found the site under its threshold.
	Skipped    bool
	SkipReason string
}

// PlanRetention partitions a site's channels. The live channel is never a
// candidate. Remaining channels are sorted by last activity, newest first;
// the first KeepCount are kept and the rest are deleted.
func PlanRetention(channels []domain.Channel, policy Policy) Plan {
	var plan Plan
	candidates := make([]domain.Channel, 0, len(channels))
	for _, c := range channels {
		if c.IsLive() {
			plan.Protected = append(plan.Protected, c)
			continue
		}
		candidates = append(candidates, c)
	}

	if policy.Mode != domain.ReclaimAggressive && policy.Threshold != nil && len(candidates) <= *policy.Threshold {
		plan.Keep = candidates
		plan.Skipped = true
		plan.SkipReason = "channel count within threshold"
		return plan
	}

	SortNewestFirst(candidates)

	keep := policy.EffectiveKeep()
	if keep > len(candidates) {
		keep = len(candidates)
	}
	plan.Keep = candidates[:keep]
	plan.Delete = candidates[keep:]
	return plan
}

// SortNewestFirst orders channels by last activity descending. Ties are
// broken by ID so the plan is deterministic.
func SortNewestFirst(channels []domain.Channel) {
	sort.SliceStable(channels, func(i, j int) bool {
		ai, aj := channels[i].LastActivity(), channels[j].LastActivity()
		if ai.Equal(aj) {
			return channels[i].ID < channels[j].ID
		}
		return ai.After(aj)
	})
}
