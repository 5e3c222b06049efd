package domain

import "time"

// =============================================================================
// Build Results
// =============================================================================

// PackageBuildResult is the outcome of building one package.
type PackageBuildResult struct {
	Package        string   `json:"package"`
	Success        bool     `json:"success"`
	DurationMs     int64    `json:"duration_ms"`
	FileCount      int      `json:"file_count"`
	TotalSizeBytes int64    `json:"total_size_bytes"`
	Warnings       []string `json:"warnings,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// BuildSummary aggregates metrics across all package builds.
type BuildSummary struct {
	Packages       int     `json:"packages"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	TotalTimeMs    int64   `json:"total_time_ms"`
	MeanTimeMs     float64 `json:"mean_time_ms"`
	SuccessRate    float64 `json:"success_rate"`
	TotalSizeBytes int64   `json:"total_size_bytes"`
	TotalFiles     int     `json:"total_files"`
}

// =============================================================================
// Quality Check Results
// =============================================================================

// CheckResult is the outcome of one quality check. Recovery fields describe
// the remediation hook and never change Success.
type CheckResult struct {
	Name              string `json:"name"`
	Success           bool   `json:"success"`
	ExitCode          int    `json:"exit_code"`
	DurationMs        int64  `json:"duration_ms"`
	Output            string `json:"output,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Required          bool   `json:"required"`
	Parallel          bool   `json:"parallel"`
	RecoveryAttempted bool   `json:"recovery_attempted"`
	RecoverySuccess   bool   `json:"recovery_success"`
	RecoveryError     string `json:"recovery_error,omitempty"`
}

// =============================================================================
// Deployment Results
// =============================================================================

// DeploymentResult is the outcome of one deploy call.
type DeploymentResult struct {
	Success           bool              `json:"success"`
	ChannelID         string            `json:"channel_id"`
	URLs              map[string]string `json:"urls"`
	RawOutput         string            `json:"raw_output,omitempty"`
	QuotaExceeded     bool              `json:"quota_exceeded"`
	RecoveryAttempted bool              `json:"recovery_attempted"`
	Attempts          int               `json:"attempts"`
	IsFallback        bool              `json:"is_fallback"`
	FallbackAt        *time.Time        `json:"fallback_at,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// =============================================================================
// Channels
// =============================================================================

// LiveChannelID is the provider's production channel. It is never reclaimed.
const LiveChannelID = "live"

// Channel is a preview channel as observed through the hosting provider.
type Channel struct {
	ID        string     `json:"id"`
	Site      string     `json:"site"`
	URL       string     `json:"url,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// LastActivity returns the update time when known, else the creation time.
func (c Channel) LastActivity() time.Time {
	if !c.UpdatedAt.IsZero() && c.UpdatedAt.After(c.CreatedAt) {
		return c.UpdatedAt
	}
	return c.CreatedAt
}

// IsLive reports whether this is the production channel.
func (c Channel) IsLive() bool {
	return c.ID == LiveChannelID
}

// =============================================================================
// Cleanup Summary
// =============================================================================

// ReclaimMode selects between threshold-gated and quota-recovery cleanup.
type ReclaimMode string

const (
	ReclaimRoutine    ReclaimMode = "routine"
	ReclaimAggressive ReclaimMode = "aggressive"
)

// SiteCleanup describes what happened to one site's channels.
type SiteCleanup struct {
	Site       string            `json:"site"`
	Listed     int               `json:"listed"`
	Protected  int               `json:"protected"`
	Kept       int               `json:"kept"`
	Attempted  int               `json:"attempted"`
	Deleted    int               `json:"deleted"`
	Failed     int               `json:"failed"`
	Remaining  int               `json:"remaining"`
	Skipped    bool              `json:"skipped"`
	SkipReason string            `json:"skip_reason,omitempty"`
	Failures   map[string]string `json:"failures,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// CleanupSummary aggregates a reclaim pass across sites.
type CleanupSummary struct {
	Mode      ReclaimMode            `json:"mode"`
	KeepCount int                    `json:"keep_count"`
	Threshold *int                   `json:"threshold,omitempty"`
	Sites     map[string]SiteCleanup `json:"sites"`
	Deleted   int                    `json:"deleted"`
	Failed    int                    `json:"failed"`
	Duration  time.Duration          `json:"-"`
}

// Totals recomputes Deleted and Failed from the per-site entries.
func (s *CleanupSummary) Totals() {
	s.Deleted, s.Failed = 0, 0
	for _, site := range s.Sites {
		s.Deleted += site.Deleted
		s.Failed += site.Failed
	}
}
