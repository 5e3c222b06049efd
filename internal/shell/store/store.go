package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/artpar/previewctl/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for run history.
type Store interface {
	// Run operations
	SaveRun(ctx context.Context, rc *domain.RunContext) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]RunRecord, error)

	// Preview URL operations
	ListPreviewURLs(ctx context.Context, opts ListOptions) ([]PreviewURL, error)
	// RecentPreviewURLs returns the role -> URL map of the newest run that
	// recorded non-fallback URLs.
	RecentPreviewURLs(ctx context.Context) (map[string]string, error)

	// Cleanup history
	ListChannelCleanups(ctx context.Context, runID string) ([]ChannelCleanup, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Records
// =============================================================================

// RunRecord is a persisted run summary plus its full snapshot.
type RunRecord struct {
	ID           string           `json:"id"`
	Status       domain.RunStatus `json:"status"`
	Branch       string           `json:"branch,omitempty"`
	PullRequest  int              `json:"pull_request,omitempty"`
	ChannelID    string           `json:"channel_id,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	DurationMs   int64            `json:"duration_ms"`
	Error        string           `json:"error,omitempty"`
	Remediation  string           `json:"remediation,omitempty"`
	WarningCount int              `json:"warning_count"`
	Snapshot     json.RawMessage  `json:"snapshot,omitempty"`
}

// PreviewURL is one role's URL as recorded by a run.
type PreviewURL struct {
	RunID      string    `json:"run_id"`
	Role       string    `json:"role"`
	URL        string    `json:"url"`
	IsFallback bool      `json:"is_fallback"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChannelCleanup is one site's reclaim outcome for a run.
type ChannelCleanup struct {
	RunID     string             `json:"run_id"`
	Site      string             `json:"site"`
	Mode      domain.ReclaimMode `json:"mode"`
	Listed    int                `json:"listed"`
	Deleted   int                `json:"deleted"`
	Failed    int                `json:"failed"`
	Remaining int                `json:"remaining"`
	Skipped   bool               `json:"skipped"`
	Error     string             `json:"error,omitempty"`
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
