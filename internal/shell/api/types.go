package api

import (
	"encoding/json"
	"time"

	"github.com/artpar/previewctl/internal/shell/store"
)

// =============================================================================
// Response Types
// =============================================================================

// RunResponse is the summary view of a run.
type RunResponse struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Succeeded    bool       `json:"succeeded"`
	Branch       string     `json:"branch,omitempty"`
	PullRequest  int        `json:"pull_request,omitempty"`
	ChannelID    string     `json:"channel_id,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
	Error        string     `json:"error,omitempty"`
	Remediation  string     `json:"remediation,omitempty"`
	WarningCount int        `json:"warning_count"`
}

// RunListResponse wraps a page of runs.
type RunListResponse struct {
	Runs []RunResponse `json:"runs"`
}

// RunDetailResponse adds cleanup history and the full snapshot.
type RunDetailResponse struct {
	RunResponse
	Cleanups []store.ChannelCleanup `json:"cleanups"`
	Snapshot json.RawMessage        `json:"snapshot,omitempty"`
}

// PreviewURLListResponse wraps recorded preview URLs.
type PreviewURLListResponse struct {
	PreviewURLs []store.PreviewURL `json:"preview_urls"`
}

// LatestPreviewURLsResponse is the role -> URL map of the newest deploy.
type LatestPreviewURLsResponse struct {
	URLs map[string]string `json:"urls"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
