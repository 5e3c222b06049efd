// Package vcs answers "which branch, which commit, which pull request" for a
// run and optionally posts preview links back to the pull request.
//
// Only CurrentBranch is mandatory. Commit messages, pull request lookup and
// commenting are optional capabilities detected once in NewClient; anything
// missing or failing degrades to a default.
package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// DefaultBranch is used when the branch cannot be determined.
const DefaultBranch = "main"

// CommentMarker identifies the single comment previewctl maintains on a PR.
const CommentMarker = "<!-- previewctl:preview-urls -->"

// =============================================================================
// Capabilities
// =============================================================================

// Repository is the minimum a VCS collaborator must provide.
type Repository interface {
	CurrentBranch(ctx context.Context) (string, error)
}

type CommitMessageReader interface {
	CommitMessage(ctx context.Context) (string, error)
}

// PullRequestResolver returns 0 with a nil error when no PR is open.
type PullRequestResolver interface {
	PullRequestNumber(ctx context.Context, branch string) (int, error)
}

// PullRequestCommenter creates or edits the comment containing marker.
type PullRequestCommenter interface {
	UpsertComment(ctx context.Context, pr int, marker, body string) error
}

// =============================================================================
// Client
// =============================================================================

// Info is what a run needs to know about its source revision.
type Info struct {
	Branch        string
	CommitMessage string
	PullRequest   int
}

// Client wraps a Repository with its optional capabilities.
type Client struct {
	repo      Repository
	commits   CommitMessageReader
	prs       PullRequestResolver
	commenter PullRequestCommenter
	logger    *slog.Logger
}

// NewClient inspects repo once for optional capabilities.
func NewClient(repo Repository, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{repo: repo, logger: logger.With("component", "vcs")}
	if r, ok := repo.(CommitMessageReader); ok {
		c.commits = r
	}
	if r, ok := repo.(PullRequestResolver); ok {
		c.prs = r
	}
	if r, ok := repo.(PullRequestCommenter); ok {
		c.commenter = r
	}
	return c
}

// Resolve never fails. Missing facts fall back to DefaultBranch, "" and 0.
func (c *Client) Resolve(ctx context.Context) Info {
	info := Info{Branch: DefaultBranch}
	if c == nil || c.repo == nil {
		return info
	}

	if branch, err := c.repo.CurrentBranch(ctx); err != nil {
		c.logger.Warn("cannot determine branch, using default", "default", DefaultBranch, "error", err)
	} else if branch != "" {
		info.Branch = branch
	}

	if c.commits != nil {
		msg, err := c.commits.CommitMessage(ctx)
		if err != nil {
			c.logger.Debug("cannot read commit message", "error", err)
		} else {
			info.CommitMessage = strings.TrimSpace(msg)
		}
	}

	if c.prs != nil {
		n, err := c.prs.PullRequestNumber(ctx, info.Branch)
		if err != nil {
			c.logger.Debug("cannot resolve pull request", "branch", info.Branch, "error", err)
		} else if n > 0 {
			info.PullRequest = n
		}
	}
	return info
}

// CanComment reports whether preview URLs can be posted to a PR.
func (c *Client) CanComment() bool {
	return c != nil && c.commenter != nil
}

// CommentPreviewURLs upserts the preview comment on pr.
func (c *Client) CommentPreviewURLs(ctx context.Context, pr int, channelID string, urls map[string]string, fallback bool) error {
	if !c.CanComment() {
		return fmt.Errorf("repository does not support pull request comments")
	}
	if pr <= 0 {
		return fmt.Errorf("no pull request to comment on")
	}
	return c.commenter.UpsertComment(ctx, pr, CommentMarker, PreviewComment(channelID, urls, fallback))
}

// PreviewComment renders the markdown body of the preview comment.
func PreviewComment(channelID string, urls map[string]string, fallback bool) string {
	var b strings.Builder
	b.WriteString(CommentMarker)
	b.WriteString("\n### Preview deployment\n\n")
	if channelID != "" {
		fmt.Fprintf(&b, "Channel: `%s`\n\n", channelID)
	}
	if len(urls) == 0 {
		b.WriteString("No preview URLs were produced.\n")
		return b.String()
	}

	roles := make([]string, 0, len(urls))
	for role := range urls {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	b.WriteString("| Role | URL |\n|---|---|\n")
	for _, role := range roles {
		fmt.Fprintf(&b, "| %s | %s |\n", role, urls[role])
	}
	if fallback {
		b.WriteString("\n_URLs recovered from an earlier deploy; they may be stale._\n")
	}
	return b.String()
}
