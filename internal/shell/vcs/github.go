package vcs

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// GitHubRepository adds GitHub API lookups and PR comments to a local
// checkout.
type GitHubRepository struct {
	*GitRepository
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubClient creates a GitHub client with token authentication.
func NewGitHubClient(ctx context.Context, token string) (*github.Client, error) {
	if token == "" {
		return nil, fmt.Errorf("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts)), nil
}

// NewGitHubRepository wraps local with client. Owner and repo are required.
func NewGitHubRepository(local *GitRepository, client *github.Client, owner, repo string) (*GitHubRepository, error) {
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("GitHub owner and repo are required")
	}
	if local == nil {
		local = NewGitRepository(".")
	}
	return &GitHubRepository{GitRepository: local, client: client, owner: owner, repo: repo}, nil
}

// PullRequestNumber prefers the CI environment, then asks the API for an
// open PR whose head is branch.
func (r *GitHubRepository) PullRequestNumber(ctx context.Context, branch string) (int, error) {
	if n := pullRequestFromEnv(r.getenv); n > 0 {
		return n, nil
	}
	if branch == "" {
		return 0, nil
	}

	prs, _, err := r.client.PullRequests.List(ctx, r.owner, r.repo, &github.PullRequestListOptions{
		State:       "open",
		Head:        r.owner + ":" + branch,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return 0, fmt.Errorf("list pull requests: %w", err)
	}
	if len(prs) == 0 {
		return 0, nil
	}
	return prs[0].GetNumber(), nil
}

// UpsertComment edits the comment containing marker or creates one.
func (r *GitHubRepository) UpsertComment(ctx context.Context, pr int, marker, body string) error {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var existing *github.IssueComment
	for existing == nil {
		comments, resp, err := r.client.Issues.ListComments(ctx, r.owner, r.repo, pr, opts)
		if err != nil {
			return fmt.Errorf("list comments: %w", err)
		}
		for _, c := range comments {
			if strings.Contains(c.GetBody(), marker) {
				existing = c
				break
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if existing != nil {
		if _, _, err := r.client.Issues.EditComment(ctx, r.owner, r.repo, existing.GetID(), &github.IssueComment{Body: &body}); err != nil {
			return fmt.Errorf("update comment: %w", err)
		}
		return nil
	}
	if _, _, err := r.client.Issues.CreateComment(ctx, r.owner, r.repo, pr, &github.IssueComment{Body: &body}); err != nil {
		return fmt.Errorf("create comment: %w", err)
	}
	return nil
}
