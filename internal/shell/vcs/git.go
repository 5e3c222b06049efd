package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
)

// ErrDetachedHead is returned when HEAD is not on a branch and the CI
// environment does not name one either.
var ErrDetachedHead = errors.New("HEAD is detached")

// GitRepository reads branch and commit from a local checkout and pull
// request numbers from the CI environment.
type GitRepository struct {
	Path string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// NewGitRepository opens nothing yet; the checkout is read on each call.
func NewGitRepository(path string) *GitRepository {
	return &GitRepository{Path: path, Getenv: os.Getenv}
}

func (g *GitRepository) getenv(key string) string {
	if g.Getenv == nil {
		return os.Getenv(key)
	}
	return g.Getenv(key)
}

func (g *GitRepository) open() (*git.Repository, error) {
	path := g.Path
	if path == "" {
		path = "."
	}
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open git repository %s: %w", path, err)
	}
	return repo, nil
}

// CurrentBranch returns the checked-out branch. CI checkouts are often
// detached, so GITHUB_HEAD_REF and GITHUB_REF_NAME are consulted then.
func (g *GitRepository) CurrentBranch(_ context.Context) (string, error) {
	repo, err := g.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	for _, key := range []string{"GITHUB_HEAD_REF", "GITHUB_REF_NAME"} {
		if v := g.getenv(key); v != "" && !strings.HasSuffix(v, "/merge") {
			return v, nil
		}
	}
	return "", ErrDetachedHead
}

// CommitMessage returns the message of the HEAD commit.
func (g *GitRepository) CommitMessage(_ context.Context) (string, error) {
	repo, err := g.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", head.Hash(), err)
	}
	return commit.Message, nil
}

var pullRef = regexp.MustCompile(`^refs/pull/(\d+)/`)

// PullRequestNumber reads PR_NUMBER, then GITHUB_REF=refs/pull/N/merge.
func (g *GitRepository) PullRequestNumber(_ context.Context, _ string) (int, error) {
	return pullRequestFromEnv(g.getenv), nil
}

func pullRequestFromEnv(getenv func(string) string) int {
	if v := strings.TrimSpace(getenv("PR_NUMBER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if m := pullRef.FindStringSubmatch(getenv("GITHUB_REF")); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
