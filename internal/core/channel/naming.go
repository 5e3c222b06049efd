// Package channel provides pure functions for preview channel naming and
// retention planning.
// This is part of the Functional Core - all functions are pure with no I/O.
package channel

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxBranchLength bounds the branch part of a generated channel ID.
	MaxBranchLength = 15

	// EpochPrefixLength is the number of leading epoch-millisecond digits
	// appended to branch-based channel IDs.
	EpochPrefixLength = 10

	// DefaultBranchSlug is used when a branch sanitizes to nothing.
	DefaultBranchSlug = "preview"
)

// =============================================================================
// Channel ID Generation
// =============================================================================

// GenerateID returns the deterministic preview channel ID for a run.
//
// Pattern:
//   - pr-{number} when a pull request number is known (> 0)
//   - {sanitized-branch}-{first 10 digits of epoch milliseconds} otherwise
//
// Example:
//
//	GenerateID(42, "main", now)                        // returns "pr-42"
//	GenerateID(0, "Feature/X Y!", time.UnixMilli(1700000000123)) // returns "feature-x-y-1700000000"
func GenerateID(prNumber int, branch string, now time.Time) string {
	if prNumber > 0 {
		return fmt.Sprintf("pr-%d", prNumber)
	}
	return fmt.Sprintf("%s-%s", SanitizeBranch(branch), EpochPrefix(now))
}

// SanitizeBranch converts a branch name into a channel-safe slug.
//
// The transformation rules are:
//   - Uppercase letters are lowercased
//   - Letters and digits are kept
//   - Every other character becomes a hyphen
//   - Repeated hyphens collapse into one
//   - Leading and trailing hyphens are removed
//   - The result is truncated to MaxBranchLength characters
//
// An empty result yields DefaultBranchSlug.
func SanitizeBranch(branch string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphens
	for _, r := range strings.ToLower(branch) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > MaxBranchLength {
		slug = strings.TrimRight(slug[:MaxBranchLength], "-")
	}
	if slug == "" {
		return DefaultBranchSlug
	}
	return slug
}

// EpochPrefix returns the first EpochPrefixLength digits of the Unix epoch in
// milliseconds, left-padded with zeros for very early timestamps.
func EpochPrefix(now time.Time) string {
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	if len(ms) >= EpochPrefixLength {
		return ms[:EpochPrefixLength]
	}
	return strings.Repeat("0", EpochPrefixLength-len(ms)) + ms
}

// IsPullRequestID reports whether id was generated from a PR number.
func IsPullRequestID(id string) bool {
	rest, ok := strings.CutPrefix(id, "pr-")
	if !ok || rest == "" {
		return false
	}
	_, err := strconv.Atoi(rest)
	return err == nil
}
