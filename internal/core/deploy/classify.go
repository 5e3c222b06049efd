// Package deploy provides pure classification of hosting provider deploy
// responses.
// This is part of the Functional Core - all functions are pure with no I/O.
package deploy

import (
	"regexp"
	"strings"
)

// =============================================================================
// Outcome
// =============================================================================

// Outcome is the classified result of one provider deploy call.
type Outcome string

const (
	// OutcomeSuccess is a clean successful deploy.
	OutcomeSuccess Outcome = "success"
	// OutcomeBenign is a deploy whose output carries only a known
	// deprecation warning. Treated as success.
	OutcomeBenign Outcome = "benign"
	// OutcomeQuotaExceeded means the site hit its channel quota.
	OutcomeQuotaExceeded Outcome = "quota_exceeded"
	// OutcomeHardFailure is any other unsuccessful deploy.
	OutcomeHardFailure Outcome = "hard_failure"
)

// IsSuccess reports whether the outcome counts as a successful deploy.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSuccess || o == OutcomeBenign
}

// QuotaStatusCode is the provider status code for quota rejections.
const QuotaStatusCode = 429

// =============================================================================
// Signatures
// =============================================================================

var (
	deprecationSignatures = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bdeprecat(ed|ion)\b`),
		regexp.MustCompile(`(?i)will be removed in a future (major )?(version|release)`),
		regexp.MustCompile(`(?i)\bDEP0\d{3}\b`),
	}

	errorMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\s*Error:`),
		regexp.MustCompile(`(?i)\bHTTP Error:`),
		regexp.MustCompile(`(?i)"status"\s*:\s*"error"`),
		regexp.MustCompile(`(?i)\bdeploy(ment)? failed\b`),
	}

	quotaSignatures = []*regexp.Regexp{
		regexp.MustCompile(`(?i)HTTP Error:\s*429\b`),
		regexp.MustCompile(`"code"\s*:\s*429\b`),
		regexp.MustCompile(`RESOURCE_EXHAUSTED`),
		regexp.MustCompile(`(?i)quota (has been )?exceeded`),
		regexp.MustCompile(`(?i)maximum number of (preview )?channels`),
		regexp.MustCompile(`(?i)too many channels`),
	}
)

// Response is the raw provider answer for one deploy.
type Response struct {
	Success   bool
	ErrorCode int
	RawOutput string
}

// =============================================================================
// Classification
// =============================================================================

// Classify maps a provider response to an outcome.
//
// The rules are, in order:
//   - errorCode 429: quota exceeded
//   - a quota signature in failed output, or next to an error marker:
//     quota exceeded
//   - success flag without explicit error markers: success
//   - a deprecation signature without explicit error markers: benign
//   - anything else: hard failure
//
// Quota is checked first because quota rejections are also reported as
// failures and must be distinguishable from them. Output of a successful
// deploy with no error marker is never read for quota signatures; build
// logs routinely mention numbers and file names.
func Classify(resp Response) Outcome {
	if IsQuotaExceeded(resp) {
		return OutcomeQuotaExceeded
	}

	hasError := HasErrorMarker(resp.RawOutput)
	if resp.Success && !hasError {
		return OutcomeSuccess
	}
	if !hasError && IsDeprecationOnly(resp.RawOutput) {
		return OutcomeBenign
	}
	return OutcomeHardFailure
}

// IsQuotaExceeded reports whether the response is a quota rejection.
func IsQuotaExceeded(resp Response) bool {
	if resp.ErrorCode == QuotaStatusCode {
		return true
	}
	if resp.Success && !HasErrorMarker(resp.RawOutput) {
		return false
	}
	return matchesAny(quotaSignatures, resp.RawOutput)
}

// HasErrorMarker reports whether output contains an explicit error marker.
func HasErrorMarker(output string) bool {
	return matchesAny(errorMarkers, output)
}

// IsDeprecationOnly reports whether output carries a deprecation warning.
func IsDeprecationOnly(output string) bool {
	return matchesAny(deprecationSignatures, output)
}

// Summary returns the most relevant line of output for an error message.
func Summary(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for _, line := range lines {
		if matchesAny(errorMarkers, line) || matchesAny(quotaSignatures, line) {
			return strings.TrimSpace(line)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
