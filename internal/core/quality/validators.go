// Package quality provides validators that decide pass/fail for quality
// checks from raw tool output.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// Validators are the single source of truth for a check's result. A tool
// that exits 0 while printing failures fails; a tool whose own semantics
// differ is judged by the validator, not by its exit code alone.
package quality

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrUnknownValidator is returned when a validator name is not registered.
var ErrUnknownValidator = errors.New("unknown validator")

// =============================================================================
// Output and Verdict
// =============================================================================

// Output is what a check command produced.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Combined returns stdout and stderr joined.
func (o Output) Combined() string {
	if o.Stderr == "" {
		return o.Stdout
	}
	if o.Stdout == "" {
		return o.Stderr
	}
	return o.Stdout + "\n" + o.Stderr
}

// Verdict is a validator decision.
type Verdict struct {
	Pass   bool
	Reason string
}

func pass() Verdict { return Verdict{Pass: true} }

func fail(reason string) Verdict { return Verdict{Pass: false, Reason: reason} }

func failf(format string, a ...any) Verdict { return fail(fmt.Sprintf(format, a...)) }

// Validator classifies a check's output.
type Validator interface {
	Validate(out Output) Verdict
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(out Output) Verdict

// Validate calls f(out).
func (f ValidatorFunc) Validate(out Output) Verdict { return f(out) }

// =============================================================================
// Built-in Validators
// =============================================================================

// ExitCode passes when the command exited 0 and did not time out.
func ExitCode() Validator {
	return ValidatorFunc(func(out Output) Verdict {
		if out.TimedOut {
			return fail("timed out")
		}
		if out.ExitCode != 0 {
			return failf("exit code %d", out.ExitCode)
		}
		return pass()
	})
}

// DefaultFailurePattern is the token scan used when none is configured.
var DefaultFailurePattern = regexp.MustCompile(`(?i)\b(failed|failure|failures|error|errors)\b`)

// zeroCounter matches clean summaries like "0 errors", "no failures",
// "errors: none" or "failed: 0" that would otherwise trip the token scan.
var zeroCounter = regexp.MustCompile(`(?i)\b(?:(?:0|no)\s+(?:failed|failures?|errors?)|(?:failed|failures?|errors?)\s*[:=]\s*(?:0|none)\b)`)

// TokenScan fails when the combined output contains the failure pattern
// after clean summaries ("0 errors", "No errors found", "errors: none") are
// masked out. It is a heuristic: any other mention of a failure token, such
// as a test named "handles errors", still fails the check.
func TokenScan(pattern *regexp.Regexp) Validator {
	if pattern == nil {
		pattern = DefaultFailurePattern
	}
	return ValidatorFunc(func(out Output) Verdict {
		text := zeroCounter.ReplaceAllString(out.Combined(), "")
		if loc := pattern.FindStringIndex(text); loc != nil {
			return failf("output contains %q", text[loc[0]:loc[1]])
		}
		return pass()
	})
}

// CountPattern fails when the first capture group of pattern parses to a
// positive integer, e.g. `(\d+) problems?` for linters.
func CountPattern(pattern *regexp.Regexp, what string) Validator {
	return ValidatorFunc(func(out Output) Verdict {
		for _, m := range pattern.FindAllStringSubmatch(out.Combined(), -1) {
			if len(m) < 2 {
				continue
			}
			n := strings.TrimLeft(m[1], "0")
			if n != "" {
				return failf("%s %s reported", m[1], what)
			}
		}
		return pass()
	})
}

// All passes only when every validator passes. The first failure wins.
func All(validators ...Validator) Validator {
	return ValidatorFunc(func(out Output) Verdict {
		for _, v := range validators {
			if verdict := v.Validate(out); !verdict.Pass {
				return verdict
			}
		}
		return pass()
	})
}

// Any passes when at least one validator passes.
func Any(validators ...Validator) Validator {
	return ValidatorFunc(func(out Output) Verdict {
		var reasons []string
		for _, v := range validators {
			verdict := v.Validate(out)
			if verdict.Pass {
				return verdict
			}
			reasons = append(reasons, verdict.Reason)
		}
		return fail(strings.Join(reasons, "; "))
	})
}

// =============================================================================
// Registry
// =============================================================================

var (
	lintProblems   = regexp.MustCompile(`(?i)(\d+)\s+problems?\b`)
	tscErrors      = regexp.MustCompile(`(?i)Found\s+(\d+)\s+errors?`)
	tscErrorLine   = regexp.MustCompile(`error TS\d+:`)
	testFailCounts = regexp.MustCompile(`(?i)Tests?:?\s+(\d+)\s+failed`)
)

var registry = map[string]func() Validator{
	"exit-code":  ExitCode,
	"token-scan": func() Validator { return All(ExitCode(), TokenScan(nil)) },
	"lint": func() Validator {
		return All(ExitCode(), CountPattern(lintProblems, "lint problems"))
	},
	"typecheck": func() Validator {
		return All(ExitCode(), CountPattern(tscErrors, "type errors"), TokenScan(tscErrorLine))
	},
	"test": func() Validator {
		return All(ExitCode(), CountPattern(testFailCounts, "failing tests"))
	},
}

// ByName returns a registered validator. Empty name means "exit-code".
func ByName(name string) (Validator, error) {
	if name == "" {
		name = "exit-code"
	}
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownValidator, name)
	}
	return factory(), nil
}

// Names lists the registered validator names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
