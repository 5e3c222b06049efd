// Package command runs external tools with a timeout and keeps a log file
// of every invocation.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultTimeout applies when a Spec carries no timeout.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrNotFound is returned when the executable is not on PATH.
	ErrNotFound = errors.New("executable not found")
	// ErrStart is returned when the process could not be started.
	ErrStart = errors.New("command failed to start")
)

// =============================================================================
// Types
// =============================================================================

// Spec describes one invocation.
type Spec struct {
	// Label names the log file. Defaults to the command name.
	Label   string
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// String renders the command line for logs and remediation hints.
func (s Spec) String() string {
	if len(s.Args) == 0 {
		return s.Name
	}
	return s.Name + " " + strings.Join(s.Args, " ")
}

// Result is what a finished process produced. A non-zero exit code is a
// Result, not an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
	LogPath  string
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes commands. Implementations must be safe for concurrent use.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
	LookPath(name string) (string, error)
}

// =============================================================================
// ExecRunner
// =============================================================================

// ExecRunner runs commands through os/exec.
type ExecRunner struct {
	// LogDir receives one log file per invocation. Empty disables logs.
	LogDir string
	Logger *slog.Logger
	Now    func() time.Time

	seq atomic.Int64
}

// NewExecRunner creates a runner writing logs to logDir.
func NewExecRunner(logDir string, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		LogDir: logDir,
		Logger: logger.With("component", "command"),
		Now:    time.Now,
	}
}

// LookPath resolves an executable on PATH.
func (r *ExecRunner) LookPath(name string) (string, error) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// Run executes spec. The returned error is non-nil only when the process
// could not be started; timeouts set Result.TimedOut.
func (r *ExecRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	// Children that inherit stdout must not hold Run open past the timeout.
	cmd.WaitDelay = 2 * time.Second
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := r.now()
	r.Logger.Debug("running command", "cmd", spec.String(), "dir", spec.Dir, "timeout", timeout)
	runErr := cmd.Run()

	result := Result{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: r.now().Sub(started),
	}

	switch {
	case runErr == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
		result.Stderr = strings.TrimSpace(result.Stderr + fmt.Sprintf("\ncommand timeout after %s", timeout))
	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			if errors.Is(runErr, exec.ErrNotFound) {
				return result, fmt.Errorf("%w: %s", ErrNotFound, spec.Name)
			}
			return result, fmt.Errorf("%w: %s: %w", ErrStart, spec.Name, runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if path, err := r.writeLog(spec, result); err != nil {
		r.Logger.Debug("failed to write command log", "cmd", spec.Name, "error", err)
	} else {
		result.LogPath = path
	}
	return result, nil
}

func (r *ExecRunner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (r *ExecRunner) writeLog(spec Spec, result Result) (string, error) {
	if r.LogDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(r.LogDir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}

	label := spec.Label
	if label == "" {
		label = filepath.Base(spec.Name)
	}
	label = unsafeLabel.ReplaceAllString(label, "_")
	base := fmt.Sprintf("%s-%s-%03d.log", label, r.now().UTC().Format("20060102-150405"), r.seq.Add(1))
	path := filepath.Join(r.LogDir, base)

	var b strings.Builder
	fmt.Fprintf(&b, "$ %s\n", spec.String())
	if spec.Dir != "" {
		fmt.Fprintf(&b, "# dir: %s\n", spec.Dir)
	}
	fmt.Fprintf(&b, "# exit: %d  duration: %s  timed_out: %t\n\n", result.ExitCode, result.Duration.Round(time.Millisecond), result.TimedOut)
	b.WriteString(result.Combined())
	b.WriteString("\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write log: %w", err)
	}
	return path, nil
}
