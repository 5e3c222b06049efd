// Package progress publishes run lifecycle events to pluggable sinks.
// Publishing never fails the run: sink errors and panics are logged and
// dropped.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/artpar/previewctl/internal/core/domain"
)

// =============================================================================
// Events
// =============================================================================

type Kind string

const (
	RunStarted    Kind = "run.started"
	PhaseStarted  Kind = "phase.started"
	PhaseFinished Kind = "phase.finished"
	PhaseSkipped  Kind = "phase.skipped"
	StepRecorded  Kind = "step.recorded"
	RunFinished   Kind = "run.finished"
)

// Event is one lifecycle notification.
type Event struct {
	Kind       Kind             `json:"kind"`
	RunID      string           `json:"run_id"`
	Phase      domain.PhaseName `json:"phase,omitempty"`
	Step       string           `json:"step,omitempty"`
	Status     string           `json:"status,omitempty"`
	Success    *bool            `json:"success,omitempty"`
	DurationMs int64            `json:"duration_ms,omitempty"`
	Message    string           `json:"message,omitempty"`
	Time       time.Time        `json:"time"`
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// =============================================================================
// Publisher
// =============================================================================

// Publisher fans events out to a sink and isolates the caller from it.
type Publisher struct {
	sink   Sink
	logger *slog.Logger
}

// NewPublisher wraps sink. A nil sink drops every event.
func NewPublisher(sink Sink, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{sink: sink, logger: logger.With("component", "progress")}
}

// Publish delivers ev. It never returns an error and never panics.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p == nil || p.sink == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Debug("progress sink panicked", "kind", ev.Kind, "panic", fmt.Sprint(r))
		}
	}()
	if err := p.sink.Publish(ctx, ev); err != nil {
		p.logger.Debug("progress sink failed", "kind", ev.Kind, "error", err)
	}
}

// StepObserver returns a callback suitable for RunContext.ObserveSteps.
func (p *Publisher) StepObserver(ctx context.Context, runID string) func(domain.Step) {
	return func(s domain.Step) {
		success := s.Success
		p.Publish(ctx, Event{
			Kind:       StepRecorded,
			RunID:      runID,
			Phase:      s.Phase,
			Step:       s.Name,
			Success:    &success,
			DurationMs: s.DurationMs,
			Message:    s.Error,
			Time:       s.Timestamp,
		})
	}
}

// =============================================================================
// Sinks
// =============================================================================

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"run_id", ev.RunID}
	if ev.Phase != "" {
		attrs = append(attrs, "phase", ev.Phase)
	}
	if ev.Step != "" {
		attrs = append(attrs, "step", ev.Step)
	}
	if ev.Status != "" {
		attrs = append(attrs, "status", ev.Status)
	}
	if ev.Success != nil {
		attrs = append(attrs, "success", *ev.Success)
	}
	if ev.DurationMs > 0 {
		attrs = append(attrs, "duration_ms", ev.DurationMs)
	}
	if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}

	level := slog.LevelInfo
	if ev.Kind == StepRecorded {
		level = slog.LevelDebug
		if ev.Success != nil && !*ev.Success {
			level = slog.LevelWarn
		}
	}
	logger.Log(ctx, level, string(ev.Kind), attrs...)
	return nil
}

// JSONLSink appends one JSON object per line to a file.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLSink opens (creating parent dirs) path for appending.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &JSONLSink{file: f, enc: json.NewEncoder(f)}, nil
}

func (s *JSONLSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ev)
}

// Close closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
