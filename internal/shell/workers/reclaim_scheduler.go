// Package workers contains background workers for previewctl serve.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/previewctl/internal/core/channel"
	"github.com/artpar/previewctl/internal/core/domain"
)

// Reclaimer deletes old preview channels. *reclaim.Reclaimer implements it.
type Reclaimer interface {
	Reclaim(ctx context.Context, rc *domain.RunContext, sites []string, policy channel.Policy) domain.CleanupSummary
}

// ReclaimSchedulerConfig configures the reclaim scheduler worker.
type ReclaimSchedulerConfig struct {
	// Interval is the time between reclaim cycles.
	// Default: 1 hour.
	Interval time.Duration

	// CycleTimeout bounds a single cycle across all sites.
	// Default: 10 minutes.
	CycleTimeout time.Duration

	Sites     []string
	Keep      int
	Threshold int
}

// DefaultReclaimSchedulerConfig returns the default configuration.
func DefaultReclaimSchedulerConfig() ReclaimSchedulerConfig {
	return ReclaimSchedulerConfig{
		Interval:     time.Hour,
		CycleTimeout: 10 * time.Minute,
		Keep:         10,
		Threshold:    40,
	}
}

// ReclaimScheduler runs routine channel cleanup on a fixed interval, so
// sites stay under the provider's channel quota between pipeline runs.
type ReclaimScheduler struct {
	reclaimer Reclaimer
	config    ReclaimSchedulerConfig
	logger    *slog.Logger

	mu   sync.Mutex
	last *domain.CleanupSummary

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReclaimScheduler creates a new reclaim scheduler worker.
func NewReclaimScheduler(r Reclaimer, config ReclaimSchedulerConfig, logger *slog.Logger) *ReclaimScheduler {
	defaults := DefaultReclaimSchedulerConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.CycleTimeout == 0 {
		config.CycleTimeout = defaults.CycleTimeout
	}
	if config.Keep == 0 {
		config.Keep = defaults.Keep
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &ReclaimScheduler{
		reclaimer: r,
		config:    config,
		logger:    logger.With("component", "reclaim_scheduler"),
	}
}

// Start begins the background goroutine. The first cycle runs
// immediately.
func (s *ReclaimScheduler) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.run()

	s.logger.Info("reclaim scheduler started",
		"interval", s.config.Interval,
		"sites", len(s.config.Sites),
		"keep", s.config.Keep,
		"threshold", s.config.Threshold,
	)
}

// Stop cancels the current cycle and waits for it to return.
func (s *ReclaimScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("reclaim scheduler stopped")
}

func (s *ReclaimScheduler) run() {
	defer s.wg.Done()

	s.runCycle(s.ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(s.ctx)
		}
	}
}

// runCycle reclaims every configured site once.
func (s *ReclaimScheduler) runCycle(parent context.Context) domain.CleanupSummary {
	if len(s.config.Sites) == 0 {
		s.logger.Debug("no sites to reclaim")
		return domain.CleanupSummary{Mode: domain.ReclaimRoutine, KeepCount: s.config.Keep}
	}

	ctx, cancel := context.WithTimeout(parent, s.config.CycleTimeout)
	defer cancel()

	threshold := s.config.Threshold
	summary := s.reclaimer.Reclaim(ctx, nil, s.config.Sites, channel.Routine(s.config.Keep, &threshold))

	s.mu.Lock()
	s.last = &summary
	s.mu.Unlock()

	level := slog.LevelInfo
	if summary.Failed > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "reclaim cycle finished",
		"deleted", summary.Deleted,
		"failed", summary.Failed,
		"duration", summary.Duration,
	)
	return summary
}

// RunNow runs one cycle synchronously.
func (s *ReclaimScheduler) RunNow(ctx context.Context) domain.CleanupSummary {
	return s.runCycle(ctx)
}

// Last returns the most recent cycle's summary, if any.
func (s *ReclaimScheduler) Last() (domain.CleanupSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return domain.CleanupSummary{}, false
	}
	return *s.last, true
}
