// Package reclaim garbage-collects stale preview channels so a site stays
// under its hosting quota.
package reclaim

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/artpar/previewctl/internal/core/channel"
	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/shell/hosting"
)

// Config configures the reclaimer.
type Config struct {
	// MaxConcurrentSites bounds how many sites are processed at once.
	// Default: 4.
	MaxConcurrentSites int

	// MaxConcurrentDeletes bounds deletions in flight per site.
	// Default: 5.
	MaxConcurrentDeletes int

	// DeletesPerSecond paces delete calls across all sites. Zero disables
	// pacing.
	DeletesPerSecond float64
}

// Reclaimer deletes old channels according to a retention policy.
// Deletion failures are recorded per channel and never escalate.
type Reclaimer struct {
	provider hosting.Provider
	limiter  *rate.Limiter
	config   Config
	logger   *slog.Logger
}

// New creates a reclaimer.
func New(provider hosting.Provider, config Config, logger *slog.Logger) *Reclaimer {
	if config.MaxConcurrentSites <= 0 {
		config.MaxConcurrentSites = 4
	}
	if config.MaxConcurrentDeletes <= 0 {
		config.MaxConcurrentDeletes = 5
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.DeletesPerSecond > 0 {
		burst := int(config.DeletesPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.DeletesPerSecond), burst)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{
		provider: provider,
		limiter:  limiter,
		config:   config,
		logger:   logger.With("component", "reclaimer"),
	}
}

// Reclaim applies policy to every site in parallel and returns the summary.
// Steps and warnings go to the deploy phase in aggressive mode (quota
// recovery) and to the cleanup phase otherwise. rc may be nil.
func (r *Reclaimer) Reclaim(ctx context.Context, rc *domain.RunContext, sites []string, policy channel.Policy) domain.CleanupSummary {
	started := time.Now()
	if policy.Mode == "" {
		policy.Mode = domain.ReclaimRoutine
	}
	summary := domain.CleanupSummary{
		Mode:      policy.Mode,
		KeepCount: policy.EffectiveKeep(),
		Threshold: policy.Threshold,
		Sites:     make(map[string]domain.SiteCleanup, len(sites)),
	}

	phase := domain.PhaseCleanup
	if policy.Mode == domain.ReclaimAggressive {
		phase = domain.PhaseDeploy
	}

	r.logger.Info("reclaiming channels",
		"mode", policy.Mode,
		"keep", summary.KeepCount,
		"sites", len(sites),
	)

	var mu sync.Mutex
	sem := make(chan struct{}, r.config.MaxConcurrentSites)
	var wg sync.WaitGroup

	for _, site := range dedupe(sites) {
		wg.Add(1)
		go func(site string) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				mu.Lock()
				summary.Sites[site] = domain.SiteCleanup{Site: site, Error: ctx.Err().Error()}
				mu.Unlock()
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			stepStarted := time.Now()
			result := r.reclaimSite(ctx, site, policy)

			mu.Lock()
			summary.Sites[site] = result
			mu.Unlock()

			if rc != nil {
				r.record(rc, phase, result, time.Since(stepStarted))
			}
		}(site)
	}
	wg.Wait()

	summary.Totals()
	summary.Duration = time.Since(started)

	r.logger.Info("reclaim finished",
		"mode", policy.Mode,
		"deleted", summary.Deleted,
		"failed", summary.Failed,
		"duration", summary.Duration,
	)
	return summary
}

// reclaimSite lists, plans, and deletes for one site.
func (r *Reclaimer) reclaimSite(ctx context.Context, site string, policy channel.Policy) domain.SiteCleanup {
	logger := r.logger.With("site", site)
	result := domain.SiteCleanup{Site: site}

	channels, err := r.provider.ListChannels(ctx, site)
	if err != nil {
		logger.Warn("failed to list channels", "error", err)
		result.Error = err.Error()
		return result
	}

	plan := channel.PlanRetention(channels, policy)
	result.Listed = len(channels)
	result.Protected = len(plan.Protected)
	result.Kept = len(plan.Keep)
	result.Skipped = plan.Skipped
	result.SkipReason = plan.SkipReason
	result.Attempted = len(plan.Delete)

	if plan.Skipped || len(plan.Delete) == 0 {
		result.Remaining = result.Kept
		logger.Debug("nothing to reclaim", "listed", result.Listed, "skipped", plan.Skipped)
		return result
	}

	failures := r.deleteAll(ctx, site, plan.Delete)
	result.Failed = len(failures)
	result.Deleted = len(plan.Delete) - result.Failed
	result.Remaining = result.Kept + result.Failed
	if len(failures) > 0 {
		result.Failures = failures
	}

	logger.Info("site reclaimed",
		"listed", result.Listed,
		"kept", result.Kept,
		"deleted", result.Deleted,
		"failed", result.Failed,
	)
	return result
}

// deleteAll deletes channels concurrently and returns failures by channel ID.
func (r *Reclaimer) deleteAll(ctx context.Context, site string, channels []domain.Channel) map[string]string {
	var mu sync.Mutex
	failures := make(map[string]string)
	sem := make(chan struct{}, r.config.MaxConcurrentDeletes)
	var wg sync.WaitGroup

	for _, ch := range channels {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			err := func() error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case sem <- struct{}{}:
					defer func() { <-sem }()
				}
				if err := r.limiter.Wait(ctx); err != nil {
					return fmt.Errorf("rate limiter: %w", err)
				}
				return r.provider.DeleteChannel(ctx, site, id)
			}()

			if err != nil {
				r.logger.Warn("failed to delete channel", "site", site, "channel", id, "error", err)
				mu.Lock()
				failures[id] = err.Error()
				mu.Unlock()
			}
		}(ch.ID)
	}
	wg.Wait()
	return failures
}

func (r *Reclaimer) record(rc *domain.RunContext, phase domain.PhaseName, res domain.SiteCleanup, elapsed time.Duration) {
	step := "reclaim:" + res.Site
	if res.Error != "" {
		_ = rc.RecordStep(step, phase, false, elapsed.Milliseconds(), "")
		rc.RecordWarning(fmt.Sprintf("could not list channels for %s: %s", res.Site, res.Error), phase, step, domain.SeverityWarning)
		return
	}
	_ = rc.RecordStep(step, phase, true, elapsed.Milliseconds(), "")

	ids := make([]string, 0, len(res.Failures))
	for id := range res.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rc.RecordWarning(fmt.Sprintf("failed to delete channel %s/%s: %s", res.Site, id, res.Failures[id]), phase, step, domain.SeverityWarning)
	}
}

func dedupe(sites []string) []string {
	seen := make(map[string]bool, len(sites))
	out := make([]string, 0, len(sites))
	for _, s := range sites {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
