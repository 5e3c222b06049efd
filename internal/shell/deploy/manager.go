// Package deploy pushes built packages to preview channels, recovering once
// from quota rejections by reclaiming channels.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/artpar/previewctl/internal/core/channel"
	coredeploy "github.com/artpar/previewctl/internal/core/deploy"
	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/core/urls"
	"github.com/artpar/previewctl/internal/shell/hosting"
	"github.com/artpar/previewctl/internal/shell/retry"
)

var (
	errQuota = errors.New("hosting quota exceeded")
	errHard  = errors.New("deploy rejected")
)

// =============================================================================
// Collaborators
// =============================================================================

// Target maps one package's built files onto a hosting site.
type Target struct {
	Site         string
	Role         string
	ArtifactPath string
}

// Reclaimer frees channels during quota recovery.
type Reclaimer interface {
	Reclaim(ctx context.Context, rc *domain.RunContext, sites []string, policy channel.Policy) domain.CleanupSummary
}

// URLSource supplies previously known preview URLs when a deploy succeeds
// without printing any.
type URLSource interface {
	Name() string
	RecentURLs(ctx context.Context) (map[string]string, error)
}

// Config configures the deployment manager.
type Config struct {
	// Expires is passed to the provider, e.g. "7d".
	Expires string

	// Sites is every configured site; quota recovery reclaims across all of them.
	Sites []string

	// AggressiveKeep is the keep-count used during quota recovery.
	AggressiveKeep int

	// ManualCommand is the remediation template for hard failures.
	// {channel} and {site} are substituted.
	ManualCommand string

	// HistoryDir receives a copy of each successful deploy's output so later
	// runs can fall back to it. Empty disables the copy.
	HistoryDir string
}

// DefaultManualCommand is the remediation printed for failed deploys.
const DefaultManualCommand = "firebase hosting:channel:deploy {channel} --only {site}"

// Manager deploys targets to a preview channel.
type Manager struct {
	provider  hosting.Provider
	reclaimer Reclaimer
	extractor urls.Extractor
	sources   []URLSource
	config    Config
	logger    *slog.Logger
}

// NewManager creates a deployment manager. sources are consulted in order
// for URL fallback.
func NewManager(provider hosting.Provider, reclaimer Reclaimer, extractor urls.Extractor, config Config, logger *slog.Logger, sources ...URLSource) *Manager {
	if config.ManualCommand == "" {
		config.ManualCommand = DefaultManualCommand
	}
	if config.AggressiveKeep <= 0 {
		config.AggressiveKeep = channel.AggressiveKeepCount
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider:  provider,
		reclaimer: reclaimer,
		extractor: extractor,
		sources:   sources,
		config:    config,
		logger:    logger.With("component", "deploy"),
	}
}

// =============================================================================
// Deploy
// =============================================================================

// Deploy pushes every target to one channel. The sequence per call is at most
// deploy, quota, reclaim (aggressive), deploy, terminal.
func (m *Manager) Deploy(ctx context.Context, rc *domain.RunContext, targets []Target) (domain.DeploymentResult, error) {
	channelID := channel.GenerateID(rc.Options.PullRequest, rc.Options.Branch, rc.Now())
	result := domain.DeploymentResult{ChannelID: channelID, URLs: map[string]string{}}

	if len(targets) == 0 {
		err := domain.NewPipelineError("Deploy", domain.PhaseDeploy, "no deploy targets configured",
			"add targets to the pipeline manifest", domain.ErrDeployment)
		result.Error = err.Error()
		return m.finish(rc, result), err
	}

	logger := m.logger.With("channel", channelID)
	logger.Info("deploying preview", "targets", len(targets))

	recoveryUsed := false
	var outputs []string

	for _, target := range targets {
		started := time.Now()
		step := "deploy:" + target.Site

		if target.ArtifactPath != "" {
			if _, err := os.Stat(target.ArtifactPath); err != nil {
				msg := fmt.Sprintf("artifact %s is missing", target.ArtifactPath)
				_ = rc.RecordStep(step, domain.PhaseDeploy, false, time.Since(started).Milliseconds(), msg)
				pe := domain.NewPipelineError("Deploy", domain.PhaseDeploy, msg,
					"previewctl run (without --skip-build)", fmt.Errorf("%w: %w", domain.ErrDeployment, err))
				result.Error = pe.Error()
				result.RawOutput = strings.Join(outputs, "\n")
				return m.finish(rc, result), pe
			}
		}

		maxAttempts := 2
		if recoveryUsed {
			maxAttempts = 1
		}

		var lastOutput string
		outcome, err := retry.Do(ctx, retry.Policy{
			MaxAttempts: maxAttempts,
			IsRetryable: func(err error) bool { return errors.Is(err, errQuota) },
			BeforeRetry: func(ctx context.Context, _ int, _ error) error {
				recoveryUsed = true
				result.RecoveryAttempted = true
				logger.Warn("quota exceeded, reclaiming channels", "site", target.Site)
				rc.RecordWarning(fmt.Sprintf("quota exceeded on %s, reclaiming channels", target.Site),
					domain.PhaseDeploy, step, domain.SeverityWarning)
				m.reclaimer.Reclaim(ctx, rc, m.sites(targets), channel.Aggressive(m.config.AggressiveKeep))
				return nil
			},
		}, func(ctx context.Context, attempt int) error {
			resp, err := m.provider.DeployToChannel(ctx, hosting.DeployRequest{
				Site:         target.Site,
				ChannelID:    channelID,
				ArtifactPath: target.ArtifactPath,
				Expires:      m.config.Expires,
			})
			if err != nil {
				return fmt.Errorf("%w: %w", errHard, err)
			}
			lastOutput = resp.RawOutput
			outputs = append(outputs, resp.RawOutput)

			switch oc := coredeploy.Classify(resp); {
			case oc.IsSuccess():
				if oc == coredeploy.OutcomeBenign {
					rc.RecordWarning("deploy printed a deprecation warning", domain.PhaseDeploy, step, domain.SeverityInfo)
				}
				return nil
			case oc == coredeploy.OutcomeQuotaExceeded:
				result.QuotaExceeded = true
				return errQuota
			default:
				return fmt.Errorf("%w: %s", errHard, coredeploy.Summary(resp.RawOutput))
			}
		})
		result.Attempts += outcome.Attempts

		elapsed := time.Since(started).Milliseconds()
		if err != nil {
			pe := m.failure(target, channelID, lastOutput, err)
			_ = rc.RecordStep(step, domain.PhaseDeploy, false, elapsed, pe.Message)
			result.Error = pe.Error()
			result.RawOutput = strings.Join(outputs, "\n")
			logger.Error("deploy failed", "site", target.Site, "attempts", outcome.Attempts, "error", err)
			return m.finish(rc, result), pe
		}
		_ = rc.RecordStep(step, domain.PhaseDeploy, true, elapsed, "")
		logger.Info("site deployed", "site", target.Site, "attempts", outcome.Attempts)
	}

	result.Success = true
	result.RawOutput = strings.Join(outputs, "\n")
	result.URLs = m.extractor.Extract(result.RawOutput)

	if len(result.URLs) == 0 {
		m.fallback(ctx, rc, &result)
	} else {
		m.saveHistory(result.RawOutput, rc.Now())
	}

	return m.finish(rc, result), nil
}

// failure converts a terminal attempt error into an operator-facing error.
func (m *Manager) failure(target Target, channelID, output string, err error) *domain.PipelineError {
	manual := strings.NewReplacer("{channel}", channelID, "{site}", target.Site).Replace(m.config.ManualCommand)

	if errors.Is(err, errQuota) {
		return domain.NewPipelineError("Deploy", domain.PhaseDeploy,
			fmt.Sprintf("quota still exceeded on %s after reclaiming channels", target.Site),
			fmt.Sprintf("previewctl cleanup --aggressive && %s", manual),
			fmt.Errorf("%w: %w", domain.ErrDeployment, err))
	}

	msg := fmt.Sprintf("deploy to %s failed", target.Site)
	if summary := coredeploy.Summary(output); summary != "" {
		msg += ": " + summary
	}
	return domain.NewPipelineError("Deploy", domain.PhaseDeploy, msg, manual,
		fmt.Errorf("%w: %w", domain.ErrDeployment, err))
}

func (m *Manager) finish(rc *domain.RunContext, result domain.DeploymentResult) domain.DeploymentResult {
	rc.SetPreviewURLs(result.URLs, result.IsFallback)
	r := result
	rc.Deployment = &r
	return result
}

// sites returns the configured sites, or the targets' sites when none are
// configured.
func (m *Manager) sites(targets []Target) []string {
	if len(m.config.Sites) > 0 {
		return m.config.Sites
	}
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.Site)
	}
	return out
}
