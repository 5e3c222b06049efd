package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/artpar/previewctl/internal/core/manifest"
	"github.com/artpar/previewctl/internal/core/urls"
	"github.com/artpar/previewctl/internal/shell/auth"
	"github.com/artpar/previewctl/internal/shell/build"
	"github.com/artpar/previewctl/internal/shell/command"
	"github.com/artpar/previewctl/internal/shell/deploy"
	"github.com/artpar/previewctl/internal/shell/hosting"
	"github.com/artpar/previewctl/internal/shell/pipeline"
	"github.com/artpar/previewctl/internal/shell/progress"
	"github.com/artpar/previewctl/internal/shell/quality"
	"github.com/artpar/previewctl/internal/shell/reclaim"
	"github.com/artpar/previewctl/internal/shell/report"
	"github.com/artpar/previewctl/internal/shell/store"
	"github.com/artpar/previewctl/internal/shell/vcs"
)

// =============================================================================
// App
// =============================================================================

// App holds the shared collaborators of every subcommand.
type App struct {
	cfg       *Config
	manifest  *manifest.Manifest
	exec      *command.ExecRunner
	provider  hosting.Provider
	reclaimer *reclaim.Reclaimer
	store     store.Store
	vcs       *vcs.Client
	events    *progress.JSONLSink
	logger    *slog.Logger
}

// NewApp wires collaborators. A missing manifest is tolerated only when
// requireManifest is false (cleanup falls back to hosting.sites). A store
// that cannot be opened disables run history with a warning.
func NewApp(ctx context.Context, cfg *Config, logger *slog.Logger, requireManifest bool) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	m, err := loadManifest(cfg.Pipeline.Manifest)
	switch {
	case err == nil:
		a.manifest = m
	case requireManifest || !errors.Is(err, os.ErrNotExist):
		return nil, &RunError{Op: "LoadManifest", Err: err, ExitCode: ExitConfigError}
	default:
		logger.Debug("no manifest, using configured sites only", "path", cfg.Pipeline.Manifest)
		a.manifest = &manifest.Manifest{}
	}

	a.exec = command.NewExecRunner(filepath.Join(cfg.Pipeline.RunDir, "logs"), logger)
	a.provider = hosting.NewFirebaseCLI(hosting.FirebaseConfig{
		Binary:        cfg.Hosting.Binary,
		Project:       cfg.Hosting.Project,
		ProjectDir:    cfg.Hosting.ProjectDir,
		ListTimeout:   cfg.Timeouts.ChannelList,
		DeployTimeout: cfg.Timeouts.Deploy,
		DeleteTimeout: cfg.Timeouts.ChannelDelete,
	}, a.exec, logger)
	a.reclaimer = reclaim.New(a.provider, reclaim.Config{
		MaxConcurrentSites:   cfg.Cleanup.MaxConcurrentSites,
		MaxConcurrentDeletes: cfg.Cleanup.MaxConcurrentDeletes,
		DeletesPerSecond:     cfg.Cleanup.DeletesPerSecond,
	}, logger)

	if cfg.Store.DSN != "" {
		if dir := filepath.Dir(cfg.Store.DSN); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				logger.Warn("cannot create store directory, run history disabled", "dir", dir, "error", err)
			}
		}
		s, err := store.NewSQLiteStore(cfg.Store.DSN)
		if err != nil {
			logger.Warn("run history unavailable", "dsn", cfg.Store.DSN, "error", err)
		} else {
			a.store = s
		}
	}

	a.vcs = newVCSClient(ctx, cfg.VCS, logger)

	if cfg.Pipeline.EventsFile != "" {
		sink, err := progress.NewJSONLSink(cfg.Pipeline.EventsFile)
		if err != nil {
			logger.Warn("cannot open events file", "path", cfg.Pipeline.EventsFile, "error", err)
		} else {
			a.events = sink
		}
	}

	return a, nil
}

// newVCSClient uses go-git for the local checkout and adds GitHub when a
// token and repository are configured.
func newVCSClient(ctx context.Context, cfg VCSConfig, logger *slog.Logger) *vcs.Client {
	local := vcs.NewGitRepository(cfg.Path)
	if cfg.GitHubToken == "" || cfg.GitHubOwner == "" || cfg.GitHubRepo == "" {
		return vcs.NewClient(local, logger)
	}

	client, err := vcs.NewGitHubClient(ctx, cfg.GitHubToken)
	if err != nil {
		logger.Warn("GitHub disabled", "error", err)
		return vcs.NewClient(local, logger)
	}
	repo, err := vcs.NewGitHubRepository(local, client, cfg.GitHubOwner, cfg.GitHubRepo)
	if err != nil {
		logger.Warn("GitHub disabled", "error", err)
		return vcs.NewClient(local, logger)
	}
	return vcs.NewClient(repo, logger)
}

// Close releases the store and the events file.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Error("events file close error", "error", err)
		}
	}
}

// Sites returns every site cleanup should visit.
func (a *App) Sites() []string {
	return reclaimSites(a.manifest, a.cfg)
}

// Pipeline assembles a runner for one run.
func (a *App) Pipeline() (*pipeline.Runner, error) {
	plan, err := buildPlan(a.manifest, a.cfg)
	if err != nil {
		return nil, &RunError{Op: "BuildPlan", Err: err, ExitCode: ExitConfigError}
	}

	extractor := urls.NewExtractor(a.manifest.Roles(), a.manifest.SiteRoles())
	sources := []deploy.URLSource{
		deploy.LogDirSource{Dir: a.cfg.Pipeline.HistoryDir, Extractor: extractor},
	}
	if a.store != nil {
		sources = append(sources, deploy.SourceFunc{Label: "run history", Fn: a.store.RecentPreviewURLs})
	}

	deployer := deploy.NewManager(a.provider, a.reclaimer, extractor, deploy.Config{
		Expires:        a.cfg.Hosting.Expires,
		Sites:          plan.Sites,
		AggressiveKeep: a.cfg.Cleanup.AggressiveKeep,
		ManualCommand:  a.cfg.Hosting.ManualCommand,
		HistoryDir:     a.cfg.Pipeline.HistoryDir,
	}, a.logger, sources...)

	reporter, err := report.NewGenerator(a.cfg.Pipeline.RunDir, a.logger)
	if err != nil {
		return nil, &RunError{Op: "NewGenerator", Err: err, ExitCode: ExitUnexpected}
	}

	sinks := progress.MultiSink{progress.LogSink{Logger: a.logger}}
	if a.events != nil {
		sinks = append(sinks, a.events)
	}

	c := pipeline.Components{
		Auth: auth.NewGate(a.exec, auth.Config{
			CheckTimeout:  a.cfg.Timeouts.AuthCheck,
			ReauthTimeout: a.cfg.Timeouts.Reauth,
		}, a.logger),
		Quality:   quality.NewGate(a.exec, a.logger),
		Build:     build.NewCoordinator(a.exec, build.Config{MaxConcurrent: a.cfg.Pipeline.MaxConcurrentBuilds, Root: a.cfg.Pipeline.Root}, a.logger),
		Deploy:    deployer,
		Reclaimer: a.reclaimer,
		Reporter:  reporter,
		VCS:       a.vcs,
		Progress:  progress.NewPublisher(sinks, a.logger),
	}
	if a.store != nil {
		c.History = a.store
	}
	return pipeline.NewRunner(c, plan, time.Now, a.logger), nil
}

// history returns the store or a typed error when history is unavailable.
func (a *App) history() (store.Store, error) {
	if a.store == nil {
		return nil, &RunError{
			Op:       "OpenStore",
			Err:      fmt.Errorf("run history is unavailable (store.dsn=%q)", a.cfg.Store.DSN),
			ExitCode: ExitConfigError,
		}
	}
	return a.store, nil
}
