package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/artpar/previewctl/internal/core/channel"
	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/shell/store"
	"github.com/artpar/previewctl/internal/shell/workers"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var re *RunError
	if !errors.As(err, &re) || !re.reported {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprintf(stderr, "Next step: %s\n", NextStep(err))
	}
	return ExitCodeFor(err)
}

// =============================================================================
// Root Command
// =============================================================================

type rootOptions struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "previewctl",
		Short:         "Validate, build and deploy a multi-package site to preview channels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &RunError{Op: "ParseFlags", Err: err, ExitCode: ExitConfigError}
	})

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "path to config file")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")
	pf.String("manifest", "", "path to the pipeline manifest")
	pf.String("run-dir", "", "run output directory, cleared at the start of each run")
	pf.String("dsn", "", "run history database")

	cmd.AddCommand(
		newRunCmd(opts),
		newCleanupCmd(opts),
		newHistoryCmd(opts),
		newServeCmd(opts),
		newVersionCmd(opts),
	)
	return cmd
}

// setup loads config, validates it and creates the logger.
func (o *rootOptions) setup(cmd *cobra.Command) (*Config, *slog.Logger, error) {
	cfg, err := LoadConfig(o.configPath, cmd.Flags())
	if err != nil {
		return nil, nil, &RunError{Op: "LoadConfig", Err: err, ExitCode: ExitConfigError}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, &RunError{Op: "LoadConfig", Err: err, ExitCode: ExitConfigError}
	}
	logger := SetupLogger(cfg, o.stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// =============================================================================
// run
// =============================================================================

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		branch string
		pr     int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline: setup, validation, build, deploy, cleanup, report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			app, err := NewApp(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer app.Close()

			runner, err := app.Pipeline()
			if err != nil {
				return err
			}

			logger.Info("starting previewctl run", "version", Version, "manifest", cfg.Pipeline.Manifest)
			rc, runErr := runner.Run(ctx, domain.RunOptions{
				Skip:                cfg.Pipeline.Skip.Phases(),
				KeepCount:           cfg.Cleanup.Keep,
				Threshold:           cfg.Cleanup.Threshold,
				ContinueOnFailure:   cfg.Pipeline.ContinueOnFailure,
				HaltOnQualityFailed: cfg.Pipeline.HaltOnQualityFailure,
				RunDir:              cfg.Pipeline.RunDir,
				Branch:              branch,
				PullRequest:         pr,
			})
			printRunSummary(opts.stdout, rc, cfg.Pipeline.RunDir)

			if runErr != nil {
				return &RunError{Op: "Run", Err: runErr, ExitCode: ExitCodeFor(runErr), reported: true}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.Bool("skip-setup", false, "skip credential verification")
	f.Bool("skip-validation", false, "skip quality checks")
	f.Bool("skip-build", false, "skip package builds")
	f.Bool("skip-deploy", false, "skip deployment")
	f.Bool("skip-cleanup", false, "skip routine channel cleanup")
	f.Bool("skip-report", false, "skip report generation")
	f.Bool("continue-on-failure", false, "keep running sequential checks after a failure")
	f.Bool("halt-on-quality-failure", false, "halt the run when any quality check fails")
	f.Duration("timeout-check", 0, "default timeout per quality check")
	f.Duration("timeout-build", 0, "default timeout per package build")
	f.Duration("timeout-deploy", 0, "timeout per deploy command")
	f.Int("keep", 0, "channels to keep per site during cleanup")
	f.Int("threshold", 0, "channel count above which routine cleanup runs")
	f.String("events-file", "", "append progress events as JSON lines to this file")
	f.StringVar(&branch, "branch", "", "branch name (default: detected from git)")
	f.IntVar(&pr, "pr", 0, "pull request number (default: detected from CI or GitHub)")
	return cmd
}

// =============================================================================
// cleanup
// =============================================================================

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var aggressive bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old preview channels without deploying",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			app, err := NewApp(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer app.Close()

			sites := app.Sites()
			if len(sites) == 0 {
				return &RunError{
					Op:       "Cleanup",
					Err:      errors.New("no sites configured: add targets to the manifest or set hosting.sites"),
					ExitCode: ExitConfigError,
				}
			}

			policy := channel.Routine(cfg.Cleanup.Keep, &cfg.Cleanup.Threshold)
			if aggressive {
				keep := cfg.Cleanup.AggressiveKeep
				if cmd.Flags().Changed("keep") {
					keep = cfg.Cleanup.Keep
				}
				policy = channel.Aggressive(keep)
			}

			summary := app.reclaimer.Reclaim(ctx, nil, sites, policy)
			printCleanupSummary(opts.stdout, summary)
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&aggressive, "aggressive", false, "ignore the threshold and keep at most 3 channels per site")
	f.Int("keep", 0, "channels to keep per site")
	f.Int("threshold", 0, "channel count above which routine cleanup runs")
	return cmd
}

// =============================================================================
// history
// =============================================================================

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}

			app, err := NewApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer app.Close()

			s, err := app.history()
			if err != nil {
				return err
			}
			runs, err := s.ListRuns(cmd.Context(), store.ListOptions{Limit: limit})
			if err != nil {
				return &RunError{Op: "ListRuns", Err: err, ExitCode: ExitUnexpected}
			}
			return printHistory(opts.stdout, runs, asJSON)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history, preview URLs, metrics and the latest report over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}

			app, err := NewApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer app.Close()

			s, err := app.history()
			if err != nil {
				return err
			}

			if cfg.Cleanup.Interval > 0 {
				if sites := app.Sites(); len(sites) > 0 {
					sched := workers.NewReclaimScheduler(app.reclaimer, workers.ReclaimSchedulerConfig{
						Interval:  cfg.Cleanup.Interval,
						Sites:     sites,
						Keep:      cfg.Cleanup.Keep,
						Threshold: cfg.Cleanup.Threshold,
					}, logger)
					sched.Start()
					defer sched.Stop()
				} else {
					logger.Warn("cleanup.interval set but no sites configured")
				}
			}

			return NewServer(cfg, s, logger).Start(cmd.Context())
		},
	}

	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().Duration("cleanup-interval", 0, "run routine channel cleanup on this interval while serving")
	return cmd
}

// =============================================================================
// version
// =============================================================================

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(opts.stdout, "previewctl %s (built %s)\n", Version, BuildTime)
		},
	}
}
