package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/artpar/previewctl/internal/core/channel"
	"github.com/artpar/previewctl/internal/core/domain"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts"`
	Hosting  HostingConfig  `mapstructure:"hosting"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	VCS      VCSConfig      `mapstructure:"vcs"`
	Store    StoreConfig    `mapstructure:"store"`
	Server   ServerConfig   `mapstructure:"server"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PipelineConfig controls one run.
type PipelineConfig struct {
	// Manifest lists auth requirements, checks, packages and targets.
	Manifest string `mapstructure:"manifest"`
	// Root resolves relative package and artifact paths.
	Root string `mapstructure:"root"`
	// RunDir is cleared at the start of every run and receives the report.
	RunDir string `mapstructure:"run_dir"`
	// HistoryDir keeps deploy output across runs for the URL fallback.
	HistoryDir string `mapstructure:"history_dir"`
	// EventsFile receives progress events as JSON lines. Empty disables it.
	EventsFile string `mapstructure:"events_file"`

	Skip                 SkipConfig `mapstructure:"skip"`
	ContinueOnFailure    bool       `mapstructure:"continue_on_failure"`
	HaltOnQualityFailure bool       `mapstructure:"halt_on_quality_failure"`
	MaxConcurrentChecks  int        `mapstructure:"max_concurrent_checks"`
	MaxConcurrentBuilds  int        `mapstructure:"max_concurrent_builds"`
}

// SkipConfig disables individual phases.
type SkipConfig struct {
	Setup      bool `mapstructure:"setup"`
	Validation bool `mapstructure:"validation"`
	Build      bool `mapstructure:"build"`
	Deploy     bool `mapstructure:"deploy"`
	Cleanup    bool `mapstructure:"cleanup"`
	Report     bool `mapstructure:"report"`
}

// Phases returns the skip flags keyed by phase.
func (s SkipConfig) Phases() map[domain.PhaseName]bool {
	out := map[domain.PhaseName]bool{}
	for name, skip := range map[domain.PhaseName]bool{
		domain.PhaseSetup:      s.Setup,
		domain.PhaseValidation: s.Validation,
		domain.PhaseBuild:      s.Build,
		domain.PhaseDeploy:     s.Deploy,
		domain.PhaseCleanup:    s.Cleanup,
		domain.PhaseReport:     s.Report,
	} {
		if skip {
			out[name] = true
		}
	}
	return out
}

// TimeoutConfig holds default per-command timeouts. Manifest entries with
// their own timeout win.
type TimeoutConfig struct {
	AuthCheck     time.Duration `mapstructure:"auth_check"`
	Reauth        time.Duration `mapstructure:"reauth"`
	Check         time.Duration `mapstructure:"check"`
	Build         time.Duration `mapstructure:"build"`
	Deploy        time.Duration `mapstructure:"deploy"`
	ChannelList   time.Duration `mapstructure:"channel_list"`
	ChannelDelete time.Duration `mapstructure:"channel_delete"`
}

// HostingConfig configures the hosting provider.
type HostingConfig struct {
	Binary     string `mapstructure:"binary"`
	Project    string `mapstructure:"project"`
	ProjectDir string `mapstructure:"project_dir"`
	Expires    string `mapstructure:"expires"`
	// Sites adds sites to reclaim beyond the manifest targets.
	Sites         []string `mapstructure:"sites"`
	ManualCommand string   `mapstructure:"manual_command"`
}

// CleanupConfig holds channel retention settings.
type CleanupConfig struct {
	Keep                 int     `mapstructure:"keep"`
	Threshold            int     `mapstructure:"threshold"`
	AggressiveKeep       int     `mapstructure:"aggressive_keep"`
	DeletesPerSecond     float64 `mapstructure:"deletes_per_second"`
	MaxConcurrentSites   int     `mapstructure:"max_concurrent_sites"`
	MaxConcurrentDeletes int     `mapstructure:"max_concurrent_deletes"`
	// Interval schedules routine cleanup while serve runs. Zero disables it.
	Interval time.Duration `mapstructure:"interval"`
}

// VCSConfig holds repository and GitHub settings.
type VCSConfig struct {
	Path        string `mapstructure:"path"`
	GitHubOwner string `mapstructure:"github_owner"`
	GitHubRepo  string `mapstructure:"github_repo"`
	GitHubToken string `mapstructure:"github_token"`
}

// StoreConfig holds run history settings.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Token, when set, is required as a bearer token on /api/v1 and /report/.
	Token string `mapstructure:"token"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// =============================================================================
// Validation
// =============================================================================

var ErrInvalidConfig = errors.New("invalid configuration")

// Validate rejects settings no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Cleanup.Keep < 1 {
		errs = append(errs, fmt.Errorf("cleanup.keep must be at least 1, got %d", c.Cleanup.Keep))
	}
	if c.Cleanup.Threshold < 0 {
		errs = append(errs, fmt.Errorf("cleanup.threshold must not be negative, got %d", c.Cleanup.Threshold))
	}
	if c.Cleanup.AggressiveKeep < 1 || c.Cleanup.AggressiveKeep > channel.AggressiveKeepCount {
		errs = append(errs, fmt.Errorf("cleanup.aggressive_keep must be between 1 and %d, got %d",
			channel.AggressiveKeepCount, c.Cleanup.AggressiveKeep))
	}
	if c.Cleanup.DeletesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("cleanup.deletes_per_second must not be negative"))
	}
	if c.Cleanup.Interval < 0 {
		errs = append(errs, fmt.Errorf("cleanup.interval must not be negative"))
	}
	if c.Pipeline.RunDir == "" {
		errs = append(errs, fmt.Errorf("pipeline.run_dir is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// =============================================================================
// Config Loading
// =============================================================================

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"log-level":               "log.level",
	"log-format":              "log.format",
	"manifest":                "pipeline.manifest",
	"run-dir":                 "pipeline.run_dir",
	"events-file":             "pipeline.events_file",
	"skip-setup":              "pipeline.skip.setup",
	"skip-validation":         "pipeline.skip.validation",
	"skip-build":              "pipeline.skip.build",
	"skip-deploy":             "pipeline.skip.deploy",
	"skip-cleanup":            "pipeline.skip.cleanup",
	"skip-report":             "pipeline.skip.report",
	"continue-on-failure":     "pipeline.continue_on_failure",
	"halt-on-quality-failure": "pipeline.halt_on_quality_failure",
	"timeout-check":           "timeouts.check",
	"timeout-build":           "timeouts.build",
	"timeout-deploy":          "timeouts.deploy",
	"keep":                    "cleanup.keep",
	"threshold":               "cleanup.threshold",
	"cleanup-interval":        "cleanup.interval",
	"dsn":                     "store.dsn",
	"host":                    "server.host",
	"port":                    "server.port",
}

// LoadConfig loads configuration from defaults, file, environment and the
// flags that were set, in increasing precedence. flags may be nil.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("pipeline.manifest", "previewctl.yaml")
	v.SetDefault("pipeline.root", ".")
	v.SetDefault("pipeline.run_dir", ".previewctl/run")
	v.SetDefault("pipeline.history_dir", ".previewctl/history")
	v.SetDefault("pipeline.events_file", "")
	v.SetDefault("pipeline.skip.setup", false)
	v.SetDefault("pipeline.skip.validation", false)
	v.SetDefault("pipeline.skip.build", false)
	v.SetDefault("pipeline.skip.deploy", false)
	v.SetDefault("pipeline.skip.cleanup", false)
	v.SetDefault("pipeline.skip.report", false)
	v.SetDefault("pipeline.continue_on_failure", false)
	v.SetDefault("pipeline.halt_on_quality_failure", false)
	v.SetDefault("pipeline.max_concurrent_checks", 4)
	v.SetDefault("pipeline.max_concurrent_builds", 0) // one per package

	v.SetDefault("timeouts.auth_check", "30s")
	v.SetDefault("timeouts.reauth", "2m")
	v.SetDefault("timeouts.check", "5m")
	v.SetDefault("timeouts.build", "5m")
	v.SetDefault("timeouts.deploy", "5m")
	v.SetDefault("timeouts.channel_list", "30s")
	v.SetDefault("timeouts.channel_delete", "30s")

	v.SetDefault("hosting.binary", "firebase")
	v.SetDefault("hosting.project", "")
	v.SetDefault("hosting.project_dir", "")
	v.SetDefault("hosting.expires", "7d")
	v.SetDefault("hosting.sites", []string{})
	v.SetDefault("hosting.manual_command", "")

	v.SetDefault("cleanup.keep", 10)
	v.SetDefault("cleanup.threshold", 40)
	v.SetDefault("cleanup.aggressive_keep", channel.AggressiveKeepCount)
	v.SetDefault("cleanup.deletes_per_second", 5)
	v.SetDefault("cleanup.max_concurrent_sites", 4)
	v.SetDefault("cleanup.max_concurrent_deletes", 5)
	v.SetDefault("cleanup.interval", "0s")

	v.SetDefault("vcs.path", ".")
	v.SetDefault("vcs.github_owner", "")
	v.SetDefault("vcs.github_repo", "")
	v.SetDefault("vcs.github_token", "")

	v.SetDefault("store.dsn", ".previewctl/history.db")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.token", "")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("PREVIEWCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// GITHUB_TOKEN is what CI runners export.
	if err := v.BindEnv("vcs.github_token", "PREVIEWCTL_VCS_GITHUB_TOKEN", "GITHUB_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind github token env: %w", err)
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
// Logs go to w so stdout stays free for the run summary.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
