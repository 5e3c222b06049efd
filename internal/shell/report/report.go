// Package report writes the run directory consumed by humans and CI:
// dashboard.html, run.json, checks/<name>.json and metrics.prom.
package report

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/artpar/previewctl/internal/core/build"
	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/shell/metrics"
)

//go:embed templates/*.html
var templatesFS embed.FS

const (
	DashboardFile = "dashboard.html"
	SnapshotFile  = "run.json"
	MetricsFile   = "metrics.prom"
	ChecksDir     = "checks"
)

// Artifact lists the files a Generate call produced.
type Artifact struct {
	Dir       string   `json:"dir"`
	Dashboard string   `json:"dashboard"`
	Snapshot  string   `json:"snapshot,omitempty"`
	Metrics   string   `json:"metrics,omitempty"`
	Checks    []string `json:"checks,omitempty"`
	Fallback  bool     `json:"fallback"`
}

// Generator renders reports into a fixed directory.
type Generator struct {
	dir    string
	tmpl   *template.Template
	logger *slog.Logger
}

// NewGenerator parses the embedded templates.
func NewGenerator(dir string, logger *slog.Logger) (*Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"ms":   formatMs,
		"size": build.HumanSize,
	}).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse report templates: %w", err)
	}
	return &Generator{dir: dir, tmpl: tmpl, logger: logger.With("component", "report")}, nil
}

// Generate writes every report file. When any part fails, or panics, it
// writes a minimal fallback dashboard instead and returns the cause.
func (g *Generator) Generate(ctx context.Context, rc *domain.RunContext) (art Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.WrapUnexpected("GenerateReport", domain.PhaseReport, fmt.Errorf("panic: %v", r))
			art = g.fallback(rc, err)
		}
	}()

	art, err = g.generate(ctx, rc)
	if err != nil {
		g.logger.Warn("report generation failed, writing fallback", "error", err)
		return g.fallback(rc, err), err
	}
	return art, nil
}

func (g *Generator) generate(ctx context.Context, rc *domain.RunContext) (Artifact, error) {
	if rc == nil {
		return Artifact{}, fmt.Errorf("no run to report")
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create report dir: %w", err)
	}
	art := Artifact{Dir: g.dir}

	snapshot, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return art, fmt.Errorf("encode run snapshot: %w", err)
	}
	art.Snapshot = filepath.Join(g.dir, SnapshotFile)
	if err := os.WriteFile(art.Snapshot, snapshot, 0o644); err != nil {
		return art, fmt.Errorf("write run snapshot: %w", err)
	}

	if len(rc.Checks) > 0 {
		checksDir := filepath.Join(g.dir, ChecksDir)
		if err := os.MkdirAll(checksDir, 0o755); err != nil {
			return art, fmt.Errorf("create checks dir: %w", err)
		}
		for _, check := range rc.Checks {
			data, err := json.MarshalIndent(check, "", "  ")
			if err != nil {
				return art, fmt.Errorf("encode check %s: %w", check.Name, err)
			}
			path := filepath.Join(checksDir, fileName(check.Name)+".json")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return art, fmt.Errorf("write check %s: %w", check.Name, err)
			}
			art.Checks = append(art.Checks, path)
		}
	}

	if err := ctx.Err(); err != nil {
		return art, err
	}

	collector := metrics.NewCollector()
	collector.Observe(rc)
	art.Metrics = filepath.Join(g.dir, MetricsFile)
	if err := collector.WriteFile(art.Metrics); err != nil {
		return art, err
	}

	var buf bytes.Buffer
	if err := g.tmpl.ExecuteTemplate(&buf, DashboardFile, newView(rc)); err != nil {
		return art, fmt.Errorf("render dashboard: %w", err)
	}
	art.Dashboard = filepath.Join(g.dir, DashboardFile)
	if err := os.WriteFile(art.Dashboard, buf.Bytes(), 0o644); err != nil {
		return art, fmt.Errorf("write dashboard: %w", err)
	}

	g.logger.Info("report written", "dir", g.dir, "checks", len(art.Checks))
	return art, nil
}

// fallback writes the smallest useful page. It never fails the caller.
func (g *Generator) fallback(rc *domain.RunContext, cause error) Artifact {
	art := Artifact{Dir: g.dir, Dashboard: filepath.Join(g.dir, DashboardFile), Fallback: true}

	data := fallbackView{Error: cause.Error(), Status: "unknown"}
	if rc != nil {
		data.RunID = rc.ID
		data.Status = string(rc.Status)
		data.URLs = sortedURLs(rc.PreviewURLs)
	}

	var buf bytes.Buffer
	if err := g.tmpl.ExecuteTemplate(&buf, "fallback.html", data); err != nil {
		buf.Reset()
		fmt.Fprintf(&buf, "<!DOCTYPE html><html><body><h1>Report generation failed</h1><pre>%s</pre></body></html>",
			html.EscapeString(cause.Error()))
	}

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		g.logger.Error("cannot create report dir for fallback", "error", err)
		return art
	}
	if err := os.WriteFile(art.Dashboard, buf.Bytes(), 0o644); err != nil {
		g.logger.Error("cannot write fallback report", "error", err)
	}
	return art
}

// =============================================================================
// View Models
// =============================================================================

type urlView struct {
	Role string
	URL  string
}

type view struct {
	ShortID      string
	Status       domain.RunStatus
	Branch       string
	PullRequest  int
	ChannelID    string
	StartedAt    string
	Duration     string
	Error        string
	Remediation  string
	URLs         []urlView
	URLsFallback bool
	Phases       []*domain.Phase
	Checks       []domain.CheckResult
	Packages     []domain.PackageBuildResult
	BuildSummary *domain.BuildSummary
	CleanupMode  domain.ReclaimMode
	Sites        []domain.SiteCleanup
	Warnings     []domain.Warning
}

type fallbackView struct {
	RunID  string
	Status string
	Error  string
	URLs   []urlView
}

func newView(rc *domain.RunContext) view {
	v := view{
		ShortID:      shortID(rc.ID),
		Status:       rc.Status,
		Branch:       rc.Options.Branch,
		PullRequest:  rc.Options.PullRequest,
		StartedAt:    rc.StartedAt.Format(time.RFC3339),
		Duration:     rc.Duration().Round(time.Millisecond).String(),
		Error:        rc.Error,
		Remediation:  rc.Remediation,
		URLs:         sortedURLs(rc.PreviewURLs),
		URLsFallback: rc.URLsFallback,
		Phases:       rc.Phases,
		Checks:       rc.Checks,
		BuildSummary: rc.BuildSummary,
		Warnings:     rc.Warnings,
	}
	if rc.Deployment != nil {
		v.ChannelID = rc.Deployment.ChannelID
	}

	for _, pkg := range rc.Packages {
		v.Packages = append(v.Packages, pkg)
	}
	sort.Slice(v.Packages, func(i, j int) bool { return v.Packages[i].Package < v.Packages[j].Package })

	if rc.Cleanup != nil {
		v.CleanupMode = rc.Cleanup.Mode
		for _, s := range rc.Cleanup.Sites {
			v.Sites = append(v.Sites, s)
		}
		sort.Slice(v.Sites, func(i, j int) bool { return v.Sites[i].Site < v.Sites[j].Site })
	}
	return v
}

func sortedURLs(m map[string]string) []urlView {
	out := make([]urlView, 0, len(m))
	for role, u := range m {
		out = append(out, urlView{Role: role, URL: u})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatMs(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// fileName maps a check name to a safe file stem.
func fileName(name string) string {
	s := unsafeFileChars.ReplaceAllString(name, "-")
	if s == "" || s == "." || s == ".." {
		return "check"
	}
	return s
}
