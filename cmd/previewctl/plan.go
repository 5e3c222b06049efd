package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/artpar/previewctl/internal/core/manifest"
	corequality "github.com/artpar/previewctl/internal/core/quality"
	"github.com/artpar/previewctl/internal/shell/auth"
	"github.com/artpar/previewctl/internal/shell/build"
	"github.com/artpar/previewctl/internal/shell/command"
	"github.com/artpar/previewctl/internal/shell/deploy"
	"github.com/artpar/previewctl/internal/shell/pipeline"
	"github.com/artpar/previewctl/internal/shell/quality"
)

// =============================================================================
// Manifest Loading
// =============================================================================

// loadManifest reads and parses the pipeline manifest.
func loadManifest(path string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// =============================================================================
// Plan Conversion
// =============================================================================

// buildPlan turns a manifest into the component inputs of one run.
func buildPlan(m *manifest.Manifest, cfg *Config) (pipeline.Plan, error) {
	root := cfg.Pipeline.Root

	plan := pipeline.Plan{
		Sites:               reclaimSites(m, cfg),
		MaxConcurrentChecks: cfg.Pipeline.MaxConcurrentChecks,
	}

	for _, a := range m.Auth {
		plan.Requirements = append(plan.Requirements, auth.Requirement{
			Name:        a.Name,
			Binary:      a.Binary,
			CheckArgs:   a.CheckArgs,
			ReauthArgs:  a.ReauthArgs,
			Remediation: a.Remediation,
		})
	}

	for _, c := range m.Checks {
		validator, err := corequality.ByName(c.Validator)
		if err != nil {
			return pipeline.Plan{}, fmt.Errorf("check %s: %w", c.Name, err)
		}
		check := quality.Check{
			Name:         c.Name,
			Command:      c.Command.Name,
			Args:         c.Command.Args,
			Dir:          resolve(root, c.Dir),
			Timeout:      orDefault(c.Timeout, cfg.Timeouts.Check),
			Validator:    validator,
			ParallelSafe: c.Parallel,
			Required:     c.Required,
		}
		if !c.OnFailure.IsZero() {
			check.OnFailure = &command.Spec{
				Label:   "fix-" + c.Name,
				Name:    c.OnFailure.Name,
				Args:    c.OnFailure.Args,
				Dir:     check.Dir,
				Timeout: check.Timeout,
			}
		}
		plan.Checks = append(plan.Checks, check)
	}

	for _, p := range m.Packages {
		plan.Packages = append(plan.Packages, build.Package{
			Name:          p.Name,
			Dir:           p.Dir,
			Command:       p.Command.Name,
			Args:          p.Command.Args,
			OutputDir:     p.OutputDir,
			ExpectedFiles: p.Expect,
			MinFiles:      p.MinFiles,
			Timeout:       orDefault(p.Timeout, cfg.Timeouts.Build),
		})
	}

	for _, t := range m.Targets {
		plan.Targets = append(plan.Targets, deploy.Target{
			Site:         t.Site,
			Role:         t.Role,
			ArtifactPath: resolve(root, m.ArtifactPath(t)),
		})
	}

	return plan, nil
}

// reclaimSites is every manifest site plus the extra configured ones.
func reclaimSites(m *manifest.Manifest, cfg *Config) []string {
	seen := map[string]bool{}
	var sites []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			sites = append(sites, s)
		}
	}
	if m != nil {
		for _, s := range m.Sites() {
			add(s)
		}
	}
	for _, s := range cfg.Hosting.Sites {
		add(s)
	}
	return sites
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) || root == "" || root == "." {
		return p
	}
	return filepath.Join(root, p)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
