package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/shell/report"
	"github.com/artpar/previewctl/internal/shell/store"
)

// printRunSummary writes the human summary of a finished run. A failed run
// ends with exactly one "Next step:" line.
func printRunSummary(w io.Writer, rc *domain.RunContext, runDir string) {
	fmt.Fprintf(w, "Run %s %s in %s\n", rc.ID, rc.Status, rc.Duration().Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, p := range rc.Phases {
		line := fmt.Sprintf("  %s\t%s\t%s", p.Name, p.Status, formatDuration(p.DurationMs))
		if p.Error != "" {
			line += "\t" + firstLine(p.Error)
		}
		fmt.Fprintln(tw, line)
	}
	tw.Flush()

	if len(rc.PreviewURLs) > 0 {
		label := "Preview URLs"
		if rc.URLsFallback {
			label += " (from history, may be stale)"
		}
		fmt.Fprintf(w, "%s:\n", label)
		for _, role := range rc.URLRoles() {
			fmt.Fprintf(w, "  %s: %s\n", role, rc.PreviewURLs[role])
		}
	}

	if len(rc.Warnings) > 0 {
		fmt.Fprintf(w, "Warnings: %d\n", len(rc.Warnings))
	}
	if rc.Cleanup != nil {
		fmt.Fprintf(w, "Cleanup: %d deleted, %d failed\n", rc.Cleanup.Deleted, rc.Cleanup.Failed)
	}
	if runDir != "" && rc.Phase(domain.PhaseReport).Status != domain.PhaseSkipped {
		fmt.Fprintf(w, "Report: %s\n", filepath.Join(runDir, report.DashboardFile))
	}

	if rc.Status == domain.RunFailed {
		fmt.Fprintf(w, "Error: %s\n", rc.Error)
		fmt.Fprintf(w, "Next step: %s\n", rc.Remediation)
	}
}

// printCleanupSummary writes one row per site.
func printCleanupSummary(w io.Writer, s domain.CleanupSummary) {
	fmt.Fprintf(w, "Cleanup (%s, keep %d): %d deleted, %d failed\n", s.Mode, s.KeepCount, s.Deleted, s.Failed)

	sites := make([]string, 0, len(s.Sites))
	for site := range s.Sites {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SITE\tLISTED\tKEPT\tDELETED\tFAILED\tREMAINING\tNOTE")
	for _, name := range sites {
		site := s.Sites[name]
		note := site.SkipReason
		if site.Error != "" {
			note = site.Error
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			site.Site, site.Listed, site.Kept, site.Deleted, site.Failed, site.Remaining, firstLine(note))
	}
	tw.Flush()
}

// printHistory writes recent runs as a table or as JSON.
func printHistory(w io.Writer, runs []store.RunRecord, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if runs == nil {
			runs = []store.RunRecord{}
		}
		return enc.Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tBRANCH\tPR\tSTARTED\tDURATION\tWARNINGS\tERROR")
	for _, r := range runs {
		pr := "-"
		if r.PullRequest > 0 {
			pr = fmt.Sprintf("#%d", r.PullRequest)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			shortID(r.ID), r.Status, r.Branch, pr,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			formatDuration(r.DurationMs), r.WarningCount, firstLine(r.Error))
	}
	return tw.Flush()
}

func formatDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(10 * time.Millisecond).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
