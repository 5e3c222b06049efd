// Package metrics renders a finished run as Prometheus text-format metrics.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/artpar/previewctl/internal/core/domain"
)

const namespace = "previewctl"

// Collector holds one run's gauges in a private registry.
type Collector struct {
	registry *prometheus.Registry

	runDuration   prometheus.Gauge
	runSuccess    prometheus.Gauge
	phaseDuration *prometheus.GaugeVec
	steps         *prometheus.GaugeVec
	warnings      *prometheus.GaugeVec

	checkDuration *prometheus.GaugeVec
	checkSuccess  *prometheus.GaugeVec

	packageDuration *prometheus.GaugeVec
	packageSize     *prometheus.GaugeVec
	packageFiles    *prometheus.GaugeVec
	buildSuccess    prometheus.Gauge

	deployAttempts prometheus.Gauge
	deployQuota    prometheus.Gauge
	deployFallback prometheus.Gauge

	channelsListed    *prometheus.GaugeVec
	channelsDeleted   *prometheus.GaugeVec
	channelsFailed    *prometheus.GaugeVec
	channelsRemaining *prometheus.GaugeVec
}

// NewCollector registers the run gauges on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	}
	vec := func(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
	}

	return &Collector{
		registry: reg,

		runDuration:   gauge("run", "duration_seconds", "Wall time of the run in seconds"),
		runSuccess:    gauge("run", "success", "1 when the run succeeded, 0 otherwise"),
		phaseDuration: vec("phase", "duration_seconds", "Duration of each phase in seconds", "phase", "status"),
		steps:         vec("phase", "steps", "Recorded steps per phase by result", "phase", "result"),
		warnings:      vec("run", "warnings", "Warnings per phase by severity", "phase", "severity"),

		checkDuration: vec("check", "duration_seconds", "Duration of each quality check in seconds", "check"),
		checkSuccess:  vec("check", "success", "1 when the quality check passed", "check"),

		packageDuration: vec("build", "package_duration_seconds", "Build time per package in seconds", "package"),
		packageSize:     vec("build", "package_size_bytes", "Total output size per package", "package"),
		packageFiles:    vec("build", "package_files", "Output file count per package", "package"),
		buildSuccess:    gauge("build", "success_rate", "Fraction of packages that built successfully"),

		deployAttempts: gauge("deploy", "attempts", "Deploy attempts across all targets"),
		deployQuota:    gauge("deploy", "quota_exceeded", "1 when the provider reported a channel quota error"),
		deployFallback: gauge("deploy", "urls_fallback", "1 when preview URLs came from history"),

		channelsListed:    vec("cleanup", "channels_listed", "Channels listed per site", "site"),
		channelsDeleted:   vec("cleanup", "channels_deleted", "Channels deleted per site", "site"),
		channelsFailed:    vec("cleanup", "channels_failed", "Channel deletions that failed per site", "site"),
		channelsRemaining: vec("cleanup", "channels_remaining", "Channels left per site after cleanup", "site"),
	}
}

// Registry exposes the underlying registry, e.g. for an HTTP handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Observe copies the run's ledger into the gauges.
func (c *Collector) Observe(rc *domain.RunContext) {
	if rc == nil {
		return
	}

	c.runDuration.Set(rc.Duration().Seconds())
	if rc.Status == domain.RunSucceeded {
		c.runSuccess.Set(1)
	} else {
		c.runSuccess.Set(0)
	}

	for _, p := range rc.Phases {
		c.phaseDuration.WithLabelValues(string(p.Name), string(p.Status)).Set(msToSeconds(p.DurationMs))
	}
	for phase, counts := range rc.StepCounts() {
		c.steps.WithLabelValues(string(phase), "passed").Set(float64(counts.Passed))
		c.steps.WithLabelValues(string(phase), "failed").Set(float64(counts.Failed))
	}
	for phase, bySeverity := range rc.WarningCounts() {
		for sev, n := range bySeverity {
			c.warnings.WithLabelValues(string(phase), string(sev)).Set(float64(n))
		}
	}

	for _, check := range rc.Checks {
		c.checkDuration.WithLabelValues(check.Name).Set(msToSeconds(check.DurationMs))
		c.checkSuccess.WithLabelValues(check.Name).Set(boolGauge(check.Success))
	}

	for name, pkg := range rc.Packages {
		c.packageDuration.WithLabelValues(name).Set(msToSeconds(pkg.DurationMs))
		c.packageSize.WithLabelValues(name).Set(float64(pkg.TotalSizeBytes))
		c.packageFiles.WithLabelValues(name).Set(float64(pkg.FileCount))
	}
	if rc.BuildSummary != nil {
		c.buildSuccess.Set(rc.BuildSummary.SuccessRate)
	}

	if d := rc.Deployment; d != nil {
		c.deployAttempts.Set(float64(d.Attempts))
		c.deployQuota.Set(boolGauge(d.QuotaExceeded))
	}
	c.deployFallback.Set(boolGauge(rc.URLsFallback))

	if rc.Cleanup != nil {
		for site, s := range rc.Cleanup.Sites {
			c.channelsListed.WithLabelValues(site).Set(float64(s.Listed))
			c.channelsDeleted.WithLabelValues(site).Set(float64(s.Deleted))
			c.channelsFailed.WithLabelValues(site).Set(float64(s.Failed))
			c.channelsRemaining.WithLabelValues(site).Set(float64(s.Remaining))
		}
	}
}

// WriteFile writes the text exposition format to path.
func (c *Collector) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

func msToSeconds(ms int64) float64 {
	return float64(ms) / 1000
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
