package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/core/urls"
)

// =============================================================================
// URL Fallback
// =============================================================================

// fallback fills result.URLs from history sources when the deploy output
// carried none. The first source that yields URLs wins.
func (m *Manager) fallback(ctx context.Context, rc *domain.RunContext, result *domain.DeploymentResult) {
	for _, src := range m.sources {
		found, err := src.RecentURLs(ctx)
		if err != nil {
			m.logger.Debug("url fallback source failed", "source", src.Name(), "error", err)
			continue
		}
		if len(found) == 0 {
			continue
		}

		now := rc.Now()
		result.URLs = found
		result.IsFallback = true
		result.FallbackAt = &now
		rc.RecordWarning(
			fmt.Sprintf("deploy output contained no preview URLs; using last known URLs from %s", src.Name()),
			domain.PhaseDeploy, "", domain.SeverityWarning)
		m.logger.Warn("using fallback preview URLs", "source", src.Name(), "count", len(found))
		return
	}

	rc.RecordWarning("deploy output contained no preview URLs and no history was available",
		domain.PhaseDeploy, "", domain.SeverityWarning)
}

// saveHistory keeps the deploy output for future fallbacks. Failures are
// logged and otherwise ignored.
func (m *Manager) saveHistory(output string, now time.Time) {
	if m.config.HistoryDir == "" {
		return
	}
	if err := os.MkdirAll(m.config.HistoryDir, 0o755); err != nil {
		m.logger.Debug("failed to create history dir", "error", err)
		return
	}
	name := fmt.Sprintf("deploy-%s.log", now.UTC().Format("20060102-150405.000"))
	if err := os.WriteFile(filepath.Join(m.config.HistoryDir, name), []byte(output+"\n"), 0o644); err != nil {
		m.logger.Debug("failed to write deploy history", "error", err)
	}
}

// =============================================================================
// Log Directory Source
// =============================================================================

// LogDirSource scans recent *.log files, newest first, for preview URLs.
type LogDirSource struct {
	Dir       string
	Extractor urls.Extractor
	// Limit caps how many files are read. Default: 20.
	Limit int
}

// Name identifies the source in warnings.
func (s LogDirSource) Name() string { return "deploy logs" }

// RecentURLs returns the URLs of the newest log file that contains any.
func (s LogDirSource) RecentURLs(ctx context.Context) (map[string]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log dir: %w", err)
	}

	type logFile struct {
		path    string
		modTime time.Time
	}
	var files []logFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(s.Dir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path > files[j].path
		}
		return files[i].modTime.After(files[j].modTime)
	})

	limit := s.Limit
	if limit <= 0 {
		limit = 20
	}
	for i, f := range files {
		if i >= limit || ctx.Err() != nil {
			break
		}
		data, err := os.ReadFile(f.path)
		if err != nil {
			continue
		}
		if found := s.Extractor.Extract(string(data)); len(found) > 0 {
			return found, nil
		}
	}
	return nil, nil
}

// SourceFunc adapts a function to URLSource.
type SourceFunc struct {
	Label string
	Fn    func(ctx context.Context) (map[string]string, error)
}

// Name identifies the source in warnings.
func (s SourceFunc) Name() string { return s.Label }

// RecentURLs calls Fn.
func (s SourceFunc) RecentURLs(ctx context.Context) (map[string]string, error) { return s.Fn(ctx) }
