package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/previewctl/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Rows
// =============================================================================

type runRow struct {
	ID           string  `db:"id"`
	Status       string  `db:"status"`
	Branch       string  `db:"branch"`
	PullRequest  int     `db:"pull_request"`
	ChannelID    string  `db:"channel_id"`
	StartedAt    string  `db:"started_at"`
	FinishedAt   *string `db:"finished_at"`
	DurationMs   int64   `db:"duration_ms"`
	ErrorMessage string  `db:"error_message"`
	Remediation  string  `db:"remediation"`
	WarningCount int     `db:"warning_count"`
	Snapshot     string  `db:"snapshot"`
}

type previewURLRow struct {
	RunID      string `db:"run_id"`
	Role       string `db:"role"`
	URL        string `db:"url"`
	IsFallback bool   `db:"is_fallback"`
	CreatedAt  string `db:"created_at"`
}

type channelCleanupRow struct {
	RunID        string `db:"run_id"`
	Site         string `db:"site"`
	Mode         string `db:"mode"`
	Listed       int    `db:"listed"`
	Deleted      int    `db:"deleted"`
	Failed       int    `db:"failed"`
	Remaining    int    `db:"remaining"`
	Skipped      bool   `db:"skipped"`
	ErrorMessage string `db:"error_message"`
}

// =============================================================================
// SQLiteStore Operations
// =============================================================================

// SaveRun writes the run, its URLs and its cleanup outcome atomically.
func (s *SQLiteStore) SaveRun(ctx context.Context, rc *domain.RunContext) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.SaveRun(ctx, rc)
	})
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]RunRecord, error) {
	return listRuns(ctx, s.db, opts)
}

func (s *SQLiteStore) ListPreviewURLs(ctx context.Context, opts ListOptions) ([]PreviewURL, error) {
	return listPreviewURLs(ctx, s.db, opts)
}

func (s *SQLiteStore) RecentPreviewURLs(ctx context.Context) (map[string]string, error) {
	return recentPreviewURLs(ctx, s.db)
}

func (s *SQLiteStore) ListChannelCleanups(ctx context.Context, runID string) ([]ChannelCleanup, error) {
	return listChannelCleanups(ctx, s.db, runID)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) SaveRun(ctx context.Context, rc *domain.RunContext) error {
	return saveRun(ctx, s.tx, rc)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	return getRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]RunRecord, error) {
	return listRuns(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListPreviewURLs(ctx context.Context, opts ListOptions) ([]PreviewURL, error) {
	return listPreviewURLs(ctx, s.tx, opts)
}

func (s *txSQLiteStore) RecentPreviewURLs(ctx context.Context) (map[string]string, error) {
	return recentPreviewURLs(ctx, s.tx)
}

func (s *txSQLiteStore) ListChannelCleanups(ctx context.Context, runID string) ([]ChannelCleanup, error) {
	return listChannelCleanups(ctx, s.tx, runID)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for transaction store
	return nil
}

// =============================================================================
// Shared Implementation
// =============================================================================

func saveRun(ctx context.Context, exec executor, rc *domain.RunContext) error {
	if rc == nil {
		return NewStoreError("SaveRun", "run", "", "run is nil", ErrInvalidData)
	}

	snapshot, err := json.Marshal(rc)
	if err != nil {
		return NewStoreError("SaveRun", "run", rc.ID, "failed to serialize run", ErrInvalidData)
	}

	var finishedAt *string
	if rc.FinishedAt != nil {
		f := rc.FinishedAt.UTC().Format(time.RFC3339)
		finishedAt = &f
	}
	channelID := ""
	if rc.Deployment != nil {
		channelID = rc.Deployment.ChannelID
	}

	query := `
		INSERT INTO runs (
			id, status, branch, pull_request, channel_id, started_at, finished_at,
			duration_ms, error_message, remediation, warning_count, snapshot
		) VALUES (
			:id, :status, :branch, :pull_request, :channel_id, :started_at, :finished_at,
			:duration_ms, :error_message, :remediation, :warning_count, :snapshot
		)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			channel_id = excluded.channel_id,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms,
			error_message = excluded.error_message,
			remediation = excluded.remediation,
			warning_count = excluded.warning_count,
			snapshot = excluded.snapshot`

	row := map[string]any{
		"id":            rc.ID,
		"status":        string(rc.Status),
		"branch":        rc.Options.Branch,
		"pull_request":  rc.Options.PullRequest,
		"channel_id":    channelID,
		"started_at":    rc.StartedAt.UTC().Format(time.RFC3339),
		"finished_at":   finishedAt,
		"duration_ms":   rc.Duration().Milliseconds(),
		"error_message": rc.Error,
		"remediation":   rc.Remediation,
		"warning_count": len(rc.Warnings),
		"snapshot":      string(snapshot),
	}
	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SaveRun", "run", rc.ID, err.Error(), err)
	}

	if _, err := exec.ExecContext(ctx, `DELETE FROM preview_urls WHERE run_id = ?`, rc.ID); err != nil {
		return NewStoreError("SaveRun", "preview_url", rc.ID, err.Error(), err)
	}
	createdAt := rc.Now().Format(time.RFC3339)
	for role, u := range rc.PreviewURLs {
		_, err := exec.NamedExecContext(ctx, `
			INSERT INTO preview_urls (run_id, role, url, is_fallback, created_at)
			VALUES (:run_id, :role, :url, :is_fallback, :created_at)`,
			previewURLRow{RunID: rc.ID, Role: role, URL: u, IsFallback: rc.URLsFallback, CreatedAt: createdAt})
		if err != nil {
			return NewStoreError("SaveRun", "preview_url", rc.ID, err.Error(), err)
		}
	}

	if _, err := exec.ExecContext(ctx, `DELETE FROM channel_cleanups WHERE run_id = ?`, rc.ID); err != nil {
		return NewStoreError("SaveRun", "channel_cleanup", rc.ID, err.Error(), err)
	}
	if rc.Cleanup != nil {
		for site, sc := range rc.Cleanup.Sites {
			_, err := exec.NamedExecContext(ctx, `
				INSERT INTO channel_cleanups (
					run_id, site, mode, listed, deleted, failed, remaining, skipped, error_message
				) VALUES (
					:run_id, :site, :mode, :listed, :deleted, :failed, :remaining, :skipped, :error_message
				)`,
				channelCleanupRow{
					RunID:        rc.ID,
					Site:         site,
					Mode:         string(rc.Cleanup.Mode),
					Listed:       sc.Listed,
					Deleted:      sc.Deleted,
					Failed:       sc.Failed,
					Remaining:    sc.Remaining,
					Skipped:      sc.Skipped,
					ErrorMessage: sc.Error,
				})
			if err != nil {
				return NewStoreError("SaveRun", "channel_cleanup", rc.ID, err.Error(), err)
			}
		}
	}

	return nil
}

func getRun(ctx context.Context, exec executor, id string) (*RunRecord, error) {
	var row runRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	rec := rowToRun(&row, true)
	return &rec, nil
}

func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]RunRecord, error) {
	opts = opts.Normalize()

	var rows []runRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]RunRecord, 0, len(rows))
	for i := range rows {
		runs = append(runs, rowToRun(&rows[i], false))
	}
	return runs, nil
}

func listPreviewURLs(ctx context.Context, exec executor, opts ListOptions) ([]PreviewURL, error) {
	opts = opts.Normalize()

	var rows []previewURLRow
	err := exec.SelectContext(ctx, &rows, `
		SELECT p.run_id, p.role, p.url, p.is_fallback, p.created_at
		FROM preview_urls p JOIN runs r ON r.id = p.run_id
		ORDER BY r.started_at DESC, r.rowid DESC, p.role ASC
		LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListPreviewURLs", "preview_url", "", err.Error(), err)
	}

	urls := make([]PreviewURL, 0, len(rows))
	for _, r := range rows {
		urls = append(urls, rowToPreviewURL(r))
	}
	return urls, nil
}

func recentPreviewURLs(ctx context.Context, exec executor) (map[string]string, error) {
	var runID string
	err := exec.GetContext(ctx, &runID, `
		SELECT r.id FROM runs r
		WHERE EXISTS (SELECT 1 FROM preview_urls p WHERE p.run_id = r.id AND p.is_fallback = 0)
		ORDER BY r.started_at DESC, r.rowid DESC
		LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]string{}, nil
		}
		return nil, NewStoreError("RecentPreviewURLs", "preview_url", "", err.Error(), err)
	}

	var rows []previewURLRow
	err = exec.SelectContext(ctx, &rows,
		`SELECT run_id, role, url, is_fallback, created_at FROM preview_urls WHERE run_id = ? AND is_fallback = 0`, runID)
	if err != nil {
		return nil, NewStoreError("RecentPreviewURLs", "preview_url", runID, err.Error(), err)
	}

	urls := make(map[string]string, len(rows))
	for _, r := range rows {
		urls[r.Role] = r.URL
	}
	return urls, nil
}

func listChannelCleanups(ctx context.Context, exec executor, runID string) ([]ChannelCleanup, error) {
	var rows []channelCleanupRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM channel_cleanups WHERE run_id = ? ORDER BY site ASC`, runID)
	if err != nil {
		return nil, NewStoreError("ListChannelCleanups", "channel_cleanup", runID, err.Error(), err)
	}

	out := make([]ChannelCleanup, 0, len(rows))
	for _, r := range rows {
		out = append(out, ChannelCleanup{
			RunID:     r.RunID,
			Site:      r.Site,
			Mode:      domain.ReclaimMode(r.Mode),
			Listed:    r.Listed,
			Deleted:   r.Deleted,
			Failed:    r.Failed,
			Remaining: r.Remaining,
			Skipped:   r.Skipped,
			Error:     r.ErrorMessage,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

// rowToRun converts a database row to a RunRecord. The snapshot is only
// carried when asked for; list views stay small.
func rowToRun(row *runRow, withSnapshot bool) RunRecord {
	startedAt, _ := time.Parse(time.RFC3339, row.StartedAt)

	var finishedAt *time.Time
	if row.FinishedAt != nil && *row.FinishedAt != "" {
		if t, err := time.Parse(time.RFC3339, *row.FinishedAt); err == nil {
			finishedAt = &t
		}
	}

	rec := RunRecord{
		ID:           row.ID,
		Status:       domain.RunStatus(row.Status),
		Branch:       row.Branch,
		PullRequest:  row.PullRequest,
		ChannelID:    row.ChannelID,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
		DurationMs:   row.DurationMs,
		Error:        row.ErrorMessage,
		Remediation:  row.Remediation,
		WarningCount: row.WarningCount,
	}
	if withSnapshot {
		rec.Snapshot = json.RawMessage(row.Snapshot)
	}
	return rec
}

func rowToPreviewURL(row previewURLRow) PreviewURL {
	createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)
	return PreviewURL{
		RunID:      row.RunID,
		Role:       row.Role,
		URL:        row.URL,
		IsFallback: row.IsFallback,
		CreatedAt:  createdAt,
	}
}
