// Package api serves run history, preview URLs and the latest report over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/shell/api/middleware"
	"github.com/artpar/previewctl/internal/shell/api/openapi"
	"github.com/artpar/previewctl/internal/shell/metrics"
	"github.com/artpar/previewctl/internal/shell/store"
)

// =============================================================================
// Handler
// =============================================================================

// Config configures the API.
type Config struct {
	// ReportDir holds the latest dashboard. Empty leaves /report/ unmounted.
	ReportDir string
	// Token guards /api/v1 and /report/. Empty disables authentication.
	Token   string
	Version string
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	store  store.Store
	config Config
	auth   *middleware.AuthMiddleware
	docs   *openapi.Generator
	logger *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, cfg Config, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	l = l.With("component", "api")
	h := &Handler{
		store:  s,
		config: cfg,
		auth:   middleware.NewAuthMiddleware(middleware.AuthConfig{Token: cfg.Token, Logger: l}),
		logger: l,
	}
	h.docs = h.describe()
	return h
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(h.requestIDHeader)

	r.Group(func(r chi.Router) {
		r.Use(h.jsonContentType)

		r.Get("/health", h.handleHealth)
		r.Get("/ready", h.handleReady)

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(h.auth.Handler)
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", h.handleListRuns)
				r.Get("/{id}", h.handleGetRun)
			})
			r.Get("/preview-urls", h.handleListPreviewURLs)
		})
	})

	r.Get("/metrics", h.handleMetrics)
	r.Get("/openapi.json", h.docs.Handler())

	if h.config.ReportDir != "" {
		fs := http.StripPrefix("/report/", http.FileServer(http.Dir(h.config.ReportDir)))
		r.Get("/report", http.RedirectHandler("/report/", http.StatusMovedPermanently).ServeHTTP)
		r.With(h.auth.Handler).Get("/report/*", fs.ServeHTTP)
	}

	return r
}

// describe registers every route with the OpenAPI generator.
func (h *Handler) describe() *openapi.Generator {
	g := openapi.NewGenerator(openapi.WithVersion(h.config.Version))
	paging := []openapi.QueryParam{
		{Name: "limit", Type: "integer", Description: "page size, at most 100"},
		{Name: "offset", Type: "integer"},
	}
	secured := h.auth.Enabled()

	g.Register(openapi.Endpoint{Path: "/health", Summary: "Liveness", Tag: "Health", Response: HealthResponse{}})
	g.Register(openapi.Endpoint{Path: "/ready", Summary: "Readiness of the run history store", Tag: "Health", Response: ReadyResponse{}})
	g.Register(openapi.Endpoint{
		Path: "/api/v1/runs", Summary: "List runs, newest first", Tag: "Runs",
		Response: RunListResponse{}, Query: paging, Secured: secured,
	})
	g.Register(openapi.Endpoint{
		Path: "/api/v1/runs/{id}", Summary: "Get a run with its cleanups and snapshot", Tag: "Runs",
		Response: RunDetailResponse{}, Secured: secured,
	})
	g.Register(openapi.Endpoint{
		Path: "/api/v1/preview-urls", Summary: "List recorded preview URLs", Tag: "Preview URLs",
		Response: PreviewURLListResponse{}, Secured: secured,
		Query: append([]openapi.QueryParam{
			{Name: "latest", Type: "boolean", Description: "return only the newest deployed role map"},
		}, paging...),
	})
	g.Register(openapi.Endpoint{
		Path: "/metrics", Summary: "Gauges of the newest run", Tag: "Metrics",
		ContentType: "text/plain",
	})
	if h.config.ReportDir != "" {
		g.Register(openapi.Endpoint{
			Path: "/report/{file}", Summary: "Latest run report files", Tag: "Report",
			ContentType: "text/html", Secured: secured,
		})
	}
	return g
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := chimw.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	if _, err := h.store.ListRuns(r.Context(), store.ListOptions{Limit: 1}); err != nil {
		checks["database"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	checks["database"] = "ok"

	if h.config.ReportDir != "" {
		if _, err := os.Stat(h.config.ReportDir); err != nil {
			checks["report"] = "missing"
		} else {
			checks["report"] = "ok"
		}
	}

	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Run Handlers
// =============================================================================

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context(), listOptions(r))
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", "internal_error")
		return
	}

	resp := RunListResponse{Runs: make([]RunResponse, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runToResponse(run))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "run not found", "run_not_found")
			return
		}
		h.logger.Error("failed to get run", "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get run", "internal_error")
		return
	}

	cleanups, err := h.store.ListChannelCleanups(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list channel cleanups", "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get run", "internal_error")
		return
	}

	resp := RunDetailResponse{
		RunResponse: runToResponse(*run),
		Cleanups:    cleanups,
		Snapshot:    run.Snapshot,
	}
	if resp.Cleanups == nil {
		resp.Cleanups = []store.ChannelCleanup{}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Preview URL Handlers
// =============================================================================

// handleListPreviewURLs lists URLs newest first. ?latest=true returns only
// the role map of the newest run that deployed real URLs.
func (h *Handler) handleListPreviewURLs(w http.ResponseWriter, r *http.Request) {
	if latest, _ := strconv.ParseBool(r.URL.Query().Get("latest")); latest {
		urls, err := h.store.RecentPreviewURLs(r.Context())
		if err != nil {
			h.logger.Error("failed to get recent preview URLs", "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to get preview URLs", "internal_error")
			return
		}
		h.writeJSON(w, http.StatusOK, LatestPreviewURLsResponse{URLs: urls})
		return
	}

	urls, err := h.store.ListPreviewURLs(r.Context(), listOptions(r))
	if err != nil {
		h.logger.Error("failed to list preview URLs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list preview URLs", "internal_error")
		return
	}
	if urls == nil {
		urls = []store.PreviewURL{}
	}
	h.writeJSON(w, http.StatusOK, PreviewURLListResponse{PreviewURLs: urls})
}

// =============================================================================
// Metrics
// =============================================================================

// handleMetrics exposes the newest run's gauges in Prometheus format.
func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	collector := metrics.NewCollector()

	runs, err := h.store.ListRuns(r.Context(), store.ListOptions{Limit: 1})
	if err != nil {
		h.logger.Error("failed to load latest run for metrics", "error", err)
		http.Error(w, "failed to load metrics", http.StatusInternalServerError)
		return
	}
	if len(runs) > 0 {
		run, err := h.store.GetRun(r.Context(), runs[0].ID)
		if err == nil {
			var rc domain.RunContext
			if jsonErr := json.Unmarshal(run.Snapshot, &rc); jsonErr == nil {
				collector.Observe(&rc)
			} else {
				h.logger.Warn("cannot decode run snapshot", "id", run.ID, "error", jsonErr)
			}
		}
	}

	promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func listOptions(r *http.Request) store.ListOptions {
	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	return opts.Normalize()
}

func runToResponse(run store.RunRecord) RunResponse {
	return RunResponse{
		ID:           run.ID,
		Status:       string(run.Status),
		Branch:       run.Branch,
		PullRequest:  run.PullRequest,
		ChannelID:    run.ChannelID,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		DurationMs:   run.DurationMs,
		Error:        run.Error,
		Remediation:  run.Remediation,
		WarningCount: run.WarningCount,
		Succeeded:    run.Status == domain.RunSucceeded,
	}
}

// isNotFound checks if an error is a not found error.
func isNotFound(err error) bool {
	var storeErr *store.StoreError
	if errors.As(err, &storeErr) {
		return errors.Is(storeErr.Unwrap(), store.ErrNotFound)
	}
	return false
}
