package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/artpar/previewctl/internal/shell/api"
	"github.com/artpar/previewctl/internal/shell/store"
)

// =============================================================================
// Server
// =============================================================================

// Server serves run history and the latest report over HTTP.
type Server struct {
	config     *Config
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a server backed by s.
func NewServer(cfg *Config, s store.Store, logger *slog.Logger) *Server {
	handler := api.NewHandler(s, api.Config{
		ReportDir: cfg.Pipeline.RunDir,
		Token:     cfg.Server.Token,
		Version:   Version,
	}, logger)

	return &Server{
		config: cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address(),
			Handler:      handler.Routes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		logger: logger,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address(),
			"report_dir", s.config.Pipeline.RunDir)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return &RunError{
			Op:       "Serve",
			Err:      err,
			ExitCode: ExitUnexpected,
		}
	case <-ctx.Done():
		s.logger.Info("received shutdown signal")
	}

	return s.Shutdown(context.Background())
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}
