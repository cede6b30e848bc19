// Package server contains the daemon's HTTP API for run history.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"gantry/internal/server/handlers"
	"gantry/internal/server/middleware"
)

// Server is the HTTP server for the daemon API.
type Server struct {
	httpServer *http.Server
}

// New creates a new daemon server. metricsHandler serves /metrics; pass nil
// to disable the endpoint.
func New(addr string, store handlers.Store, log *slog.Logger, metricsHandler http.Handler) *Server {
	if log == nil {
		log = slog.Default()
	}
	h := handlers.New(store)
	limit := middleware.RateLimit(10, 20)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	// Public read endpoints
	mux.Handle("GET /runs", limit(http.HandlerFunc(h.ListRuns)))
	mux.Handle("GET /runs/{id}", limit(http.HandlerFunc(h.GetRun)))
	mux.Handle("GET /runs/{id}/jobs/{job}/logs", limit(http.HandlerFunc(h.GetJobLogs)))

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      middleware.RequestID(log)(mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
