// Package server wires the HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/skyrun/internal/server/handlers"
	"github.com/3leaps/skyrun/internal/server/middleware"
	"github.com/3leaps/skyrun/internal/version"
	"github.com/3leaps/skyrun/pkg/backend"
	"github.com/3leaps/skyrun/pkg/runstore"
)

// Server is the HTTP API surface in front of the store and scheduler.
type Server struct {
	host   string
	port   int
	router chi.Router
}

// New builds the server and its routes.
func New(host string, port int, store *runstore.Store, registry *backend.Registry) *Server {
	s := &Server{host: host, port: port}

	runs := &handlers.Runs{Store: store, Registry: registry}

	r := chi.NewRouter()
	r.Use(middleware.Recovery)
	r.NotFound(middleware.NotFound)
	r.MethodNotAllowed(middleware.MethodNotAllowed)

	r.Get("/health", handlers.Health)
	r.Get("/health/live", handlers.Live)
	r.Get("/health/ready", handlers.Ready)
	r.Get("/version", versionHandler)

	r.Route("/api/runs", func(r chi.Router) {
		r.Post("/submit", runs.Submit)
		r.Post("/list", runs.List)
		r.Post("/stop", runs.Stop)
		r.Post("/pull", runs.Pull)
	})

	s.router = r
	return s
}

// Handler returns the root handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// ListenAndServe serves until the context is cancelled, then shuts down
// gracefully within the given timeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"version": version.Version})
}
