// Package server exposes the slot registry and supervisor over an HTTP API
// for dashboards and automation.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	apperrors "github.com/validlab/slotd/internal/errors"
	"github.com/validlab/slotd/pkg/slot"
	"github.com/validlab/slotd/pkg/supervisor"
)

// Options configures a Server.
type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MetricsEnabled  bool
	PollInterval    time.Duration
}

// Server is the HTTP surface over the supervisor core.
type Server struct {
	opts   Options
	reg    *slot.Registry
	sup    *supervisor.Supervisor
	log    *zap.Logger
	router chi.Router
}

func New(opts Options, reg *slot.Registry, sup *supervisor.Supervisor, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}

	s := &Server{opts: opts, reg: reg, sup: sup, log: log}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, apperrors.Newf(apperrors.CodeNotFound, "no route for %s", req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, apperrors.Newf(apperrors.CodeMethodNotAllowed, "method %s not allowed", req.Method))
	})

	r.Get("/healthz", s.handleHealth)
	if s.opts.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", s.handleConfig)

		r.Route("/slots", func(r chi.Router) {
			r.Get("/", s.handleListSlots)
			r.Post("/reset-all", s.handleResetAll)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSlot)
				r.Post("/setup", s.handleSetup)
				r.Post("/clear", s.handleClear)
				r.Post("/launch", s.handleLaunch)
				r.Post("/stop", s.handleStop)
				r.Post("/reset", s.handleReset)
			})
		})
	})

	return r
}

// Handler returns the root handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
}

func (s *Server) Port() int {
	return s.opts.Port
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", s.Addr()))
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
