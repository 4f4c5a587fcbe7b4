package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/michaelbrown/kubebox/internal/metrics"
	"github.com/michaelbrown/kubebox/internal/sandbox"
	"github.com/michaelbrown/kubebox/internal/session"
	"github.com/michaelbrown/kubebox/internal/storage"
)

// Config holds the transport settings.
type Config struct {
	Port       int
	AdminToken string // bearer token for /api/sandboxes and /api/events, empty leaves them open
}

// Server is the HTTP server for the kubebox API.
type Server struct {
	cfg      Config
	manager  *sandbox.Manager
	binder   *session.Binder
	events   storage.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	router   chi.Router
	http     *http.Server
	consoles *consoleSet
}

// New creates a new Server. events and mx may be nil.
func New(cfg Config, m *sandbox.Manager, binder *session.Binder, events storage.Store, mx *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		manager:  m,
		binder:   binder,
		events:   events,
		metrics:  mx,
		logger:   logger,
		router:   chi.NewRouter(),
		consoles: newConsoleSet(),
	}
	m.OnDestroy(s.consoles.CloseSandbox)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// WebSocket (no JSON content-type)
		r.Get("/sandbox/ws", s.handleConsole)

		r.Group(func(r chi.Router) {
			r.Use(jsonContentType)

			r.Post("/sandbox", s.handleCreate)
			r.Get("/sandbox", s.handleStatus)
			r.Delete("/sandbox", s.handleDelete)
			r.Post("/sandbox/exec", s.handleExec)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Get("/sandboxes", s.handleListSandboxes)
				r.Get("/events", s.handleListEvents)
			})
		})
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// countRequests records each request by its route pattern.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTPRequest(r.Method+" "+route, strconv.Itoa(status))
	})
}

// requireAdmin checks the bearer token when one is configured.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.AdminToken {
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("kubebox server starting", slog.String("addr", "http://localhost"+addr))
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Open consoles are closed first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.consoles.CloseAll()

	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
