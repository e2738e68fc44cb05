// Package server provides the HTTP and WebSocket surface of the exercise
// agent: session lifecycle endpoints, the terminal transport, and health.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/websocket"

	"github.com/codequest/exercise-agent/internal/config"
	"github.com/codequest/exercise-agent/internal/origin"
	"github.com/codequest/exercise-agent/internal/persistence"
	"github.com/codequest/exercise-agent/internal/pty"
	"github.com/codequest/exercise-agent/internal/registry"
	"github.com/codequest/exercise-agent/internal/workspace"
)

// Version is the build version, overridable at link time.
var Version = "dev"

// Server wires the workspace pipeline, the process supervisor and the
// event store behind one HTTP surface.
type Server struct {
	config     *config.Config
	guard      *origin.Guard
	registry   *registry.Registry
	workspaces *workspace.Manager
	supervisor *pty.Supervisor
	store      *persistence.Store
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// New creates a server instance from configuration.
func New(cfg *config.Config) (*Server, error) {
	reg, err := registry.Load(cfg.ExercisesFile)
	if err != nil {
		return nil, fmt.Errorf("load exercise registry: %w", err)
	}

	if err := os.MkdirAll(cfg.WorkspacesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspaces directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.EventDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := persistence.Open(cfg.EventDBPath)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	releases := workspace.NewReleaseClient(cfg.ReleaseAPIBase, cfg.DownloadTimeout)
	workspaces := workspace.NewManager(cfg.WorkspacesDir, reg, releases, cfg.DownloadTimeout)
	workspaces.OnDownloaded = func(exerciseID, dir string) {
		store.Record("workspace.downloaded", "", exerciseID, dir)
	}

	supervisor := pty.NewSupervisor(pty.SupervisorConfig{
		ClaudeBin:   cfg.ClaudeBin,
		DefaultRows: cfg.DefaultRows,
		DefaultCols: cfg.DefaultCols,
		Recorder:    store,
	})

	s := &Server{
		config:     cfg,
		guard:      origin.NewGuard(cfg.AllowedOrigins),
		registry:   reg,
		workspaces: workspaces,
		supervisor: supervisor,
		store:      store,
	}

	// WebSocket upgrades bypass CORS, so the origin is validated here
	// explicitly with the same guard the middleware uses.
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WSReadBufferSize,
		WriteBufferSize: cfg.WSWriteBufferSize,
		CheckOrigin:     s.guard.AllowedRequest,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is intentionally 0 because WebSocket connections are
	// long-lived. http.Server.WriteTimeout sets a deadline on the
	// underlying net.Conn before the handler runs, which kills hijacked
	// WebSocket connections after the timeout period.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.corsMiddleware(mux),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /sessions/start", s.handleStartSession)
	mux.HandleFunc("POST /sessions/reset", s.handleResetSession)
	mux.HandleFunc("GET /sessions/{sessionId}/status", s.handleSessionStatus)
	mux.HandleFunc("GET /sessions/{sessionId}/ws", s.handleSessionWS)

	mux.HandleFunc("GET /events", s.handleListEvents)
}

// corsMiddleware reflects allowed origins back to the browser. The guard
// decides; disallowed origins get no CORS headers at all.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if echo := s.guard.EchoOrigin(r.Header.Get("Origin")); echo != "" {
			w.Header().Set("Access-Control-Allow-Origin", echo)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the root handler. Tests serve it over httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	slog.Info("Starting exercise agent",
		"addr", s.httpServer.Addr,
		"exercises", s.registry.Len(),
		"claudeInPath", s.supervisor.ClaudeInPath(),
		"version", Version)
	return s.httpServer.ListenAndServe()
}

// Stop terminates the active session, closes the event store and shuts the
// HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.supervisor.KillActive()

	if err := s.store.Close(); err != nil {
		slog.Warn("Failed to close event store", "error", err)
	}

	return s.httpServer.Shutdown(ctx)
}
