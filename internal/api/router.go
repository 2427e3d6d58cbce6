package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mikkotan/vibe-employee/internal/core"
	timeclockmcp "github.com/mikkotan/vibe-employee/internal/mcp"
	"github.com/mikkotan/vibe-employee/internal/store"
	"github.com/mikkotan/vibe-employee/internal/vault"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LoginVerifier runs a navigate-and-login dry run against a tracker
// configuration, without clicking any clock control. Implemented by
// automation.Executor.
type LoginVerifier interface {
	VerifyLogin(ctx context.Context, cfg *core.TrackerConfig, password []byte) error
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	evaluator  *core.Evaluator
	vault      *vault.Vault
	verifier   LoginVerifier
	mcpServer  *timeclockmcp.MCPServer
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(addr string, authToken string, store *store.Store, evaluator *core.Evaluator, v *vault.Vault, verifier LoginVerifier, mcpServer *timeclockmcp.MCPServer, logger *slog.Logger) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		store:     store,
		evaluator: evaluator,
		vault:     v,
		verifier:  verifier,
		mcpServer: mcpServer,
		logger:    logger,
		authToken: authToken,
	}
	s.registerRoutes()

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	s.httpServer = httpServer
	return s, nil
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	// Mount MCP endpoint with optional authentication
	if s.mcpServer != nil {
		var mcpHandler http.Handler = s.mcpServer
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		// Apply authentication to all API endpoints
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/trigger", s.handleTrigger)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/schedule", s.handleGetSchedule)
			r.Put("/schedule", s.handlePutSchedule)

			r.Get("/config", s.handleGetConfig)
			r.Put("/config", s.handlePutConfig)
			r.Post("/config/test", s.handleTestConfig)

			r.Get("/excluded-dates", s.handleListExcludedDates)
			r.Post("/excluded-dates", s.handleCreateExcludedDate)

			r.Get("/logs", s.handleListLogs)
			r.Post("/logs/clear-today", s.handleClearTodayLogs)
		})

		r.Delete("/excluded-dates/{dateID}", s.handleDeleteExcludedDate)

		r.Get("/jobs/{jobID}", s.handleGetJob)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
