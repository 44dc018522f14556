package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/faroslabs/faros/internal/auth"
	"github.com/faroslabs/faros/internal/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config holds API server configuration.
type Config struct {
	Listen string
	// OperatorTokens are static bearer tokens with full operator access.
	OperatorTokens []string
	// JWTSecret verifies operator session tokens. Optional if static
	// tokens are configured.
	JWTSecret string
}

// Server is the HTTP surface of the command dispatch core.
type Server struct {
	config    Config
	commands  CommandService
	agents    AgentDirectory
	signer    *auth.Signer
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server instance.
func New(config Config, commands CommandService, agents AgentDirectory, hub *events.Hub, logger *slog.Logger) *Server {
	var signer *auth.Signer
	if config.JWTSecret != "" {
		signer = &auth.Signer{
			Secret: []byte(config.JWTSecret),
			Issuer: "faros-server",
			TTL:    24 * time.Hour,
		}
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		commands:  commands,
		agents:    agents,
		signer:    signer,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is canceled or the
// server fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-lived SSE responses
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Operator surface: session token, scoped to all commands.
	r.Group(func(r chi.Router) {
		r.Use(s.operatorAuth)
		r.Post("/api/agents/{agentID}/commands", s.handleEnqueue)
		r.Get("/api/agents/{agentID}/commands", s.handleListCommands)
		r.Get("/api/agents", s.handleListAgents)
		r.Get("/api/commands/{commandID}", s.handleGetCommand)
		r.Get("/api/events", s.handleEvents)
	})

	// Agent surface: API key, scoped to the agent's own commands.
	r.Group(func(r chi.Router) {
		r.Use(s.agentAuth)
		r.Get("/api/agent/commands", s.handlePoll)
		r.Post("/api/agent/commands/{commandID}/output", s.handleOutput)
		r.Post("/api/agent/commands/{commandID}/ack", s.handleAck)
		r.Post("/api/agent/heartbeat", s.handleHeartbeat)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
