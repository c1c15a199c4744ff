// Package server exposes the Agent Protocol HTTP API: assistants, threads,
// and runs, with server-sent event and websocket streaming over the durable
// run event log.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/agent-protocol-go/agentserver/errors"
	"github.com/agent-protocol-go/agentserver/runs"
	"github.com/agent-protocol-go/agentserver/telemetry"
)

// Config configures the server.
type Config struct {
	Host string
	Port int
	// AuthToken is an optional bearer token; empty disables authentication.
	AuthToken string
}

// Server is the Agent Protocol HTTP server.
type Server struct {
	controller *Controller
	config     *Config
	router     chi.Router
	telemetry  *telemetry.Registry
	logger     *slog.Logger
	httpServer *http.Server
}

// Controller is the operation surface the server fronts.
type Controller = runs.Controller

// New creates a server around a controller.
func New(controller *Controller, config *Config, reg *telemetry.Registry, logger *slog.Logger) *Server {
	if config == nil {
		config = &Config{Host: "0.0.0.0", Port: 8123}
	}
	if reg == nil {
		reg = telemetry.Noop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		controller: controller,
		config:     config,
		telemetry:  reg,
		logger:     logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	if s.config.AuthToken != "" {
		r.Use(s.requireAuth)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/assistants", func(r chi.Router) {
		r.Post("/", s.handleCreateAssistant)
		r.Post("/search", s.handleSearchAssistants)
		r.Route("/{assistant_id}", func(r chi.Router) {
			r.Get("/", s.handleGetAssistant)
			r.Patch("/", s.handleUpdateAssistant)
			r.Delete("/", s.handleDeleteAssistant)
		})
	})

	r.Route("/threads", func(r chi.Router) {
		r.Post("/", s.handleCreateThread)
		r.Get("/", s.handleListThreads)
		r.Route("/{thread_id}", func(r chi.Router) {
			r.Get("/", s.handleGetThread)
			r.Delete("/", s.handleDeleteThread)
			r.Get("/state", s.handleThreadState)

			r.Route("/runs", func(r chi.Router) {
				r.Post("/", s.handleCreateRun)
				r.Get("/", s.handleListRuns)
				r.Post("/stream", s.handleCreateRunStream)
				r.Post("/wait", s.handleCreateRunWait)
				r.Route("/{run_id}", func(r chi.Router) {
					r.Get("/", s.handleGetRun)
					r.Delete("/", s.handleDeleteRun)
					r.Post("/cancel", s.handleCancelRun)
					r.Get("/join", s.handleJoinRun)
					r.Get("/stream", s.handleStreamRun)
					r.Get("/ws", s.handleStreamRunWS)
				})
			})
		})
	})

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start runs the server until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// logRequests logs one line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// requireAuth enforces the configured token, supplied either as a bearer
// Authorization header or as X-API-Key.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.Header.Get("X-Api-Key")
		}
		if token == "" || token != s.config.AuthToken {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// identity extracts the caller identity used for record scoping.
func identity(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Warn("response encode failed", "error", err)
		}
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.CodeValidation:
		status = http.StatusUnprocessableEntity
	case apperrors.CodeNotFound:
		status = http.StatusNotFound
	case apperrors.CodeConflict:
		status = http.StatusConflict
	case apperrors.CodeTransientLog:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.NewValidation("invalid request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryInt64(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}
