// Package server exposes the evaluation engine over HTTP: a single
// evaluate endpoint plus policy introspection/reload, adapted from
// agentwarden/internal/api.Server's ServeMux + authRequired wrapper
// pattern, trimmed to the surface this engine actually needs.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/webruntime/ace/internal/auth"
	"github.com/webruntime/ace/internal/config"
	"github.com/webruntime/ace/internal/policy"
)

// Server is the engine's HTTP surface.
type Server struct {
	cfg          config.ServerConfig
	evaluator    *policy.Evaluator
	tokenManager *auth.TokenManager
	mux          *http.ServeMux
	httpServer   *http.Server
	logger       *slog.Logger
}

// NewServer wires a Server. tokenManager may be nil to disable
// authentication entirely (useful for local/CLI-only deployments).
func NewServer(cfg config.ServerConfig, evaluator *policy.Evaluator, tokenManager *auth.TokenManager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:          cfg,
		evaluator:    evaluator,
		tokenManager: tokenManager,
		mux:          http.NewServeMux(),
		logger:       logger.With("component", "server.Server"),
	}
	s.registerRoutes()
	return s
}

// tokenContextKey is the request-context key the validated auth.Token
// is stashed under by authRequired, for handlers (handleEvaluate) that
// need to additionally enforce a token's widget scope.
type tokenContextKey struct{}

// tokenFromContext returns the auth.Token validated by authRequired for
// this request, if any. Absent when the server runs with no
// TokenManager (auth disabled).
func tokenFromContext(ctx context.Context) (auth.Token, bool) {
	t, ok := ctx.Value(tokenContextKey{}).(auth.Token)
	return t, ok
}

// authRequired wraps a handler with bearer-token authentication. If no
// TokenManager was supplied, the handler is returned unwrapped.
func (s *Server) authRequired(action string, next http.HandlerFunc) http.HandlerFunc {
	if s.tokenManager == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		secret := strings.TrimPrefix(header, "Bearer ")

		token, err := s.tokenManager.ValidateToken(secret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if !auth.HasPermission(token.Role, action) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}
		ctx := context.WithValue(r.Context(), tokenContextKey{}, token)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /evaluate", s.authRequired("evaluate", s.handleEvaluate))
	s.mux.HandleFunc("POST /policy/reload", s.authRequired("policy.reload", s.handleReload))
	s.mux.HandleFunc("GET /policy/path", s.authRequired("policy.path", s.handlePolicyPath))
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the HTTP handler, optionally wrapped with permissive
// CORS headers for local development.
func (s *Server) Handler() http.Handler {
	if s.cfg.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start begins serving on cfg.Addr (or addr, if non-empty) and blocks
// until the listener returns.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.cfg.Addr
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("evaluation API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
