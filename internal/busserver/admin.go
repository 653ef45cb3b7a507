package busserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// adminResponse is the standard response envelope for the admin API.
// Adapted from the teacher's APIResponse.
type adminResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type sessionSummary struct {
	UUID            string `json:"uuid"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

// registerAdminRoutes mounts an optional admin API under /api, guarded by
// a bearer token, for operational visibility into the live registry.
// Adapted from the teacher's NewAPIRouter/authMiddleware/loggingMiddleware
// trio: the WireGuard peer endpoints become session-listing and health
// endpoints.
func (s *Server) registerAdminRoutes(router *mux.Router, token string) {
	if token == "" {
		return
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(loggingMiddleware)
	api.Use(contentTypeMiddleware)
	api.Use(authMiddleware(token))

	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleAdminHealth).Methods(http.MethodGet)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	summaries := make([]sessionSummary, 0, len(s.sessions))
	for id, h := range s.sessions {
		summaries = append(summaries, sessionSummary{
			UUID:            id,
			IsAuthenticated: h.session.Authenticated(),
		})
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, adminResponse{Success: true, Data: summaries})
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, adminResponse{Success: true, Data: s.health.getStatus()})
}

// authMiddleware verifies that incoming requests carry a valid Bearer token
// matching the configured admin token.
func authMiddleware(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "invalid Authorization header format")
				return
			}

			if parts[1] != token {
				writeError(w, http.StatusForbidden, "invalid admin token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Info("busserver: admin request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("busserver: failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, adminResponse{Success: false, Error: message})
}
