package server

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// maxJournalLimit bounds one journal read.
const maxJournalLimit = 500

// Response wraps all API responses.
type Response struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()

	// Hook surface
	mux.HandleFunc("POST /v1/intercept", s.handleIntercept)
	mux.HandleFunc("POST /v1/complete", s.handleComplete)

	// Explicit locks
	mux.HandleFunc("POST /v1/lock", s.handleLock)
	mux.HandleFunc("POST /v1/unlock", s.handleUnlock)

	// Coordination state
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/journal", s.handleJournal)

	// Event stream
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Human-readable status page
	mux.HandleFunc("GET /{$}", s.handleIndex)

	return recoveryMiddleware(mux, s.config.Logger)
}

// recoveryMiddleware recovers from handler panics and returns 500.
func recoveryMiddleware(next http.Handler, logger Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if logger != nil {
					logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				}
				http.Error(w, `{"error":{"code":"internal_error","message":"internal server error"}}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Data: data})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Error: &APIError{Code: code, Message: message},
	})
}

// parseLimit parses a bounded limit from a query parameter.
func parseLimit(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i <= 0 {
		return defaultVal
	}
	if i > maxJournalLimit {
		return maxJournalLimit
	}
	return i
}
