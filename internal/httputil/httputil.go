// Package httputil contains helpers for the daemon's HTTP handlers.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/block/ctfplug/internal/logging"
)

// ErrorResponse writes a plain text error response and logs it.
func ErrorResponse(w http.ResponseWriter, r *http.Request, status int, msg string, args ...any) {
	logger := logging.FromContext(r.Context()).With("url", r.URL, "status", status)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), msg, args...)
	} else {
		logger.DebugContext(r.Context(), msg, args...)
	}
	http.Error(w, msg, status)
}

// WriteJSON encodes v as the response body.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		ErrorResponse(w, r, http.StatusInternalServerError, "failed to encode response", "error", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n')) //nolint:errcheck
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Propagate attributes to the handlers.
		logger := logging.FromContext(r.Context()).With("request", fmt.Sprintf("%s %s", r.Method, r.RequestURI))
		r = r.WithContext(logging.ContextWithLogger(r.Context(), logger))
		logger.DebugContext(r.Context(), "Request received")
		next.ServeHTTP(w, r)
	})
}
