// Package shield provides the HTTP middleware wrapped around the energia API:
// security headers, request tracing, panic recovery, rate limiting, body
// limits and HEAD handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.TraceID)
//	r.Use(shield.Recover(false))
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.NewRateLimiter(100, 15*time.Minute, "/health").Middleware)
//	r.Use(shield.MaxBody(64 * 1024))
//	r.Use(shield.HeadToGet)
//
// Or apply the default API stack in one call:
//
//	for _, mw := range shield.DefaultAPIStack(rl, production) {
//	    r.Use(mw)
//	}
package shield

import (
	"encoding/json"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody is the request body cap applied by DefaultAPIStack.
const DefaultMaxBody = 64 * 1024

// DefaultAPIStack returns the standard middleware stack for the JSON API.
// Order: TraceID → Recover → SecurityHeaders → RateLimiter → MaxBody → HeadToGet.
// rl may be nil to disable rate limiting.
func DefaultAPIStack(rl *RateLimiter, production bool) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		TraceID,
		Recover(production),
		SecurityHeaders(DefaultHeaders()),
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return append(stack, MaxBody(DefaultMaxBody), HeadToGet)
}

// HeadToGet converts HEAD requests to GET so that routes registered with
// r.Get() answer HEAD as well. net/http strips the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBody caps every request body at maxBytes. Reads past the cap fail and
// JSON decoding in handlers reports the error.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeJSONError writes the {success:false, error} envelope used by the API.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   msg,
	})
}
