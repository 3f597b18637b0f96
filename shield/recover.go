package shield

import (
	"net/http"
	"runtime/debug"
)

// Recover turns a handler panic into a 500 JSON envelope. In production the
// body carries a generic message and the stack is not logged.
func Recover(production bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger := GetLogger(r.Context())
				if production {
					logger.Error("shield: panic recovered", "panic", rec)
					writeJSONError(w, http.StatusInternalServerError, "Error interno del servidor")
					return
				}
				logger.Error("shield: panic recovered", "panic", rec, "stack", string(debug.Stack()))
				writeJSONError(w, http.StatusInternalServerError, panicMessage(rec))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func panicMessage(rec any) string {
	switch v := rec.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return "panic"
	}
}
