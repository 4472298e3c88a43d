package core

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// LoggingMiddleware logs HTTP requests and responses with structured logging.
// In development mode (devMode=true), it logs all requests.
// In production mode it only logs non-2xx responses and slow requests (>1s).
func LoggingMiddleware(logger Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			shouldLog := devMode ||
				wrapped.statusCode >= 400 ||
				duration > time.Second

			if shouldLog && logger != nil {
				logData := map[string]interface{}{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      wrapped.statusCode,
					"duration_ms": duration.Milliseconds(),
					"remote_addr": r.RemoteAddr,
				}
				if r.URL.RawQuery != "" {
					logData["query"] = r.URL.RawQuery
				}

				switch {
				case wrapped.statusCode >= 500:
					logger.Error("HTTP request error", logData)
				case wrapped.statusCode >= 400:
					logger.Warn("HTTP request client error", logData)
				case duration > time.Second:
					logger.Warn("HTTP request slow", logData)
				default:
					logger.Info("HTTP request", logData)
				}
			}
		})
	}
}

// BearerAuthMiddleware requires `Authorization: Bearer <token>` on every
// request it wraps. An empty expected token disables the check (dev mode).
// The comparison is constant-time.
func BearerAuthMiddleware(token string, logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			presented, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				if logger != nil {
					logger.Warn("Rejected unauthenticated request", map[string]interface{}{
						"method":      r.Method,
						"path":        r.URL.Path,
						"remote_addr": r.RemoteAddr,
					})
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error_code": KindAuth,
					"message":    "missing or invalid bearer token",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
