package server

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"
)

// ErrPanicRecovered indicates an HTTP handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in http handler")

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logging logs every request with method, path, status and duration.
// Successful calls log at Info; error statuses at Warn.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		}

		level := slog.LevelInfo
		if rec.status >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		s.logger.LogAttrs(r.Context(), level, "request completed", attrs...)
	})
}

// recovery recovers from handler panics, logging the panic value and
// stack trace at Error level and returning 500 to the client.
func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)

				s.logger.ErrorContext(r.Context(), ErrPanicRecovered.Error(),
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
					slog.String("stack", string(buf[:n])),
				)

				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// requireAuth gates a handler behind the shared bearer secret.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}
