// Package middleware holds the chi middleware chain for the Admin &
// Data-Plane API (C9), adapted from the teacher's control-plane
// middleware of the same name.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// responseWriter wraps http.ResponseWriter to capture status code and
// bytes written, for logging and tracing middleware alike.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Flush propagates to the underlying writer so SSE handlers behind this
// middleware can still flush per frame.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logger returns structured request logging middleware. Unlike a generic
// access log, it surfaces the two identifiers that matter for tracing a
// gateway request end to end: the request ID the proxy core stamps on
// every upstream call, and the conversation ID a chat request carries (if
// any), so a slow or failing request can be grepped by either.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := newResponseWriter(w)

		next.ServeHTTP(rw, r)

		logRequest(r, rw, time.Since(start))
	})
}

func logRequest(r *http.Request, rw *responseWriter, duration time.Duration) {
	event := severityFor(rw.statusCode)

	routePattern := ""
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		routePattern = rctx.RoutePattern()
	}

	event.
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("route", routePattern).
		Int("status", rw.statusCode).
		Int("bytes", rw.bytes).
		Dur("duration", duration).
		Str("remote", r.RemoteAddr).
		Str("request_id", r.Header.Get("x-request-id")).
		Str("conversation_id", r.Header.Get("x-conversation-id")).
		Msg("request")
}

func severityFor(status int) *zerolog.Event {
	switch {
	case status >= 500:
		return log.Error()
	case status >= 400:
		return log.Warn()
	default:
		return log.Info()
	}
}
