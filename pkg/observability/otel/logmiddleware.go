package otelobs

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"nodesense/pkg/structlog"
)

// ClientIDFunc reports the rate-limit identity for the access log.
type ClientIDFunc func(*http.Request) string

// HTTPTraceLogMiddleware logs one access line per request with trace_id/span_id and sets
// the Trace-Id and Span-Id response headers when a span is active.
func HTTPTraceLogMiddleware(log *structlog.Logger, clientID ClientIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				w.Header().Set("Trace-Id", sc.TraceID().String())
				w.Header().Set("Span-Id", sc.SpanID().String())
			}
			next.ServeHTTP(sr, r)

			fields := structlog.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      sr.status,
				"bytes":       sr.bytes,
				"duration_ms": time.Since(start).Milliseconds(),
				"trace_id":    "-",
				"span_id":     "-",
			}
			if clientID != nil {
				fields["client_id"] = clientID(r)
			}
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				fields["trace_id"] = sc.TraceID().String()
				fields["span_id"] = sc.SpanID().String()
			}
			log.WithContext(r.Context()).Info("access", fields)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wroteHeader = true
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }
