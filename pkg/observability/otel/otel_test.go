package otelobs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"nodesense/pkg/structlog"
)

func TestTraceLogMiddlewareWithSpan(t *testing.T) {
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider())
	defer otel.SetTracerProvider(prev)

	var buf bytes.Buffer
	log := structlog.NewLogger("gateway", structlog.LevelInfo, &buf)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})
	h := WrapHTTPHandler("test", HTTPTraceLogMiddleware(log, func(*http.Request) string { return "10.1.1.1" })(inner))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Len(t, rec.Header().Get("Trace-Id"), 32)
	assert.Len(t, rec.Header().Get("Span-Id"), 16)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "access", line["message"])
	assert.EqualValues(t, 418, line["status"])
	assert.EqualValues(t, 15, line["bytes"])
	assert.Equal(t, "10.1.1.1", line["client_id"])
	assert.Equal(t, rec.Header().Get("Trace-Id"), line["trace_id"])
}

func TestTraceLogMiddlewareWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	log := structlog.NewLogger("gateway", structlog.LevelInfo, &buf)
	h := HTTPTraceLogMiddleware(log, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, rec.Header().Get("Trace-Id"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "-", line["trace_id"])
	assert.EqualValues(t, 200, line["status"])
}

func TestInitTracerWithoutEndpointIsNoop(t *testing.T) {
	shutdown := InitTracer(context.Background(), "gateway", "", structlog.Nop())
	assert.NoError(t, shutdown(context.Background()))
}

func TestWrapHTTPTransportPropagates(t *testing.T) {
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider())
	defer otel.SetTracerProvider(prev)
	InitTracer(context.Background(), "gateway", "", structlog.Nop())

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Traceparent")
	}))
	defer srv.Close()

	ctx, span := otel.Tracer("test").Start(context.Background(), "outbound")
	defer span.End()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := (&http.Client{Transport: WrapHTTPTransport(nil)}).Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, got)
}
