package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/NikhilSetiya/storyforge/pkg/correlation"
)

func recordingService() (*TracingService, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &TracingService{
		tracer:   tp.Tracer("test"),
		config:   &Config{Enabled: true},
		provider: tp,
	}, recorder
}

func attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewTracingService_Disabled(t *testing.T) {
	ts, err := NewTracingService(&Config{Enabled: false, ServiceName: "storyforge"})
	require.NoError(t, err)
	assert.NoError(t, ts.Shutdown(context.Background()))

	_, span := ts.StartSpan(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
}

func TestNewTracingService_UnknownExporter(t *testing.T) {
	_, err := NewTracingService(&Config{Enabled: true, Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestStartSpan_TagsCorrelationID(t *testing.T) {
	ts, recorder := recordingService()

	ctx := correlation.Fork(context.Background())
	correlation.Install(ctx, "trace-me")

	_, span := ts.StartSpan(ctx, "work")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	v, ok := attr(spans[0], "correlation.id")
	require.True(t, ok)
	assert.Equal(t, "trace-me", v.AsString())
	assert.NotEmpty(t, GetTraceID(childSpanContext(ctx, ts)))
}

func childSpanContext(ctx context.Context, ts *TracingService) context.Context {
	ctx, span := ts.StartSpan(ctx, "child")
	defer span.End()
	return ctx
}

func TestTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts, recorder := recordingService()

	router := gin.New()
	router.Use(ts.TracingMiddleware())
	router.GET("/api/v1/stories", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stories", nil))
	require.Equal(t, http.StatusOK, w.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/v1/stories", spans[0].Name())
	v, ok := attr(spans[0], "http.response.status_code")
	require.True(t, ok)
	assert.Equal(t, int64(200), v.AsInt64())
}

func TestInstrumentHTTPClient(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	ts, recorder := recordingService()
	client := ts.InstrumentHTTPClient(&http.Client{})

	resp, err := client.Get(upstream.URL)
	require.NoError(t, err)
	resp.Body.Close()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP GET", spans[0].Name())
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}
