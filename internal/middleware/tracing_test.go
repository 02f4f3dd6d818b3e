package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordedTracing installs an in-memory span recorder for the duration of
// one test and returns it.
func recordedTracing(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder
}

func TestTracing_SpanPerRequest(t *testing.T) {
	recorder := recordedTracing(t)

	handler := Tracing("locbroker-api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/abc123", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Name(); got != "GET /api/sessions/abc123" {
		t.Errorf("expected span named after method+path, got %q", got)
	}
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestTracing_SpanNamesByMethodAndPath(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodPost, "/api/sessions", "POST /api/sessions"},
		{http.MethodPost, "/api/sessions/abc/join", "POST /api/sessions/abc/join"},
		{http.MethodDelete, "/api/sessions/abc", "DELETE /api/sessions/abc"},
		{http.MethodGet, "/api/sessions/abc/participants", "GET /api/sessions/abc/participants"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			recorder := recordedTracing(t)

			handler := Tracing("locbroker-api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if spans[0].Name() != tt.want {
				t.Errorf("expected %q, got %q", tt.want, spans[0].Name())
			}
		})
	}
}

func TestTracing_HandlerSeesItsOwnSpanContext(t *testing.T) {
	recorder := recordedTracing(t)

	var traceID, spanID string
	handler := Tracing("locbroker-api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = GetTraceID(r)
		spanID = GetSpanID(r)
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/sessions", nil))

	if traceID == "" || spanID == "" {
		t.Fatal("expected trace and span ids inside the handler")
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	sc := spans[0].SpanContext()
	if sc.TraceID().String() != traceID {
		t.Errorf("trace id mismatch: span has %s, handler saw %s", sc.TraceID(), traceID)
	}
	if sc.SpanID().String() != spanID {
		t.Errorf("span id mismatch: span has %s, handler saw %s", sc.SpanID(), spanID)
	}
}

func TestTraceAndSpanID_EmptyWithoutSpan(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	if got := GetTraceID(req); got != "" {
		t.Errorf("expected empty trace id, got %q", got)
	}
	if got := GetSpanID(req); got != "" {
		t.Errorf("expected empty span id, got %q", got)
	}
}
