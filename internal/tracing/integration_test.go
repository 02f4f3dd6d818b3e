package tracing_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/subcults/internal/middleware"
	"github.com/onnwee/subcults/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestEndToEndTracing drives a request through the HTTP tracing middleware
// into handler code that opens DS and ES child spans, then checks all spans
// land in one trace.
func TestEndToEndTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		ctx, endJoin := tracing.StartSpan(ctx, "join_session")
		tracing.SetAttributes(ctx, attribute.String("session.id", "session-abc"))

		ctx, endDB := tracing.StartDBSpan(ctx, "participants", tracing.DBOperationInsert)
		endDB(nil)

		ctx, endES := tracing.StartESSpan(ctx, "SADD", "session-abc")
		endES(nil)

		tracing.AddEvent(ctx, "participant_joined", attribute.String("user.id", "user-1"))
		endJoin(nil)

		w.WriteHeader(http.StatusOK)
	})

	traced := middleware.Tracing("locbroker-api")(handler)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/session-abc/join", nil)
	rr := httptest.NewRecorder()
	traced.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	spans := recorder.Ended()
	if len(spans) != 4 {
		t.Errorf("expected 4 spans, got %d", len(spans))
		for i, span := range spans {
			t.Logf("  span %d: %s", i, span.Name())
		}
	}

	names := make(map[string]bool, len(spans))
	for _, span := range spans {
		names[span.Name()] = true
	}
	for _, want := range []string{
		"POST /api/sessions/session-abc/join",
		"join_session",
		"insert participants",
		"SADD",
	} {
		if !names[want] {
			t.Errorf("missing span %q", want)
		}
	}

	// Every span must share the root's trace id.
	if len(spans) > 0 {
		traceID := spans[0].SpanContext().TraceID()
		for i, span := range spans {
			if span.SpanContext().TraceID() != traceID {
				t.Errorf("span %d (%s) is in a different trace", i, span.Name())
			}
		}
	}
}

// TestTracingDisabled checks the helpers are safe no-ops when no provider is
// configured.
func TestTracingDisabled(t *testing.T) {
	provider, err := tracing.NewProvider(tracing.Config{ServiceName: "locbroker-api", Enabled: false})
	if err != nil {
		t.Fatalf("failed to build disabled provider: %v", err)
	}
	if provider.IsEnabled() {
		t.Error("expected disabled provider")
	}

	ctx := context.Background()
	ctx, end := tracing.StartSpan(ctx, "broadcast")
	tracing.SetAttributes(ctx, attribute.String("session.id", "session-abc"))
	tracing.AddEvent(ctx, "fan_out_complete")
	end(nil)
}

// TestTraceContextPropagation verifies the trace id the handler sees matches
// the recorded server span.
func TestTraceContextPropagation(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	var handlerTraceID string
	traced := middleware.Tracing("locbroker-api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerTraceID = middleware.GetTraceID(r)
		w.WriteHeader(http.StatusOK)
	}))

	traced.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/sessions/abc", nil))

	if handlerTraceID == "" {
		t.Fatal("expected a trace id in the handler")
	}
	spans := recorder.Ended()
	if len(spans) == 0 {
		t.Fatal("expected a recorded span")
	}
	if got := spans[0].SpanContext().TraceID().String(); got != handlerTraceID {
		t.Errorf("handler saw trace %s, span recorded %s", handlerTraceID, got)
	}
}
