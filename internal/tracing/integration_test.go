package tracing_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/slotpay/internal/middleware"
	"github.com/onnwee/slotpay/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return rec
}

// TestPaymentRefreshTrace follows a traced request through the middleware
// into provider and database spans.
func TestPaymentRefreshTrace(t *testing.T) {
	rec := installRecorder(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		_, endFetch := tracing.StartProviderSpan(ctx, "stripe", "fetch_payment")
		endFetch(nil)
		_, endUpdate := tracing.StartDBSpan(ctx, "transactions", tracing.DBOperationUpdate)
		endUpdate(nil)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/tx-1/payment?refresh=true", nil)
	w := httptest.NewRecorder()
	middleware.Tracing("slotpay-test")(handler).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range rec.Ended() {
		byName[s.Name()] = s
	}
	server, ok := byName["GET /v1/transactions/{id}/payment"]
	if !ok {
		t.Fatalf("missing server span, got %v", byName)
	}
	for _, name := range []string{"stripe fetch_payment", "update transactions"} {
		child, ok := byName[name]
		if !ok {
			t.Errorf("missing span %q", name)
			continue
		}
		if child.Parent().SpanID() != server.SpanContext().SpanID() {
			t.Errorf("%q is not a child of the server span", name)
		}
	}
}

// TestIncomingTraceContext checks that an upstream traceparent is continued.
func TestIncomingTraceContext(t *testing.T) {
	rec := installRecorder(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetTraceID(r)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	middleware.Tracing("slotpay-test")(handler).ServeHTTP(httptest.NewRecorder(), req)

	if seen != traceID {
		t.Errorf("expected handler to see trace %s, got %q", traceID, seen)
	}
	spans := rec.Ended()
	if len(spans) != 1 || spans[0].SpanContext().TraceID().String() != traceID {
		t.Errorf("expected one server span on the upstream trace, got %d spans", len(spans))
	}
}

// TestTracingDisabled checks that helpers work with tracing off.
func TestTracingDisabled(t *testing.T) {
	p, err := tracing.NewProvider(tracing.Config{ServiceName: "slotpay-test"})
	if err != nil {
		t.Fatalf("failed to create disabled provider: %v", err)
	}
	if p.IsEnabled() {
		t.Error("expected tracing to be disabled")
	}
	_, end := tracing.StartSpan(context.Background(), "processor.process")
	end(nil)
}
