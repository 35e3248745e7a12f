package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return rec
}

func TestTracing_SpanNames(t *testing.T) {
	tests := []struct {
		method   string
		path     string
		wantName string
	}{
		{http.MethodPost, "/webhooks/mercadopago", "POST /webhooks/mercadopago"},
		{http.MethodPost, "/webhooks/stripe", "POST /webhooks/stripe"},
		{http.MethodPost, "/v1/transactions/tx-123/refunds", "POST /v1/transactions/{id}/refunds"},
		{http.MethodGet, "/v1/transactions/tx-456/payment", "GET /v1/transactions/{id}/payment"},
		{http.MethodPost, "/v1/tenants/connect", "POST /v1/tenants/connect"},
		{http.MethodDelete, "/v1/anything/else", "DELETE other"},
	}

	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			rec := newSpanRecorder(t)
			handler := Tracing("slotpay-test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			spans := rec.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if spans[0].Name() != tt.wantName {
				t.Errorf("expected span name %q, got %q", tt.wantName, spans[0].Name())
			}
		})
	}
}

func TestTracing_SkipsProbes(t *testing.T) {
	rec := newSpanRecorder(t)
	handler := Tracing("slotpay-test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/health", "/health/ready", "/metrics"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, w.Code)
		}
		if w.Header().Get(TraceIDHeader) != "" {
			t.Errorf("%s: unexpected trace header", path)
		}
	}
	if n := len(rec.Ended()); n != 0 {
		t.Errorf("expected probes to be untraced, got %d spans", n)
	}
}

func TestTracing_ExposesIDs(t *testing.T) {
	rec := newSpanRecorder(t)

	var traceID, spanID string
	handler := Tracing("slotpay-test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = GetTraceID(r)
		spanID = GetSpanID(r)
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	sc := spans[0].SpanContext()
	if traceID != sc.TraceID().String() || spanID != sc.SpanID().String() {
		t.Errorf("handler saw %s/%s, span is %s/%s", traceID, spanID, sc.TraceID(), sc.SpanID())
	}
	if got := w.Header().Get(TraceIDHeader); got != traceID {
		t.Errorf("expected %s header %q, got %q", TraceIDHeader, traceID, got)
	}
}

func TestLogging_IncludesTraceID(t *testing.T) {
	newSpanRecorder(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := Logging(logger)(Tracing("slotpay-test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/transactions/tx-1/refunds", nil))

	traceID := w.Header().Get(TraceIDHeader)
	if traceID == "" {
		t.Fatal("expected a trace id header")
	}
	if !strings.Contains(buf.String(), `"trace_id":"`+traceID+`"`) {
		t.Errorf("expected trace id in access log, got %s", buf.String())
	}
}

func TestTraceIDs_NoActiveSpan(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/tx-1/payment", nil)
	if id := GetTraceID(req); id != "" {
		t.Errorf("expected empty trace id, got %q", id)
	}
	if id := GetSpanID(req); id != "" {
		t.Errorf("expected empty span id, got %q", id)
	}
}
