package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"unauthorized still reachable", http.StatusUnauthorized, false},
		{"not found still reachable", http.StatusNotFound, false},
		{"server error", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			checker := NewHTTPChecker("mercadopago", srv.URL)
			err := checker.HealthCheck(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("HealthCheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPChecker_NotConfigured(t *testing.T) {
	if err := NewHTTPChecker("mercadopago", "").HealthCheck(context.Background()); err == nil {
		t.Error("expected error for empty url")
	}
}

func TestHTTPChecker_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	checker := NewHTTPChecker("stripe", url)
	if checker.Name() != "stripe" {
		t.Errorf("Name() = %q", checker.Name())
	}
	if err := checker.HealthCheck(context.Background()); err == nil {
		t.Error("expected error for closed server")
	}
}
