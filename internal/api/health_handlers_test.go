package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// mockHealthChecker is a mock implementation of HealthChecker for testing.
type mockHealthChecker struct {
	name       string
	shouldFail bool
}

func (m *mockHealthChecker) HealthCheck(ctx context.Context) error {
	if m.shouldFail {
		return errors.New("health check failed")
	}
	return nil
}

func (m *mockHealthChecker) Name() string {
	return m.name
}

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return response
}

func TestHealth_Success(t *testing.T) {
	handlers := NewHealthHandlers(HealthHandlersConfig{})

	w := httptest.NewRecorder()
	handlers.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got %s", ct)
	}

	response := decodeHealth(t, w)
	if response.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %s", response.Status)
	}
	if response.Checks["runtime"] != "ok" {
		t.Errorf("expected runtime check to be 'ok', got %s", response.Checks["runtime"])
	}
	if _, err := time.Parse(time.RFC3339, response.Timestamp); err != nil {
		t.Errorf("timestamp is not valid RFC3339: %v", err)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		dbFail     bool
		redisFail  bool
		stripeFail bool
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "all healthy",
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"database": "ok", "redis": "ok", "stripe": "ok"},
		},
		{
			name:       "database down",
			dbFail:     true,
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"database": "error", "redis": "ok", "stripe": "ok"},
		},
		{
			name:       "redis down",
			redisFail:  true,
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"database": "ok", "redis": "error"},
		},
		{
			name:       "provider unreachable stays ready",
			stripeFail: true,
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"database": "ok", "redis": "ok", "stripe": "degraded"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlers := NewHealthHandlers(HealthHandlersConfig{
				DBChecker:    &mockHealthChecker{shouldFail: tt.dbFail},
				RedisChecker: &mockHealthChecker{shouldFail: tt.redisFail},
				Providers:    []NamedChecker{&mockHealthChecker{name: "stripe", shouldFail: tt.stripeFail}},
			})

			w := httptest.NewRecorder()
			handlers.Ready(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			response := decodeHealth(t, w)
			wantStatus := "healthy"
			if tt.wantStatus != http.StatusOK {
				wantStatus = "unhealthy"
			}
			if response.Status != wantStatus {
				t.Errorf("expected status %q, got %q", wantStatus, response.Status)
			}
			for check, want := range tt.wantChecks {
				if response.Checks[check] != want {
					t.Errorf("expected %s check to be %s, got %s", check, want, response.Checks[check])
				}
			}
		})
	}
}

func TestReady_NoCheckers(t *testing.T) {
	handlers := NewHealthHandlers(HealthHandlersConfig{})

	w := httptest.NewRecorder()
	handlers.Ready(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	response := decodeHealth(t, w)
	if response.Checks["database"] != "not_configured" {
		t.Errorf("expected database check to be 'not_configured', got %s", response.Checks["database"])
	}
	if response.Checks["redis"] != "not_configured" {
		t.Errorf("expected redis check to be 'not_configured', got %s", response.Checks["redis"])
	}
}
