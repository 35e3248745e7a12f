// Package main contains tests for server startup and shutdown.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/onnwee/slotpay/internal/config"
	"github.com/onnwee/slotpay/internal/provider"
)

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	return ln
}

// TestServe_GracefulShutdown tests that cancelling the context stops the
// server cleanly and logs each phase in order.
func TestServe_GracefulShutdown(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	ln := listenLocal(t)
	server := newServer(ln.Addr().String(), mux)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- serve(ctx, server, ln, logger) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("server failed to stop in time")
	}

	logs := logBuf.String()
	startIdx := strings.Index(logs, "starting server")
	shutdownIdx := strings.Index(logs, "shutting down server")
	stoppedIdx := strings.Index(logs, "server stopped")
	if startIdx == -1 || shutdownIdx == -1 || stoppedIdx == -1 {
		t.Fatalf("missing lifecycle log lines: %s", logs)
	}
	if !(startIdx < shutdownIdx && shutdownIdx < stoppedIdx) {
		t.Errorf("lifecycle logs out of order: %s", logs)
	}
}

// TestServe_InFlightRequests tests that shutdown waits for running requests.
func TestServe_InFlightRequests(t *testing.T) {
	var mu sync.Mutex
	var requestCompleted bool
	handlerStarted := make(chan struct{})
	handlerCanContinue := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		close(handlerStarted)
		<-handlerCanContinue

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"completed"}`))

		mu.Lock()
		requestCompleted = true
		mu.Unlock()
	})

	ln := listenLocal(t)
	server := newServer(ln.Addr().String(), mux)
	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	done := make(chan error, 1)
	go func() { done <- serve(ctx, server, ln, logger) }()

	type result struct {
		resp *http.Response
		err  error
	}
	requestDone := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/slow")
		requestDone <- result{resp, err}
	}()

	select {
	case <-handlerStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("handler failed to start in time")
	}

	cancel()
	// Give shutdown a moment to begin.
	time.Sleep(50 * time.Millisecond)
	close(handlerCanContinue)

	var res result
	select {
	case res = <-requestDone:
	case <-time.After(5 * time.Second):
		t.Fatal("request failed to complete in time")
	}
	if res.err != nil {
		t.Fatalf("request error: %v", res.err)
	}
	defer res.resp.Body.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("shutdown failed to complete in time")
	}

	mu.Lock()
	if !requestCompleted {
		t.Error("expected request to have completed")
	}
	mu.Unlock()

	if res.resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", res.resp.StatusCode)
	}
	body, _ := io.ReadAll(res.resp.Body)
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Errorf("failed to parse response: %v", err)
	}
	if payload["status"] != "completed" {
		t.Errorf("expected status 'completed', got '%s'", payload["status"])
	}
}

// TestServe_ListenerFailure tests that a failing listener is reported.
func TestServe_ListenerFailure(t *testing.T) {
	ln := listenLocal(t)
	ln.Close()

	server := newServer(ln.Addr().String(), http.NewServeMux())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := serve(context.Background(), server, ln, logger); err == nil {
		t.Error("expected an error from a closed listener")
	}
}

// TestSignalContext tests that SIGINT and SIGTERM cancel the serve context.
func TestSignalContext(t *testing.T) {
	for _, sig := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM} {
		t.Run(sig.String(), func(t *testing.T) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				time.Sleep(50 * time.Millisecond)
				_ = syscall.Kill(syscall.Getpid(), sig)
			}()

			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
				t.Errorf("did not receive %v in time", sig)
			}
		})
	}
}

func TestBuildGateways(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.Config
		want       []provider.Name
		wantChecks []string
	}{
		{
			name: "mercadopago only",
			cfg: config.Config{
				MercadoPagoClientID:    "app-1",
				MercadoPagoAccessToken: "APP_USR-platform",
			},
			want:       []provider.Name{provider.MercadoPago},
			wantChecks: []string{"mercadopago"},
		},
		{
			name:       "stripe only",
			cfg:        config.Config{StripeAPIKey: "sk_test_123"},
			want:       []provider.Name{provider.Stripe},
			wantChecks: []string{"stripe"},
		},
		{
			name: "both",
			cfg: config.Config{
				MercadoPagoClientID: "app-1",
				StripeAPIKey:        "sk_test_123",
			},
			want:       []provider.Name{provider.MercadoPago, provider.Stripe},
			wantChecks: []string{"mercadopago", "stripe"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateways, platform, checks := buildGateways(&tt.cfg)

			if len(gateways) != len(tt.want) {
				t.Fatalf("expected %d gateways, got %d", len(tt.want), len(gateways))
			}
			for _, name := range tt.want {
				gw, err := gateways.Get(name)
				if err != nil {
					t.Fatalf("gateway %s missing: %v", name, err)
				}
				if gw.Name() != name {
					t.Errorf("gateway registered under %s reports %s", name, gw.Name())
				}
				if _, ok := platform[name]; !ok {
					t.Errorf("platform scope for %s missing", name)
				}
			}
			if len(checks) != len(tt.wantChecks) {
				t.Fatalf("expected %d provider checks, got %d", len(tt.wantChecks), len(checks))
			}
			for i, c := range checks {
				if c.Name() != tt.wantChecks[i] {
					t.Errorf("check %d = %s, want %s", i, c.Name(), tt.wantChecks[i])
				}
			}
		})
	}

	_, platform, _ := buildGateways(&config.Config{MercadoPagoClientID: "app-1", MercadoPagoAccessToken: "APP_USR-platform"})
	if got := platform[provider.MercadoPago].AccessToken; got != "APP_USR-platform" {
		t.Errorf("mercadopago platform token = %q", got)
	}
}
