package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/uoaths/harmony/internal/config"
	"github.com/uoaths/harmony/internal/safety"
)

func TestBuildBreakerDisabledIsNil(t *testing.T) {
	cfg := config.Config{CircuitBreaker: config.CircuitBreakerConfig{Enabled: false, MaxPlaceFailures: 3, CooldownSec: 10}}
	if b := buildBreaker(cfg, zap.NewNop(), nil); b != nil {
		t.Fatalf("buildBreaker(disabled) = %v, want nil", b)
	}
}

func TestBuildBreakerEnabled(t *testing.T) {
	cfg := config.Config{CircuitBreaker: config.CircuitBreakerConfig{Enabled: true, MaxPlaceFailures: 3, CooldownSec: 10}}
	b := buildBreaker(cfg, zap.NewNop(), nil)
	if b == nil {
		t.Fatalf("buildBreaker(enabled) = nil")
	}
	if got := b.State(); got != safety.StateClosed {
		t.Fatalf("State() = %s, want %s", got, safety.StateClosed)
	}
}

func TestBuildAlertManagerWithoutTelegram(t *testing.T) {
	if m := buildAlertManager(config.Config{}, zap.NewNop()); m != nil {
		t.Fatalf("buildAlertManager() = %v, want nil", m)
	}
	if a := alertsOrNil(nil); a != nil {
		t.Fatalf("alertsOrNil(nil) = %v, want untyped nil", a)
	}
}

func TestNewHTTPServerTimeouts(t *testing.T) {
	srv := newHTTPServer(config.ServerConfig{Address: "127.0.0.1:0", ReadTimeoutSec: 3, WriteTimeoutSec: 7}, http.NotFoundHandler())
	if srv.Addr != "127.0.0.1:0" {
		t.Fatalf("Addr = %q", srv.Addr)
	}
	if srv.ReadTimeout != 3*time.Second || srv.WriteTimeout != 7*time.Second {
		t.Fatalf("timeouts = %s/%s, want 3s/7s", srv.ReadTimeout, srv.WriteTimeout)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Config{
		Server:   config.ServerConfig{Address: "127.0.0.1:0", CORSOrigins: []string{"*"}},
		Exchange: config.ExchangeConfig{RestBaseURL: "http://127.0.0.1:1"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zap.NewNop()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run() did not stop after cancel")
	}
}
