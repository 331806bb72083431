package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func writeEmptyEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("", writeEmptyEnv(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address != DefaultAddress {
		t.Fatalf("server.address = %q, want %q", cfg.Server.Address, DefaultAddress)
	}
	if cfg.Exchange.RestBaseURL != DefaultRestBaseURL || cfg.Exchange.WSBaseURL != DefaultWSBaseURL {
		t.Fatalf("exchange urls = %q %q", cfg.Exchange.RestBaseURL, cfg.Exchange.WSBaseURL)
	}
	if !cfg.Simulation.Commission.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("simulation.commission = %s, want 0.001", cfg.Simulation.Commission)
	}
	if cfg.CircuitBreaker.MaxPlaceFailures != 5 || cfg.CircuitBreaker.CooldownSec != 30 {
		t.Fatalf("circuit_breaker = %+v", cfg.CircuitBreaker)
	}
	if cfg.Log.Level != "info" || cfg.Journal.Dir != "" {
		t.Fatalf("log/journal = %+v %+v", cfg.Log, cfg.Journal)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "*" {
		t.Fatalf("server.cors_origins = %v, want [*]", cfg.Server.CORSOrigins)
	}
}

func TestLoadKeepsExplicitZeroCommission(t *testing.T) {
	path := writeTempConfig(t, `
simulation:
  commission: "0"
`)
	cfg, err := Load(path, writeEmptyEnv(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Simulation.Commission.IsZero() {
		t.Fatalf("simulation.commission = %s, want 0", cfg.Simulation.Commission)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HARMONY_ADDRESS", "0.0.0.0:8080")
	t.Setenv("CERT_PATH", "/tmp/cert.pem")
	t.Setenv("KEY_PATH", "/tmp/key.pem")
	t.Setenv("HARMONY_SIM_COMMISSION", "0.00075")
	t.Setenv("HARMONY_LOG_LEVEL", "DEBUG")
	path := writeTempConfig(t, `
server:
  address: 127.0.0.1:9000
`)
	cfg, err := Load(path, writeEmptyEnv(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address != "0.0.0.0:8080" {
		t.Fatalf("server.address = %q, want env override", cfg.Server.Address)
	}
	if !cfg.Server.TLS() {
		t.Fatalf("server.TLS() = false, want true from CERT_PATH/KEY_PATH")
	}
	if !cfg.Simulation.Commission.Equal(decimal.RequireFromString("0.00075")) {
		t.Fatalf("simulation.commission = %s, want 0.00075", cfg.Simulation.Commission)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log.level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadEnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "harmony.env")
	if err := os.WriteFile(envPath, []byte("HARMONY_JOURNAL_DIR=journal-test\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("HARMONY_JOURNAL_DIR") })
	cfg, err := Load("", envPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Journal.Dir != "journal-test" {
		t.Fatalf("journal.dir = %q, want journal-test", cfg.Journal.Dir)
	}
}

func TestLoadDisableWS(t *testing.T) {
	path := writeTempConfig(t, `
exchange:
  rest_base_url: https://testnet.binance.vision/
  disable_ws: true
`)
	cfg, err := Load(path, writeEmptyEnv(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.WSBaseURL != "" {
		t.Fatalf("exchange.ws_base_url = %q, want empty", cfg.Exchange.WSBaseURL)
	}
	if cfg.Exchange.RestBaseURL != "https://testnet.binance.vision" {
		t.Fatalf("exchange.rest_base_url = %q, want trailing slash trimmed", cfg.Exchange.RestBaseURL)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field": `
server:
  port: 1
`,
		"multiple documents": `
log:
  level: info
---
log:
  level: debug
`,
		"bad commission": `
simulation:
  commission: "1"
`,
		"bad decimal": `
simulation:
  commission: abc
`,
		"half tls": `
server:
  cert_path: /tmp/cert.pem
`,
		"bad prefix": `
exchange:
  client_order_prefix: "has-dash"
`,
		"bad ws scheme": `
exchange:
  ws_base_url: https://example.com
`,
		"telegram without token": `
observability:
  telegram:
    enabled: true
    chat_id: "1"
`,
		"bad log level": `
log:
  level: trace
`,
		"breaker cooldown": `
circuit_breaker:
  enabled: true
  cooldown_sec: 7200
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeTempConfig(t, content), writeEmptyEnv(t)); err == nil {
				t.Fatalf("Load() error = nil, want rejection")
			}
		})
	}
}
