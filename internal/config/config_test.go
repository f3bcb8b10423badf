package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/orchestra/internal/access"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{envConfigPath, envListenAddr, envDBPath, envLogLevel,
		envRedisURL, envDefaultTimeout, envEnforceConcurrency} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestra.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("Level = %v, want %v", cfg.Level(), slog.LevelInfo)
	}
	if cfg.Execution.DefaultTimeout != 30*time.Second || cfg.Execution.DefaultMaxRetries != 3 {
		t.Errorf("Execution = %+v", cfg.Execution)
	}
	if cfg.Notify.EventTTL != time.Hour || cfg.Notify.RedisURL != "" {
		t.Errorf("Notify = %+v", cfg.Notify)
	}
	if !cfg.Backend("langgraph").IsEnabled() {
		t.Error("backends should be enabled by default")
	}
	if _, ok := cfg.Access.Checker().(access.AllowAll); !ok {
		t.Errorf("default checker = %T, want AllowAll", cfg.Access.Checker())
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envRedisURL, "redis://localhost:6379/0")
	t.Setenv(envDefaultTimeout, "90s")
	t.Setenv(envEnforceConcurrency, "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level = %v, want %v", cfg.Level(), slog.LevelDebug)
	}
	if cfg.Notify.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", cfg.Notify.RedisURL)
	}
	if cfg.Execution.DefaultTimeout != 90*time.Second {
		t.Errorf("DefaultTimeout = %v, want 90s", cfg.Execution.DefaultTimeout)
	}
	if !cfg.Execution.EnforceConcurrency {
		t.Error("EnforceConcurrency = false, want true")
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envDefaultTimeout, "soon")
	if _, err := Load(""); err == nil {
		t.Error("Load accepted an unparseable timeout")
	}

	clearEnv(t)
	t.Setenv(envEnforceConcurrency, "maybe")
	if _, err := Load(""); err == nil {
		t.Error("Load accepted an unparseable bool")
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
listen_addr: ":7000"
log_level: warn
execution:
  default_timeout: 45s
  default_max_retries: 1
  enforce_concurrency: true
notify:
  channel_prefix: test
  event_ttl: 10m
backends:
  langgraph:
    runtime_url: http://localhost:9001
    runtime_timeout: 5s
  n8n:
    enabled: false
    step_scale: 0.5
access:
  enabled: true
  agents:
    agent-1: {owner_type: user, owner_id: alice}
  organizations:
    acme: [bob]
api:
  submit_rate: 5
  submit_burst: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":7000" || cfg.Level() != slog.LevelWarn {
		t.Errorf("ListenAddr/Level = %q/%v", cfg.ListenAddr, cfg.Level())
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("unset DBPath should keep its default, got %q", cfg.DBPath)
	}
	if cfg.Execution.DefaultTimeout != 45*time.Second || cfg.Execution.DefaultMaxRetries != 1 || !cfg.Execution.EnforceConcurrency {
		t.Errorf("Execution = %+v", cfg.Execution)
	}
	if cfg.Notify.ChannelPrefix != "test" || cfg.Notify.EventTTL != 10*time.Minute {
		t.Errorf("Notify = %+v", cfg.Notify)
	}

	lg := cfg.Backend("langgraph")
	if !lg.IsEnabled() || lg.RuntimeURL != "http://localhost:9001" || lg.RuntimeTimeout != 5*time.Second {
		t.Errorf("langgraph = %+v", lg)
	}
	n8n := cfg.Backend("n8n")
	if n8n.IsEnabled() || n8n.StepScale != 0.5 {
		t.Errorf("n8n = %+v", n8n)
	}

	checker := cfg.Access.Checker()
	if !checker.CanAccess("alice", access.Resource{AgentID: "agent-1"}) {
		t.Error("owner denied")
	}
	if checker.CanAccess("bob", access.Resource{AgentID: "agent-1"}) {
		t.Error("non-owner allowed")
	}
	if cfg.API.SubmitRate != 5 || cfg.API.SubmitBurst != 10 {
		t.Errorf("API = %+v", cfg.API)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "listen_addr: \":7000\"\n")
	t.Setenv(envConfigPath, path)
	t.Setenv(envListenAddr, ":7100")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7100" {
		t.Errorf("ListenAddr = %q, want env value", cfg.ListenAddr)
	}
}

func TestLoadFileErrors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load accepted a missing file")
	}
	if _, err := Load(writeConfig(t, "listen_adr: typo\n")); err == nil {
		t.Error("Load accepted an unknown key")
	}
	if _, err := Load(writeConfig(t, "execution:\n  default_max_retries: -2\n")); err == nil {
		t.Error("Load accepted negative retries")
	}
	if _, err := Load(writeConfig(t, "")); err != nil {
		t.Errorf("empty file: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
