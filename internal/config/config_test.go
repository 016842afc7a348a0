package config_test

import (
	"os"
	"strings"
	"testing"

	"github.com/chansock/chansock/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
listen_addr: ":9090"
allowed_origins:
  - "https://chat.example.com"
jwt_secret: "jwt-secret"
csrf_key: "csrf-key"
history_path: "/var/lib/chat/history.db"
history_limit: 100
log_level: debug
`

func TestLoadConfig_Valid(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://chat.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.JWTSecret != "jwt-secret" {
		t.Errorf("JWTSecret = %q", cfg.JWTSecret)
	}
	if cfg.CSRFKey != "csrf-key" {
		t.Errorf("CSRFKey = %q", cfg.CSRFKey)
	}
	if cfg.HistoryPath != "/var/lib/chat/history.db" {
		t.Errorf("HistoryPath = %q", cfg.HistoryPath)
	}
	if cfg.HistoryLimit != 100 {
		t.Errorf("HistoryLimit = %d, want 100", cfg.HistoryLimit)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	// An empty path yields the defaults.
	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("default ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.HistoryPath != "chat.db" {
		t.Errorf("default HistoryPath = %q, want %q", cfg.HistoryPath, "chat.db")
	}
	if cfg.HistoryLimit != 50 {
		t.Errorf("default HistoryLimit = %d, want 50", cfg.HistoryLimit)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.JWTSecret != "" || cfg.CSRFKey != "" {
		t.Error("security keys should default to disabled")
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "log_level: verbose\n")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "listen_addr: [unclosed\n")
	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("expected error for malformed YAML, got nil")
	}
}
