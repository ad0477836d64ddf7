package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/TobiSchelling/newsdigest/internal/cadence"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if len(cfg.Feeds.URLs) != 3 {
		t.Errorf("expected 3 default feeds, got %d", len(cfg.Feeds.URLs))
	}
	if cfg.Generation.Provider != "openai" {
		t.Errorf("expected provider 'openai', got %q", cfg.Generation.Provider)
	}
	if cfg.Feeds.Timeout != 30*time.Second {
		t.Errorf("expected feeds timeout 30s, got %s", cfg.Feeds.Timeout)
	}
	if cfg.Scheduler.Tolerance != 5*time.Minute {
		t.Errorf("expected tolerance 5m, got %s", cfg.Scheduler.Tolerance)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
generation:
  provider: ollama
  model: llama3
server:
  port: 9000
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("failed to parse minimal config: %v", err)
	}

	if cfg.Generation.Provider != "ollama" {
		t.Errorf("expected provider 'ollama', got %q", cfg.Generation.Provider)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	// Defaults should still be set for unspecified fields
	if cfg.Generation.MaxTokens != 1000 {
		t.Errorf("expected default max_tokens, got %d", cfg.Generation.MaxTokens)
	}
	if cfg.RateLimit.TokensPerMinute != 40000 {
		t.Errorf("expected default tokens_per_minute, got %d", cfg.RateLimit.TokensPerMinute)
	}
	if got := cfg.Cadences(); len(got) != 2 || got[0] != cadence.Hourly || got[1] != cadence.Daily {
		t.Errorf("expected default cadences [hourly daily], got %v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errHas string
	}{
		{"unknown cadence", "scheduler:\n  cadences: [weekly]\n", `unknown cadence "weekly"`},
		{"bad provider", "generation:\n  provider: bard\n", "generation.provider"},
		{"postgres without dsn", "database:\n  driver: postgres\n", "database.dsn"},
		{"max tokens over ceiling", "rate_limit:\n  tokens_per_minute: 500\n", "exceeds rate_limit.tokens_per_minute"},
		{"archive without bucket", "archive:\n  enabled: true\n", "archive.bucket"},
		{"empty feed url", "feeds:\n  urls:\n    - name: broken\n", "feeds.urls[0]"},
		{"port", "server:\n  port: 70000\n", "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.errHas) {
				t.Errorf("error %q does not mention %q", err, tt.errHas)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.Feeds.URLs) == 0 {
		t.Error("expected feeds to be populated from file")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("generation:\n  max_tokens: 0\n"), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestResolveConfigPathExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if _, err := ResolveConfigPath(path); err == nil {
		t.Fatal("expected error for missing explicit path")
	}
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	got, err := ResolveConfigPath(path)
	if err != nil || got != path {
		t.Fatalf("expected %q, got %q (%v)", path, got, err)
	}
}

func TestGetDatabasePath(t *testing.T) {
	cfg := &Config{}
	if !strings.HasSuffix(cfg.GetDatabasePath(), "newsdigest.db") {
		t.Errorf("unexpected default path %q", cfg.GetDatabasePath())
	}

	cfg.Database.Path = "/custom/path.db"
	if cfg.GetDatabasePath() != "/custom/path.db" {
		t.Errorf("expected '/custom/path.db', got %q", cfg.GetDatabasePath())
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { changes <- c }, zerolog.Nop())
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	updated := []byte(strings.Replace(string(DefaultConfigYAML), "port: 8000", "port: 9100", 1))
	if err := os.WriteFile(path, updated, 0o644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case c := <-changes:
		if c.Server.Port != 9100 {
			t.Errorf("expected reloaded port 9100, got %d", c.Server.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not delivered")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}
}
