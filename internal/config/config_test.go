package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/erilali/studybuddy/internal/message"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Port != 3001 {
		t.Errorf("expected port 3001, got %d", cfg.Port)
	}
	if cfg.Lobby.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %q", cfg.Lobby.Backend)
	}
	if cfg.Presence.SweepInterval != 60*time.Second {
		t.Errorf("expected 60s sweep, got %s", cfg.Presence.SweepInterval)
	}
	if cfg.Presence.StaleAfter != 2*time.Minute {
		t.Errorf("expected 2m staleness, got %s", cfg.Presence.StaleAfter)
	}
	if cfg.Lobby.PurgeAfter != 24*time.Hour {
		t.Errorf("expected 24h purge, got %s", cfg.Lobby.PurgeAfter)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STUDYBUDDY_CONFIG", "")
	t.Setenv("STUDYBUDDY_PORT", "4100")
	t.Setenv("STUDYBUDDY_PRESENCE_STALE_AFTER", "90s")
	t.Setenv("STUDYBUDDY_WS_ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 4100 {
		t.Errorf("expected port 4100, got %d", cfg.Port)
	}
	if cfg.Presence.StaleAfter != 90*time.Second {
		t.Errorf("expected 90s, got %s", cfg.Presence.StaleAfter)
	}
	if len(cfg.WS.AllowedOrigins) != 2 || cfg.WS.AllowedOrigins[1] != "http://b.test" {
		t.Errorf("unexpected origins %v", cfg.WS.AllowedOrigins)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	content := "port: 5000\nlobby:\n  backend: http\n  api_url: http://lobbies.test/api/lobbies\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STUDYBUDDY_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 5000 || cfg.Lobby.Backend != BackendHTTP || cfg.Log.Level != "debug" {
		t.Errorf("file values not applied: %+v", cfg)
	}
}

func TestValidateRejectsIncompleteBackends(t *testing.T) {
	cfg := Default()
	cfg.Lobby.Backend = BackendPostgres
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for postgres backend without database.url")
	}

	cfg = Default()
	cfg.Lobby.Backend = "mongo"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestValidateRejectsSmallFrameLimit(t *testing.T) {
	cfg := Default()
	if cfg.WS.MaxMessageSize != message.MaxFrameSize {
		t.Errorf("expected default frame limit %d, got %d", message.MaxFrameSize, cfg.WS.MaxMessageSize)
	}

	cfg.WS.MaxMessageSize = 4096
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for a frame limit below a full chat message")
	}
}

func TestMetricsSection(t *testing.T) {
	cfg := Default()
	if cfg.Metrics.Enabled || cfg.Metrics.ServiceName != "studybuddy" || cfg.Metrics.Interval != 30*time.Second {
		t.Errorf("unexpected metrics defaults %+v", cfg.Metrics)
	}

	t.Setenv("STUDYBUDDY_CONFIG", "")
	t.Setenv("STUDYBUDDY_METRICS_ENABLED", "true")
	t.Setenv("STUDYBUDDY_METRICS_OTLP_ENDPOINT", "collector:4317")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Endpoint != "collector:4317" {
		t.Errorf("metrics env not applied: %+v", cfg.Metrics)
	}

	cfg.Metrics.Interval = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for enabled metrics without an interval")
	}
}
