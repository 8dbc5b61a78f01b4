package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadJSONWithComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{
		// trimmed for tests
		"server_address": ":9000",
		"databases": {"sqlite3": {"dsn": "ledger.db"}},
		"scheduler": {"global_concurrency": 2, "per_chat_backlog": 5},
		"storage": {"work_root": "work"},
		"retry": {"attempts": 5, "base_delay": "250ms"},
		"timeouts": {"retrieve": 120},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerAddress != ":9000" {
		t.Fatalf("server address = %q", cfg.ServerAddress)
	}
	if cfg.Scheduler.GlobalConcurrency != 2 || cfg.Scheduler.PerChatBacklog != 5 {
		t.Fatalf("scheduler not decoded: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.PerChatConcurrency != 1 {
		t.Fatalf("expected default per-chat concurrency, got %d", cfg.Scheduler.PerChatConcurrency)
	}
	if cfg.Retry.Attempts != 5 || cfg.Retry.BaseDelay.Std() != 250*time.Millisecond {
		t.Fatalf("retry not decoded: %+v", cfg.Retry)
	}
	if cfg.Timeouts.Retrieve.Std() != 2*time.Minute {
		t.Fatalf("numeric duration should be seconds, got %s", cfg.Timeouts.Retrieve.Std())
	}
	if want := filepath.Join(dir, "work"); cfg.Storage.WorkRoot != want {
		t.Fatalf("work root = %q, want %q", cfg.Storage.WorkRoot, want)
	}
	if want := filepath.Join(dir, "ledger.db"); cfg.Databases["sqlite3"].DSN != want {
		t.Fatalf("dsn = %q, want %q", cfg.Databases["sqlite3"].DSN, want)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, strings.Join([]string{
		"scheduler:",
		"  global_concurrency: 8",
		"  per_chat_concurrency: 2",
		"timeouts:",
		"  kill_grace: 3s",
		"telegram:",
		"  api_endpoint: http://bot-api:8081/bot%s/%s",
	}, "\n"))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.GlobalConcurrency != 8 || cfg.Scheduler.PerChatConcurrency != 2 {
		t.Fatalf("scheduler not decoded: %+v", cfg.Scheduler)
	}
	if cfg.Timeouts.KillGrace.Std() != 3*time.Second {
		t.Fatalf("kill grace = %s", cfg.Timeouts.KillGrace.Std())
	}
	if cfg.Telegram.APIEndpoint != "http://bot-api:8081/bot%s/%s" {
		t.Fatalf("endpoint = %q", cfg.Telegram.APIEndpoint)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{}`)
	t.Setenv("MEDIABOT_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("MEDIABOT_GLOBAL_CONCURRENCY", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token override not applied")
	}
	if cfg.Scheduler.GlobalConcurrency != 7 {
		t.Fatalf("concurrency override not applied: %d", cfg.Scheduler.GlobalConcurrency)
	}
}

func TestValidateRejectsZeroCaps(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.GlobalConcurrency = 0
	cfg.Retry.Attempts = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "global_concurrency") || !strings.Contains(err.Error(), "retry.attempts") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
