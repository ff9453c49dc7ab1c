package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// inTempDir переводит тест в пустую директорию, чтобы config/*.yaml и .env репозитория не мешали.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	t.Setenv("APP_ENV", "production") // без .env из родительских директорий
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://example.test")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/x")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)
	cfg := Load()
	if cfg.ServerAddr != ":8080" {
		t.Errorf("ServerAddr = %q", cfg.ServerAddr)
	}
	if cfg.Sync.SendMaxAttempts != 3 || cfg.Sync.SendRetryBase != 500*time.Millisecond {
		t.Errorf("sync defaults = %+v", cfg.Sync)
	}
	if cfg.Sync.TypingTTL != 3*time.Second {
		t.Errorf("TypingTTL = %v", cfg.Sync.TypingTTL)
	}
	if cfg.Redis.URL != "" {
		t.Errorf("Redis.URL = %q, want empty (in-process bus)", cfg.Redis.URL)
	}
	if cfg.DBMaxConnections() != 20 {
		t.Errorf("DBMaxConnections = %d", cfg.DBMaxConnections())
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "relay.yaml")
	yml := "server_addr: \":9000\"\nsend_max_attempts: 7\nrelay_url: \"http://relay:9000/\"\nredis_url: \"redis://yaml:6379\"\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("SEND_MAX_ATTEMPTS", "4")

	cfg := Load()
	if cfg.ServerAddr != ":9000" {
		t.Errorf("ServerAddr = %q, want yaml value", cfg.ServerAddr)
	}
	if cfg.Sync.SendMaxAttempts != 4 {
		t.Errorf("SendMaxAttempts = %d, want env value 4", cfg.Sync.SendMaxAttempts)
	}
	if cfg.Client.RelayURL != "http://relay:9000" {
		t.Errorf("RelayURL = %q", cfg.Client.RelayURL)
	}
	if cfg.Redis.URL != "redis://yaml:6379" {
		t.Errorf("Redis.URL = %q", cfg.Redis.URL)
	}
}

func TestEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("X_TEST_INT", "abc")
	if got := envInt("X_TEST_INT", 5); got != 5 {
		t.Errorf("envInt = %d, want fallback", got)
	}
}
