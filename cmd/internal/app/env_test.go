package app

import (
	"os"
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("PULSE_TEST_STR", "  value ")
	t.Setenv("PULSE_TEST_BOOL", "true")
	t.Setenv("PULSE_TEST_BAD_BOOL", "maybe")
	t.Setenv("PULSE_TEST_INT", "42")
	t.Setenv("PULSE_TEST_NEG_INT", "-3")
	t.Setenv("PULSE_TEST_INT32", "0")
	t.Setenv("PULSE_TEST_DUR", "250ms")
	t.Setenv("PULSE_TEST_ZERO_DUR", "0s")

	if got := EnvString("PULSE_TEST_STR", "def"); got != "value" {
		t.Fatalf("EnvString=%q", got)
	}
	if got := EnvString("PULSE_TEST_UNSET", "def"); got != "def" {
		t.Fatalf("EnvString unset=%q", got)
	}
	if !EnvBool("PULSE_TEST_BOOL", false) {
		t.Fatalf("EnvBool should parse true")
	}
	if !EnvBool("PULSE_TEST_BAD_BOOL", true) {
		t.Fatalf("EnvBool should fall back on parse error")
	}
	if got := EnvInt("PULSE_TEST_INT", 1); got != 42 {
		t.Fatalf("EnvInt=%d", got)
	}
	if got := EnvInt("PULSE_TEST_NEG_INT", 7); got != 7 {
		t.Fatalf("EnvInt negative=%d want default", got)
	}
	if got := EnvInt32("PULSE_TEST_INT32", 9); got != 0 {
		t.Fatalf("EnvInt32=%d want 0", got)
	}
	if got := EnvDuration("PULSE_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Fatalf("EnvDuration=%v", got)
	}
	if got := EnvDuration("PULSE_TEST_ZERO_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration zero=%v want default", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{
		"PULSE_HTTP_ADDR", "PULSE_LOG_FORMAT", "PULSE_DATABASE_URL", "PULSE_SQLITE_PATH",
		"PULSE_DB_SCHEMA", "PULSE_DB_AUTO_MIGRATE", "PULSE_METRICS_ENABLED",
	} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.LogFormat != "json" || cfg.DBSchema != "pulse" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.AutoMigrate || !cfg.MetricsEnabled {
		t.Fatalf("auto-migrate and metrics should default on: %+v", cfg)
	}
	if cfg.DatabaseURL != "" || cfg.SQLitePath != "" {
		t.Fatalf("no durable store by default: %+v", cfg)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/.env"
	if err := os.WriteFile(path, []byte("PULSE_TEST_DOTENV=from_file\nPULSE_TEST_DOTENV_SET=from_file\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("PULSE_TEST_DOTENV", "")
	_ = os.Unsetenv("PULSE_TEST_DOTENV")
	t.Setenv("PULSE_TEST_DOTENV_SET", "from_env")

	LoadDotEnv(path, dir+"/missing.env")

	if got := EnvString("PULSE_TEST_DOTENV", ""); got != "from_file" {
		t.Fatalf("dotenv value not loaded: %q", got)
	}
	if got := EnvString("PULSE_TEST_DOTENV_SET", ""); got != "from_env" {
		t.Fatalf("existing env overridden: %q", got)
	}
}
