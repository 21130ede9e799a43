package app

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("COLLAB_CONFIG_FILE", "")
	t.Setenv("COLLAB_HTTP_ADDR", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:8080" || !cfg.StrictTransitions || cfg.DBSchema != "collab" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.WSRateWindow != 10*time.Second || cfg.MaxBodyBytes != 64<<10 {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	body := `
http_addr: "127.0.0.1:9000"
log_format: pretty
strict_transitions: false
kafka_brokers: ["k1:9092", "k2:9092"]
ws_rate_window: 30s
redis_addr: "file-redis:6379"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("COLLAB_CONFIG_FILE", path)
	t.Setenv("COLLAB_HTTP_ADDR", "")
	t.Setenv("COLLAB_REDIS_ADDR", "env-redis:6379")
	t.Setenv("COLLAB_WS_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "127.0.0.1:9000" || cfg.LogFormat != "pretty" || cfg.StrictTransitions {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.KafkaBrokers, []string{"k1:9092", "k2:9092"}) || cfg.WSRateWindow != 30*time.Second {
		t.Fatalf("file lists/durations not applied: %+v", cfg)
	}
	if cfg.RedisAddr != "env-redis:6379" {
		t.Fatalf("env must override file: %q", cfg.RedisAddr)
	}
	if !reflect.DeepEqual(cfg.WSAllowedOrigins, []string{"https://a.example.com", "https://b.example.com"}) {
		t.Fatalf("unexpected ws origins: %v", cfg.WSAllowedOrigins)
	}
	if cfg.LogLevel != "info" || cfg.KafkaTopic != "offer-events" {
		t.Fatalf("defaults must survive a partial file: %+v", cfg)
	}
}

func TestLoadConfig_BadFile(t *testing.T) {
	t.Setenv("COLLAB_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for missing config file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("http_addr: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("COLLAB_CONFIG_FILE", path)
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("COLLAB_TEST_CSV", " a, b ,,c ")
	t.Setenv("COLLAB_TEST_BLANK_CSV", " , ")
	t.Setenv("COLLAB_TEST_INT", "-3")
	t.Setenv("COLLAB_TEST_DUR", "nope")
	t.Setenv("COLLAB_TEST_BOOL", "false")

	if got := EnvCSV("COLLAB_TEST_CSV", nil); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("EnvCSV=%v", got)
	}
	if got := EnvCSV("COLLAB_TEST_BLANK_CSV", []string{"d"}); !reflect.DeepEqual(got, []string{"d"}) {
		t.Fatalf("EnvCSV blank=%v", got)
	}
	if got := EnvInt("COLLAB_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt negative=%d", got)
	}
	if got := EnvDuration("COLLAB_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration invalid=%v", got)
	}
	if got := EnvBool("COLLAB_TEST_BOOL", true); got {
		t.Fatalf("EnvBool=%v", got)
	}
}
