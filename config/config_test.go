package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthState.Backend != BackendDatabase || cfg.AuthState.Workers != 16 {
		t.Fatalf("unexpected authstate defaults %+v", cfg.AuthState)
	}
	if cfg == DefaultAppConfig {
		t.Fatal("LoadConfig must not hand out the shared defaults")
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "waauth.yml")
	yml := `
system:
  workdir: ` + dir + `
database:
  type: sqlite
  name: test.db
authstate:
  backend: file
  dir: sessions
  workers: 4
`
	if err := os.WriteFile(file, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WAAUTH_AUTHSTATE_WORKERS", "8")
	t.Setenv("WAAUTH_WEB_PORT", "9090")
	t.Setenv("WAAUTH_SYSTEM_DEBUG", "false")
	t.Setenv("WAAUTH_DB_PORT", "not-a-number")

	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Type != "sqlite" || cfg.Database.Name != "test.db" {
		t.Fatalf("file values not applied: %+v", cfg.Database)
	}
	if cfg.Database.Port != 5432 {
		t.Fatalf("invalid env value must be ignored, port %d", cfg.Database.Port)
	}
	if cfg.AuthState.Backend != BackendFile || cfg.AuthState.Workers != 8 {
		t.Fatalf("authstate %+v", cfg.AuthState)
	}
	if cfg.Web.Port != 9090 || cfg.System.Debug {
		t.Fatalf("env overrides not applied: port=%d debug=%v", cfg.Web.Port, cfg.System.Debug)
	}
	if got := cfg.GetAuthDir(); got != filepath.Join(dir, "sessions") {
		t.Fatalf("auth dir %s", got)
	}
	if got := cfg.GetBoltFile(); got != filepath.Join(dir, "data", "authstate.db") {
		t.Fatalf("bolt file %s", got)
	}
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	t.Setenv("WAAUTH_AUTHSTATE_BACKEND", "redis")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(file, []byte("system: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(file); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "out.yml")
	cfg := *DefaultAppConfig
	cfg.AuthState.Backend = BackendBolt
	cfg.AuthState.BoltFile = "/srv/auth.db"
	if err := SaveConfig(&cfg, file); err != nil {
		t.Fatalf("save: %v", err)
	}
	back, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if back.AuthState != cfg.AuthState {
		t.Fatalf("got %+v, want %+v", back.AuthState, cfg.AuthState)
	}
	if back.GetBoltFile() != "/srv/auth.db" {
		t.Fatalf("absolute bolt path rewritten: %s", back.GetBoltFile())
	}
}
