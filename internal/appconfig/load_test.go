package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 3
state_dir: /state
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsUnsupportedBackend(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
state_dir: /state
store:
  backend: nope
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported store.backend") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestLoadRequiresFeedPathForFileSource(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
state_dir: /state
host:
  source: file
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "host.feed_path") {
		t.Fatalf("expected feed_path error, got %v", err)
	}
}

func TestLoadRejectsInvalidSettingsDefaults(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
state_dir: /state
settings:
  server_url: ftp://example.com
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "settings") {
		t.Fatalf("expected settings error, got %v", err)
	}
}

func TestLoadRejectsInvalidBasePath(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
state_dir: /state
http:
  base_path: https://example.com/tanaka
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "http.base_path") {
		t.Fatalf("expected base_path error, got %v", err)
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	t.Setenv("TANAKA_TEST_STATE", "/var/lib/tanaka")
	path := writeConfig(t, `
config_version: 1
state_dir: $TANAKA_TEST_STATE
store:
  backend: sqlite
engine:
  debounce_ms: 500
  origin: laptop
settings:
  server_url: https://sync.example.com
  sync_interval_ms: 60000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDir != "/var/lib/tanaka" {
		t.Fatalf("expected expanded state dir, got %q", cfg.StateDir)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Fatalf("expected sqlite backend, got %q", cfg.Store.Backend)
	}
	if cfg.Engine.DebounceMs != 500 || cfg.Engine.Origin != "laptop" {
		t.Fatalf("unexpected engine config %+v", cfg.Engine)
	}
	if cfg.Engine.BackoffBaseMs != 2000 {
		t.Fatalf("expected default backoff base, got %d", cfg.Engine.BackoffBaseMs)
	}
	if cfg.Settings.SyncIntervalMs != 60000 {
		t.Fatalf("expected interval override, got %d", cfg.Settings.SyncIntervalMs)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("expected version %d, got %d", CurrentConfigVersion, cfg.ConfigVersion)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("written default does not load: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
