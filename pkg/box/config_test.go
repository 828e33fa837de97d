package box

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	boxPath := filepath.Join(t.TempDir(), "box")
	cfg := Config{
		Backend: "vault",
		KeyID:   "backup-key",
		Params:  map[string]string{"vault-path": "/srv/vault", "retrieval-delay": "4h"},
	}
	if configExists(boxPath) {
		t.Fatal("config should not exist yet")
	}
	if err := saveConfig(boxPath, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !configExists(boxPath) {
		t.Fatal("config should exist after save")
	}

	got, err := loadConfig(boxPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Backend != cfg.Backend || got.KeyID != cfg.KeyID {
		t.Fatalf("got %+v, want %+v", got, cfg)
	}
	for k, v := range cfg.Params {
		if got.Params[k] != v {
			t.Fatalf("param %s = %q, want %q", k, got.Params[k], v)
		}
	}

	// The document is a flat, human-inspectable mapping.
	raw, err := os.ReadFile(configPath(boxPath))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"backend: vault", "key-id: backup-key", "vault-path: /srv/vault"} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("config document missing %q:\n%s", want, raw)
		}
	}
}

func TestConfigValidation(t *testing.T) {
	boxPath := t.TempDir()
	if err := saveConfig(boxPath, Config{KeyID: "k"}); err == nil {
		t.Fatal("expected error for missing backend")
	}
	if err := saveConfig(boxPath, Config{Backend: "folder"}); err == nil {
		t.Fatal("expected error for missing key-id")
	}
	err := saveConfig(boxPath, Config{
		Backend: "folder",
		KeyID:   "k",
		Params:  map[string]string{"backend": "evil"},
	})
	if err == nil {
		t.Fatal("expected error for reserved param key")
	}
}

func TestSaveConfigLeavesNoPartialFile(t *testing.T) {
	boxPath := filepath.Join(t.TempDir(), "box")
	if err := saveConfig(boxPath, Config{Backend: "folder", KeyID: "k"}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(boxPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".config-") {
			t.Fatalf("temp config file left behind: %s", entry.Name())
		}
	}
}
