package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("ledger:\n  endpoint: http://localhost:9000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Port != 8080 {
		t.Fatalf("expected default service port 8080, got %d", cfg.Service.Port)
	}
	if cfg.Sync.IntervalSeconds != 300 {
		t.Fatalf("expected default sync interval 300s, got %d", cfg.Sync.IntervalSeconds)
	}
	if cfg.Sync.MaxConcurrentHTTP != 5 {
		t.Fatalf("expected default N_http of 5, got %d", cfg.Sync.MaxConcurrentHTTP)
	}
}

func TestLoadRequiresLedgerEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("service:\n  port: 9090\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when ledger.endpoint is missing")
	}
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("ledger:\n  endpoint: http://localhost:9000\nservice:\n  port: 9090\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SERVICE_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Port != 7070 {
		t.Fatalf("expected env override to win, got port %d", cfg.Service.Port)
	}
}

func TestResolveMnemonicPrefersFile(t *testing.T) {
	dir := t.TempDir()
	mnemonicPath := filepath.Join(dir, "mnemonic.txt")
	if err := os.WriteFile(mnemonicPath, []byte("abandon abandon abandon\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	w := WalletConfig{Mnemonic: "inline", MnemonicFile: mnemonicPath}

	got, err := w.ResolveMnemonic()
	if err != nil {
		t.Fatalf("ResolveMnemonic: %v", err)
	}
	if got != "abandon abandon abandon" {
		t.Fatalf("expected mnemonic file contents, got %q", got)
	}
}
