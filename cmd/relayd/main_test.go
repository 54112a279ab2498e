package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("default config should load: %v", err)
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		t.Error("shutdown timeout should be positive")
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	if err := os.WriteFile(path, []byte(`{"http":{"shutdown_timeout":"5s"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("config file should load: %v", err)
	}
	if cfg.HTTP.ShutdownTimeout != 5*time.Second {
		t.Errorf("expected 5s shutdown timeout, got %v", cfg.HTTP.ShutdownTimeout)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing config file should fail")
	}
}
