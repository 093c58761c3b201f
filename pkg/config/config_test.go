package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Checkpoint.Backend != "file" {
		t.Errorf("expected file backend, got %s", cfg.Checkpoint.Backend)
	}
	if cfg.Session.TTL.Std() != 3*time.Hour {
		t.Errorf("expected 3h ttl, got %v", cfg.Session.TTL)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Server.Addr)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	tmpDir := t.TempDir()

	validConfig := `
model: gpt-4o-mini
openai_key: test-key
checkpoint:
  backend: redis
  redis_addr: redis:6379
session:
  ttl: 1h
`

	validFile := filepath.Join(tmpDir, "valid.yaml")
	err := os.WriteFile(validFile, []byte(validConfig), 0600)
	if err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	cfg, err := LoadConfig(validFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model != "gpt-4o-mini" {
		t.Errorf("expected model 'gpt-4o-mini', got %s", cfg.Model)
	}
	if cfg.Checkpoint.Backend != "redis" {
		t.Errorf("expected redis backend, got %s", cfg.Checkpoint.Backend)
	}
	if cfg.Session.TTL.Std() != time.Hour {
		t.Errorf("expected 1h ttl, got %v", cfg.Session.TTL)
	}
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()

	invalidYAML := `
model: gpt-4o
invalid yaml here: [[[
`

	invalidFile := filepath.Join(tmpDir, "invalid.yaml")
	err := os.WriteFile(invalidFile, []byte(invalidYAML), 0600)
	if err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	_, err = LoadConfig(invalidFile)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.OpenAIKey = "test-key"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Checkpoint.Backend = "dynamo"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown backend")
	}
}
