package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":5000" || cfg.DBDriver != "sqlite" || cfg.StorageBackend != "disk" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RoomInactivity != 7*24*time.Hour || cfg.PreviewTimeout != 3*time.Second {
		t.Fatalf("unexpected durations: %v %v", cfg.RoomInactivity, cfg.PreviewTimeout)
	}
	if cfg.OllamaEnabled || cfg.OpenAIEnabled {
		t.Fatalf("providers must default to disabled")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OLLAMA_MODEL", "llama3:latest")
	t.Setenv("OLLAMA_ENABLED", "true")
	t.Setenv("GC_INTERVAL", "15m")
	t.Setenv("CHAT_CONTEXT_WINDOW_SIZE", "8")

	cfg, err := load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OllamaModel != "llama3:latest" || !cfg.OllamaEnabled {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.GCInterval != 15*time.Minute || cfg.ChatContextWindowSize != 8 {
		t.Fatalf("env not applied: %v %d", cfg.GCInterval, cfg.ChatContextWindowSize)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("STORAGE_BACKEND=s3\nS3_BUCKET=chat\nREDIS_ADDR=127.0.0.1:6379\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	cfg, err := load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageBackend != "s3" || cfg.S3Bucket != "chat" || cfg.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("env file not applied: %+v", cfg)
	}
}

func TestLoad_MissingEnvFileIsFine(t *testing.T) {
	if _, err := load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing env file must be ignored: %v", err)
	}
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "s3")
	if _, err := load(""); err == nil {
		t.Fatalf("expected error for s3 without bucket")
	}
}
