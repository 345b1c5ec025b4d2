package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"SERVER_ADDRESS", "SERVER_PORT", "WORKFLOW_PATH", "EXECUTION_TIMEOUT",
		"STORAGE_PROVIDER", "WORKER_MODE", "HTTP_PROBE_ATTEMPTS", "WS_HANDSHAKE_ATTEMPTS"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ServerAddress != "127.0.0.1" {
		t.Errorf("ServerAddress = %q", cfg.ServerAddress)
	}
	if cfg.ServerPort != 8188 {
		t.Errorf("ServerPort = %d", cfg.ServerPort)
	}
	if cfg.ProbeAttempts != 180 || cfg.ProbeInterval != time.Second {
		t.Errorf("probe = %d x %s", cfg.ProbeAttempts, cfg.ProbeInterval)
	}
	if cfg.HandshakeAttempts != 60 || cfg.HandshakeInterval != 5*time.Second {
		t.Errorf("handshake = %d x %s", cfg.HandshakeAttempts, cfg.HandshakeInterval)
	}
	if cfg.WorkflowPath != "/new-workflow.json" {
		t.Errorf("WorkflowPath = %q", cfg.WorkflowPath)
	}
	if cfg.ExecutionTimeout != 30*time.Minute {
		t.Errorf("ExecutionTimeout = %s", cfg.ExecutionTimeout)
	}
	if cfg.StorageProvider != "auto" || cfg.WorkerMode != "http" {
		t.Errorf("provider/mode = %s/%s", cfg.StorageProvider, cfg.WorkerMode)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDRESS", "comfy.internal")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("EXECUTION_TIMEOUT", "120")
	t.Setenv("WS_HANDSHAKE_INTERVAL", "250ms")
	t.Setenv("UPLOAD_INPUT_IMAGE", "true")
	t.Setenv("STORAGE_PROVIDER", "S3")
	t.Setenv("WORKER_MODE", "asynq")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ServerAddress != "comfy.internal" || cfg.ServerPort != 9000 {
		t.Errorf("server = %s:%d", cfg.ServerAddress, cfg.ServerPort)
	}
	if cfg.ExecutionTimeout != 2*time.Minute {
		t.Errorf("ExecutionTimeout = %s", cfg.ExecutionTimeout)
	}
	if cfg.HandshakeInterval != 250*time.Millisecond {
		t.Errorf("HandshakeInterval = %s", cfg.HandshakeInterval)
	}
	if !cfg.UploadInputImage {
		t.Error("UploadInputImage should be true")
	}
	if cfg.StorageProvider != "s3" || cfg.WorkerMode != "asynq" {
		t.Errorf("provider/mode = %s/%s", cfg.StorageProvider, cfg.WorkerMode)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"port", "SERVER_PORT", "70000"},
		{"probe attempts", "HTTP_PROBE_ATTEMPTS", "0"},
		{"storage", "STORAGE_PROVIDER", "ftp"},
		{"mode", "WORKER_MODE", "cron"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}
