package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8780 {
		t.Errorf("default Port = %d, want 8780", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default Host = %s, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Environment.Runtime != RuntimeProcess {
		t.Errorf("default Runtime = %s, want process", cfg.Environment.Runtime)
	}
	if cfg.Environment.RootDir != filepath.Join(home, ".wsgate", "environments") {
		t.Errorf("default RootDir = %s", cfg.Environment.RootDir)
	}
	if cfg.Environment.IdleTimeout != 30*time.Minute {
		t.Errorf("default IdleTimeout = %v, want 30m", cfg.Environment.IdleTimeout)
	}
	if cfg.Environment.SampleInterval != 5*time.Second {
		t.Errorf("default SampleInterval = %v, want 5s", cfg.Environment.SampleInterval)
	}
	if cfg.Terminal.MaxSessionsPerEnvironment != 8 {
		t.Errorf("default MaxSessionsPerEnvironment = %d, want 8", cfg.Terminal.MaxSessionsPerEnvironment)
	}
	if cfg.Preview.MaxPreviewsPerEnvironment != 1 {
		t.Errorf("default MaxPreviewsPerEnvironment = %d, want 1", cfg.Preview.MaxPreviewsPerEnvironment)
	}
	if cfg.Preview.ReadyTimeout != 60*time.Second {
		t.Errorf("default ReadyTimeout = %v, want 60s", cfg.Preview.ReadyTimeout)
	}
	if cfg.Collab.Store != StoreSQLite {
		t.Errorf("default Collab.Store = %s, want sqlite", cfg.Collab.Store)
	}
	if cfg.Collab.SQLitePath != filepath.Join(home, ".wsgate", "documents.db") {
		t.Errorf("default SQLitePath = %s", cfg.Collab.SQLitePath)
	}
	if !cfg.Watcher.Enabled {
		t.Error("default Watcher.Enabled should be true")
	}
}

func TestLoad_FromFile(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("HOME", tempDir)

	configContent := `
server:
  port: 9000
  host: "0.0.0.0"

environment:
  runtime: docker
  root_dir: "` + filepath.Join(tempDir, "envs") + `"
  idle_timeout: 5m
  docker:
    image: node:20

terminal:
  max_sessions_per_environment: 3
  shell: /bin/sh

collab:
  store: postgres
  postgres_dsn: postgres://localhost/wsgate

logging:
  level: debug
  format: json
`
	configPath := filepath.Join(tempDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Environment.Runtime != RuntimeDocker {
		t.Errorf("Runtime = %s, want docker", cfg.Environment.Runtime)
	}
	if cfg.Environment.Docker.Image != "node:20" {
		t.Errorf("Docker.Image = %s, want node:20", cfg.Environment.Docker.Image)
	}
	if cfg.Environment.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.Environment.IdleTimeout)
	}
	if cfg.Terminal.MaxSessionsPerEnvironment != 3 {
		t.Errorf("MaxSessionsPerEnvironment = %d, want 3", cfg.Terminal.MaxSessionsPerEnvironment)
	}
	if cfg.Collab.Store != StorePostgres {
		t.Errorf("Collab.Store = %s, want postgres", cfg.Collab.Store)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %s, want json", cfg.Logging.Format)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("WSGATE_SERVER_PORT", "9123")
	t.Setenv("WSGATE_ENVIRONMENT_IDLE_TIMEOUT", "45m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9123 {
		t.Errorf("Server.Port = %d, want 9123", cfg.Server.Port)
	}
	if cfg.Environment.IdleTimeout != 45*time.Minute {
		t.Errorf("IdleTimeout = %v, want 45m", cfg.Environment.IdleTimeout)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("server: [unterminated"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Load() should fail on invalid YAML")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("HOME", tempDir)

	configPath := filepath.Join(tempDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("environment:\n  runtime: firecracker\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Load() should reject an unknown runtime")
	}
}

func TestSkipDirectoriesSet(t *testing.T) {
	set := SkipDirectoriesSet(nil)
	if !set["node_modules"] {
		t.Error("default set should contain node_modules")
	}

	custom := SkipDirectoriesSet([]string{"tmp"})
	if !custom["tmp"] || custom["node_modules"] {
		t.Errorf("custom set = %v, want only tmp", custom)
	}
}

func TestGetConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir, err := EnsureConfigDir()
	if err != nil {
		t.Fatalf("EnsureConfigDir() error = %v", err)
	}
	if dir != filepath.Join(home, ".wsgate") {
		t.Errorf("dir = %s", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("config dir was not created")
	}
}

func TestDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults() error = %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Defaults() do not validate: %v", err)
	}
	if cfg.Gateway.SendBuffer != 1024 {
		t.Errorf("default SendBuffer = %d, want 1024", cfg.Gateway.SendBuffer)
	}
	if cfg.Collab.SQLitePath == "" {
		t.Error("default SQLitePath should be derived from the environment root")
	}
}
