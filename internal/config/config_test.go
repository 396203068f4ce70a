package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file should fall back to defaults: %v", err)
	}

	if cfg.Server.Port != 25565 {
		t.Errorf("expected default server port 25565, got %d", cfg.Server.Port)
	}
	if cfg.Monitor.CheckInterval != 30 {
		t.Errorf("expected default check interval 30, got %d", cfg.Monitor.CheckInterval)
	}
	if cfg.Monitor.OfflineThreshold != 3 {
		t.Errorf("expected default offline threshold 3, got %d", cfg.Monitor.OfflineThreshold)
	}
	if cfg.Query.FailureCeiling != 5 {
		t.Errorf("expected default failure ceiling 5, got %d", cfg.Query.FailureCeiling)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "supervisor.yaml")
	data := `
server:
  working_dir: /srv/minecraft
  launch: direct
  jar_file: paper.jar
  java_heap: 4G
  port: 25570
rcon:
  enabled: true
  password: hunter2
monitor:
  inactivity_timeout_minutes: 15
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Launch != LaunchDirect {
		t.Errorf("expected direct launch, got %s", cfg.Server.Launch)
	}
	if cfg.Server.JarFile != "paper.jar" {
		t.Errorf("expected jar paper.jar, got %s", cfg.Server.JarFile)
	}
	if cfg.Server.Port != 25570 {
		t.Errorf("expected port 25570, got %d", cfg.Server.Port)
	}
	if cfg.Monitor.InactivityTimeout != 15 {
		t.Errorf("expected inactivity timeout 15, got %d", cfg.Monitor.InactivityTimeout)
	}
	// Values not in the file keep their defaults.
	if cfg.Server.StopCommand != "stop" {
		t.Errorf("expected default stop command, got %s", cfg.Server.StopCommand)
	}
}

func TestValidateRejectsBadLaunchMode(t *testing.T) {
	cfg := Default()
	cfg.Rcon.Password = "x"
	cfg.Server.Launch = "tmux"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unknown launch mode")
	}
}

func TestValidateRejectsRconWithoutPassword(t *testing.T) {
	cfg := Default()
	cfg.Rcon.Enabled = true
	cfg.Rcon.Password = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for enabled rcon without password")
	}
}

func TestValidateRejectsBadCron(t *testing.T) {
	cfg := Default()
	cfg.Rcon.Enabled = false
	cfg.Server.RestartSchedule = "not a cron spec"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for bad restart schedule")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RCON_PASSWORD", "from-env")
	t.Setenv("SERVER_PORT", "25600")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Rcon.Password != "from-env" {
		t.Errorf("expected rcon password from env, got %q", cfg.Rcon.Password)
	}
	if cfg.Server.Port != 25600 {
		t.Errorf("expected server port 25600 from env, got %d", cfg.Server.Port)
	}
}
