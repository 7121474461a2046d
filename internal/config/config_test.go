package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
	if err.Error() != "database_url is required (env: DATABASE_URL)" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 6161 {
		t.Errorf("expected HTTPPort 6161, got %d", cfg.HTTPPort)
	}
	if cfg.GroupName != "default" {
		t.Errorf("expected GroupName default, got %s", cfg.GroupName)
	}
	if cfg.LeaseTTL != 15*time.Second {
		t.Errorf("expected LeaseTTL 15s, got %v", cfg.LeaseTTL)
	}
	if cfg.BucketTimeout != 7200*time.Second {
		t.Errorf("expected BucketTimeout 7200s, got %v", cfg.BucketTimeout)
	}
	if cfg.LogPollingInterval != 10*time.Second {
		t.Errorf("expected LogPollingInterval 10s, got %v", cfg.LogPollingInterval)
	}
	if cfg.Runtime != "exec" {
		t.Errorf("expected Runtime exec, got %s", cfg.Runtime)
	}
	if cfg.Tyrant {
		t.Error("expected Tyrant to default to false")
	}
	if cfg.OTELEndpoint != "localhost:4317" {
		t.Errorf("expected OTELEndpoint localhost:4317, got %s", cfg.OTELEndpoint)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://custom/db")
	t.Setenv("PORT", "9999")
	t.Setenv("GROUP_NAME", "ci-east")
	t.Setenv("TYRANT", "true")
	t.Setenv("RUNTIME", "docker")
	t.Setenv("SCAN_INTERVAL", "2s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://custom/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 9999 {
		t.Errorf("expected HTTPPort 9999, got %d", cfg.HTTPPort)
	}
	if cfg.GroupName != "ci-east" {
		t.Errorf("expected GroupName ci-east, got %s", cfg.GroupName)
	}
	if !cfg.Tyrant {
		t.Error("expected Tyrant true")
	}
	if cfg.Runtime != "docker" {
		t.Errorf("expected Runtime docker, got %s", cfg.Runtime)
	}
	if cfg.ScanInterval != 2*time.Second {
		t.Errorf("expected ScanInterval 2s, got %v", cfg.ScanInterval)
	}
}

func TestLoad_InvalidRuntime(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("RUNTIME", "invalid")

	_, err := Load("")
	if err == nil {
		t.Error("expected error for invalid runtime")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "cidd-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `
database_url: "postgres://config-file/db"
http_port: 7777
group_name: "ci-west"
runtime: docker
`
	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()

	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("GROUP_NAME", "")
	t.Setenv("RUNTIME", "")

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://config-file/db" {
		t.Errorf("expected DatabaseURL from config file, got %s", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 7777 {
		t.Errorf("expected HTTPPort 7777, got %d", cfg.HTTPPort)
	}
	if cfg.GroupName != "ci-west" {
		t.Errorf("expected GroupName ci-west, got %s", cfg.GroupName)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent config file")
	}
}
