package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentmesh.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Registry.HealthCheckIntervalSeconds != 30 {
		t.Fatalf("unexpected health interval: %d", cfg.Registry.HealthCheckIntervalSeconds)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("unexpected storage driver: %s", cfg.Storage.Driver)
	}
	if cfg.Runtime.LogLevel != "info" {
		t.Fatalf("runtime log level should follow logging level, got %s", cfg.Runtime.LogLevel)
	}
}

func TestLoadResolvesRelativeChainConfig(t *testing.T) {
	path := writeConfig(t, `{"web3": {"chain_config": "chains.yaml", "default_chain": "sepolia"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "chains.yaml")
	if cfg.Web3.ChainConfig != want {
		t.Fatalf("chain config not resolved: %s", cfg.Web3.ChainConfig)
	}
	if cfg.Web3.DefaultChain != "sepolia" {
		t.Fatalf("unexpected default chain: %s", cfg.Web3.DefaultChain)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("empty path should fail")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("missing file should fail")
	}
	if _, err := Load(writeConfig(t, `{not json`)); err == nil {
		t.Fatal("malformed JSON should fail")
	}
}

func TestAdminTokenResolution(t *testing.T) {
	cfg := &Config{}
	if cfg.AdminToken() != "" {
		t.Fatal("no token configured should yield empty string")
	}

	cfg.Server.AdminTokenEnv = "AGENTMESH_TEST_TOKEN"
	t.Setenv("AGENTMESH_TEST_TOKEN", "from-env")
	if got := cfg.AdminToken(); got != "from-env" {
		t.Fatalf("expected env token, got %q", got)
	}

	cfg.Server.AdminToken = "inline"
	if got := cfg.AdminToken(); got != "inline" {
		t.Fatalf("inline token must win over env, got %q", got)
	}
}
