package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/trailofbits/crs-core/internal/config"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KV.Endpoint != config.DefaultConfig().KV.Endpoint {
		t.Fatalf("expected default kv endpoint, got %q", cfg.KV.Endpoint)
	}
}

func TestLoadExpandsEnvAndOverrides(t *testing.T) {
	t.Setenv("CRS_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("CRS_EXTERNAL_API_KEY_TOKEN", "secret-token")

	path := filepath.Join(t.TempDir(), "cfg.yaml")
	body := "kv:\n  endpoint: \"${CRS_REDIS_ADDR}\"\nscratch:\n  root: /scratch\nexternal_api:\n  key_id: pubkey\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KV.Endpoint != "redis.internal:6379" {
		t.Fatalf("env expansion failed: got %q", cfg.KV.Endpoint)
	}
	if cfg.ExternalAPI.KeyToken != "secret-token" {
		t.Fatalf("secret override failed: got %q", cfg.ExternalAPI.KeyToken)
	}
}

func TestValidateRejectsEmptyScratchRoot(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scratch.Root = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty scratch root")
	}
}
