package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Default config failed validation: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	doc := `
kdf:
  time: 4
srp:
  session_ttl: 2m
file_stream:
  chunk_size: 1048576
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.KDF.Time != 4 {
		t.Errorf("KDF time %d, want 4", cfg.KDF.Time)
	}
	if cfg.SRP.SessionTTL != 2*time.Minute {
		t.Errorf("Session TTL %v, want 2m", cfg.SRP.SessionTTL)
	}
	if cfg.FileStream.ChunkSize != 1048576 {
		t.Errorf("Chunk size %d, want 1048576", cfg.FileStream.ChunkSize)
	}
	// Untouched fields keep their defaults
	if cfg.SecureMem.WipePasses != 3 {
		t.Errorf("Wipe passes %d, want default 3", cfg.SecureMem.WipePasses)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero kdf time", func(c *Config) { c.KDF.Time = 0 }},
		{"kdf memory too small", func(c *Config) { c.KDF.MemoryKiB = 1024 }},
		{"zero wipe passes", func(c *Config) { c.SecureMem.WipePasses = 0 }},
		{"lifetime shorter than idle", func(c *Config) {
			c.SecureMem.MaxLifetime = time.Minute
			c.SecureMem.IdleTimeout = 5 * time.Minute
		}},
		{"chunk too small", func(c *Config) { c.FileStream.ChunkSize = MinChunkSize - 1 }},
		{"chunk too large", func(c *Config) { c.FileStream.ChunkSize = MaxChunkSize + 1 }},
		{"zero lockout threshold", func(c *Config) { c.SRP.LockoutThreshold = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation to fail")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Expected error for missing config file")
	}
}
