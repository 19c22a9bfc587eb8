// Package config holds the runtime configuration for the vault core.
// All values have safe defaults; a YAML file can override them.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level vault core configuration
type Config struct {
	KDF        KDFConfig        `yaml:"kdf"`
	SecureMem  SecureMemConfig  `yaml:"secure_memory"`
	SRP        SRPConfig        `yaml:"srp"`
	FileStream FileStreamConfig `yaml:"file_stream"`
	Storage    StorageConfig    `yaml:"storage"`
	Audit      AuditConfig      `yaml:"audit"`
}

// KDFConfig holds Argon2id password hashing parameters
type KDFConfig struct {
	// Time is the number of Argon2id passes
	Time uint32 `yaml:"time"`

	// MemoryKiB is the Argon2id memory cost in KiB
	MemoryKiB uint32 `yaml:"memory_kib"`

	// Threads is the Argon2id parallelism degree
	Threads uint8 `yaml:"threads"`

	// MaxDeriveTime bounds the estimated derivation cost; parameter sets
	// estimated to exceed it are rejected before any hashing starts
	MaxDeriveTime time.Duration `yaml:"max_derive_time"`
}

// SecureMemConfig holds secure buffer lifecycle parameters
type SecureMemConfig struct {
	// WipePasses is the number of overwrite passes on release
	WipePasses int `yaml:"wipe_passes"`

	// IdleTimeout clears a buffer after this much inactivity
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxLifetime force-clears a buffer even while still referenced
	MaxLifetime time.Duration `yaml:"max_lifetime"`

	// MaxBytes caps the total locked memory the manager will hand out
	MaxBytes int `yaml:"max_bytes"`
}

// SRPConfig holds the authentication engine policy
type SRPConfig struct {
	// SessionTTL bounds the lifetime of a login session between init and verify
	SessionTTL time.Duration `yaml:"session_ttl"`

	// LockoutThreshold is the number of failed attempts inside LockoutWindow
	// that triggers a temporary lockout
	LockoutThreshold int `yaml:"lockout_threshold"`

	// LockoutWindow is the sliding window for counting failed attempts
	LockoutWindow time.Duration `yaml:"lockout_window"`

	// LockoutDuration is how long an account stays locked out
	LockoutDuration time.Duration `yaml:"lockout_duration"`

	// TokenTTL is the validity of issued session tokens
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// FileStreamConfig holds chunked encryption parameters
type FileStreamConfig struct {
	// ChunkSize is the plaintext chunk size in bytes
	ChunkSize int `yaml:"chunk_size"`

	// Workers is the size of the chunk encryption worker pool;
	// zero means one worker per CPU
	Workers int `yaml:"workers"`
}

// StorageConfig selects and parameterizes the transactional KV store
type StorageConfig struct {
	// Path is the SQLite database path; ":memory:" keeps state in RAM
	Path string `yaml:"path"`

	// S3Bucket, when set, enables the S3 chunk store
	S3Bucket string `yaml:"s3_bucket"`

	// S3Region is the AWS region for the chunk store
	S3Region string `yaml:"s3_region"`

	// KMSKeyARN, when set, seals the storage DEK through KMS
	KMSKeyARN string `yaml:"kms_key_arn"`
}

// AuditConfig selects the audit sink
type AuditConfig struct {
	// NATSURL, when set, publishes audit events to NATS
	NATSURL string `yaml:"nats_url"`

	// Subject is the NATS subject prefix for audit events
	Subject string `yaml:"subject"`
}

// Chunk size bounds per the streaming pipeline contract
const (
	MinChunkSize = 64 * 1024
	MaxChunkSize = 16 * 1024 * 1024
)

// DefaultConfig returns the default vault core configuration
func DefaultConfig() *Config {
	return &Config{
		KDF: KDFConfig{
			Time:          3,
			MemoryKiB:     19 * 1024, // 19 MiB
			Threads:       1,
			MaxDeriveTime: 5 * time.Second,
		},
		SecureMem: SecureMemConfig{
			WipePasses:  3,
			IdleTimeout: 5 * time.Minute,
			MaxLifetime: 15 * time.Minute,
			MaxBytes:    8 * 1024 * 1024,
		},
		SRP: SRPConfig{
			SessionTTL:       5 * time.Minute,
			LockoutThreshold: 5,
			LockoutWindow:    15 * time.Minute,
			LockoutDuration:  15 * time.Minute,
			TokenTTL:         1 * time.Hour,
		},
		FileStream: FileStreamConfig{
			ChunkSize: 4 * 1024 * 1024,
			Workers:   0,
		},
		Storage: StorageConfig{
			Path: ":memory:",
		},
		Audit: AuditConfig{
			Subject: "vault.audit",
		},
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks bounds that would otherwise surface as runtime failures
func (c *Config) Validate() error {
	if c.KDF.Time == 0 {
		return fmt.Errorf("kdf time must be at least 1")
	}
	if c.KDF.MemoryKiB < 8*1024 {
		return fmt.Errorf("kdf memory must be at least 8 MiB")
	}
	if c.KDF.Threads == 0 {
		return fmt.Errorf("kdf threads must be at least 1")
	}
	if c.SecureMem.WipePasses < 1 {
		return fmt.Errorf("wipe passes must be at least 1")
	}
	if c.SecureMem.IdleTimeout <= 0 || c.SecureMem.MaxLifetime <= 0 {
		return fmt.Errorf("secure memory timeouts must be positive")
	}
	if c.SecureMem.MaxLifetime < c.SecureMem.IdleTimeout {
		return fmt.Errorf("max lifetime must not be shorter than idle timeout")
	}
	if c.SRP.SessionTTL <= 0 {
		return fmt.Errorf("srp session ttl must be positive")
	}
	if c.SRP.LockoutThreshold < 1 {
		return fmt.Errorf("lockout threshold must be at least 1")
	}
	if c.FileStream.ChunkSize < MinChunkSize || c.FileStream.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk size must be between %d and %d bytes", MinChunkSize, MaxChunkSize)
	}
	return nil
}
