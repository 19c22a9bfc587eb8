package vaultcore

import (
	"context"
	"crypto/rand"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/strongroom/vaultcore/aead"
	"github.com/strongroom/vaultcore/audit"
	"github.com/strongroom/vaultcore/blob"
	"github.com/strongroom/vaultcore/config"
	"github.com/strongroom/vaultcore/filestream"
	"github.com/strongroom/vaultcore/keyderive"
	"github.com/strongroom/vaultcore/seal"
	"github.com/strongroom/vaultcore/securemem"
	"github.com/strongroom/vaultcore/srp"
	"github.com/strongroom/vaultcore/storage"
	"github.com/strongroom/vaultcore/vaulterr"
)

// masterOwner names the secure buffer holding the unlocked master key
const masterOwner = "core/master-key"

// Core wires the vault components behind one surface. It owns the secure
// memory manager and, between Unlock and Lock, the master key buffer; every
// other piece of key material is derived on demand and wiped by the caller.
type Core struct {
	cfg      *config.Config
	logger   zerolog.Logger
	mem      *securemem.Manager
	cipher   *aead.Cipher
	engine   *srp.Engine
	pipeline *filestream.Pipeline
	kv       storage.KV
	blobs    blob.Store
	sink     audit.Sink
	tokenKey []byte

	mu     sync.Mutex
	master *securemem.Buffer
}

// Option overrides a collaborator before the Core is assembled
type Option func(*Core)

// WithKV injects the transactional KV store
func WithKV(kv storage.KV) Option {
	return func(c *Core) { c.kv = kv }
}

// WithBlobStore injects the chunk ciphertext store
func WithBlobStore(store blob.Store) Option {
	return func(c *Core) { c.blobs = store }
}

// WithAuditSink injects the audit sink
func WithAuditSink(sink audit.Sink) Option {
	return func(c *Core) { c.sink = sink }
}

// WithTokenKey injects the 32-byte session token signing key. Without it a
// random key is drawn at startup, which invalidates tokens across restarts.
func WithTokenKey(key []byte) Option {
	return func(c *Core) { c.tokenKey = key }
}

// New assembles a Core from the configuration. Collaborators not injected
// through options default to in-memory implementations.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Core, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Core{
		cfg:    cfg,
		logger: logger.With().Str("component", "vaultcore").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.kv == nil {
		c.kv = storage.NewMemKV()
	}
	if c.blobs == nil {
		c.blobs = blob.NewMemStore()
	}
	if c.sink == nil {
		c.sink = audit.NewLogSink(logger)
	}
	if c.tokenKey == nil {
		c.tokenKey = make([]byte, keyderive.KeyLen)
		if _, err := rand.Read(c.tokenKey); err != nil {
			return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
		}
	}

	c.mem = securemem.NewManager(cfg.SecureMem, logger)
	c.cipher = aead.New()

	engine, err := srp.NewEngine(c.kv, c.sink, cfg.SRP, c.tokenKey, logger)
	if err != nil {
		c.mem.Close()
		return nil, err
	}
	c.engine = engine

	pipeline, err := filestream.NewPipeline(c.cipher, cfg.FileStream, c.sink, logger)
	if err != nil {
		c.mem.Close()
		return nil, err
	}
	c.pipeline = pipeline

	return c, nil
}

// Open assembles a Core with persistent collaborators chosen from the
// configuration: a SQLite KV whose DEK is provisioned through the sealer,
// an S3 chunk store when a bucket is configured, and a NATS audit sink when
// a URL is configured. The session token key derives from the DEK, so
// tokens survive restarts.
func Open(ctx context.Context, cfg *config.Config, sealer seal.Sealer, logger zerolog.Logger) (*Core, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []Option{}

	if cfg.Storage.Path != "" && cfg.Storage.Path != ":memory:" {
		if sealer == nil {
			return nil, vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
				"persistent storage requires a sealer")
		}
		dek, err := provisionDEK(ctx, cfg.Storage.Path, sealer)
		if err != nil {
			return nil, err
		}
		kv, err := storage.NewSQLiteKV(cfg.Storage.Path, dek, logger)
		if err != nil {
			return nil, err
		}
		tokenKey, err := keyderive.DeriveSubKey(dek, nil, keyderive.PurposeTokenKey)
		if err != nil {
			kv.Close()
			return nil, err
		}
		opts = append(opts, WithKV(kv), WithTokenKey(tokenKey))
	}

	if cfg.Storage.S3Bucket != "" {
		store, err := blob.NewS3Store(ctx, cfg.Storage.S3Region, cfg.Storage.S3Bucket, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithBlobStore(store))
	}

	sinks := audit.MultiSink{audit.NewLogSink(logger)}
	if cfg.Audit.NATSURL != "" {
		natsSink, err := audit.NewNATSSink(cfg.Audit.NATSURL, cfg.Audit.Subject, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, natsSink)
	}
	opts = append(opts, WithAuditSink(sinks))

	return New(cfg, logger, opts...)
}

// provisionDEK loads the sealed DEK stored beside the database, or
// generates and seals a fresh one on first start.
func provisionDEK(ctx context.Context, dbPath string, sealer seal.Sealer) ([]byte, error) {
	sealedPath := dbPath + ".dek"

	sealed, err := os.ReadFile(sealedPath)
	switch {
	case err == nil:
		return sealer.Unseal(ctx, sealed)
	case !os.IsNotExist(err):
		return nil, vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}

	dek := make([]byte, keyderive.KeyLen)
	if _, err := rand.Read(dek); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}
	sealed, err = sealer.Seal(ctx, dek)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(sealedPath, sealed, 0o600); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}
	return dek, nil
}

// Close releases the master key, every secure buffer, and the KV store
func (c *Core) Close() error {
	c.Lock()
	c.mem.Close()
	return c.kv.Close()
}

// Unlock derives the master key from the password and account salt and
// moves it into a secure buffer. The password slice is wiped before return.
func (c *Core) Unlock(password, accountSalt []byte) error {
	master, err := keyderive.DeriveMasterKey(password, accountSalt, c.kdfParams())
	for i := range password {
		password[i] = 0
	}
	if err != nil {
		return err
	}

	buf, err := c.mem.Acquire(len(master), masterOwner)
	if err != nil {
		wipe(master)
		return err
	}
	if err := buf.Copy(master); err != nil {
		wipe(master)
		_ = c.mem.Release(buf)
		return err
	}
	wipe(master)

	c.mu.Lock()
	old := c.master
	c.master = buf
	c.mu.Unlock()

	if old != nil {
		_ = c.mem.Release(old)
	}
	c.logger.Info().Msg("Vault unlocked")
	return nil
}

// Lock wipes and releases the master key buffer. A locked Core still serves
// operations that take explicit keys.
func (c *Core) Lock() {
	c.mu.Lock()
	buf := c.master
	c.master = nil
	c.mu.Unlock()

	if buf != nil {
		_ = c.mem.Release(buf)
		c.logger.Info().Msg("Vault locked")
	}
}

// DeriveMasterKey derives the master key with the configured parameters
// without retaining it. Callers own wiping the result.
func (c *Core) DeriveMasterKey(password, accountSalt []byte) ([]byte, error) {
	return keyderive.DeriveMasterKey(password, accountSalt, c.kdfParams())
}

// kdfParams maps the configured KDF settings, including the derivation
// time bound, onto derivation parameters
func (c *Core) kdfParams() keyderive.Params {
	return keyderive.Params{
		Time:          c.cfg.KDF.Time,
		MemoryKiB:     c.cfg.KDF.MemoryKiB,
		Threads:       c.cfg.KDF.Threads,
		MaxDeriveTime: c.cfg.KDF.MaxDeriveTime,
	}
}

// DeriveSubKey derives a purpose-scoped subkey from the unlocked master key
func (c *Core) DeriveSubKey(contextSalt []byte, purpose string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.master == nil {
		return nil, vaulterr.New(vaulterr.KindResource, vaulterr.CodeBufferReleased,
			"vault is locked")
	}
	master, err := c.master.Bytes()
	if err != nil {
		return nil, err
	}
	return keyderive.DeriveSubKey(master, contextSalt, purpose)
}

// Encrypt seals plaintext under key with the selected algorithm
func (c *Core) Encrypt(plaintext, key []byte) (*aead.EncryptedPayload, error) {
	return c.cipher.Encrypt(plaintext, key, "")
}

// Decrypt opens a payload under key
func (c *Core) Decrypt(payload *aead.EncryptedPayload, key []byte) ([]byte, error) {
	return c.cipher.Decrypt(payload, key)
}

// SRPRegister computes the verifier client-side and registers the account.
// The password is wiped before return; the server never sees it.
func (c *Core) SRPRegister(ctx context.Context, accountID string, password []byte) ([]byte, error) {
	salt, err := srp.GenerateSalt()
	if err != nil {
		wipe(password)
		return nil, err
	}
	verifier, err := srp.ComputeVerifier(accountID, password, salt)
	wipe(password)
	if err != nil {
		return nil, err
	}
	if err := c.engine.Register(ctx, accountID, verifier, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// SRPLoginInit starts a login exchange for the account
func (c *Core) SRPLoginInit(ctx context.Context, accountID string) (*srp.Challenge, error) {
	return c.engine.LoginInit(ctx, accountID)
}

// SRPLoginVerify consumes the pending session and checks the client evidence
func (c *Core) SRPLoginVerify(ctx context.Context, accountID string, clientPublic, clientEvidence []byte) (*srp.LoginResult, error) {
	return c.engine.LoginVerify(ctx, accountID, clientPublic, clientEvidence)
}

// EncryptFileStream chunks, encrypts, and stores the plaintext stream,
// returning the manifest needed to read it back
func (c *Core) EncryptFileStream(ctx context.Context, r io.Reader, fileKey []byte) (*filestream.Manifest, error) {
	return c.pipeline.EncryptStream(ctx, r, fileKey, c.blobs)
}

// DecryptFileStream streams the file's verified plaintext to w
func (c *Core) DecryptFileStream(ctx context.Context, m *filestream.Manifest, fileKey []byte, w io.Writer) error {
	return c.pipeline.DecryptStream(ctx, m, fileKey, c.blobs, w)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
