package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"

	"github.com/strongroom/vaultcore/vaulterr"
)

// SQLiteKV is a SQLite-backed KV store. Values are encrypted at rest with a
// 32-byte DEK (XChaCha20-Poly1305, nonce prepended) before they touch the
// database file, so a copied database leaks nothing without the DEK.
type SQLiteKV struct {
	db     *sql.DB
	dek    []byte
	logger zerolog.Logger

	// sqlite serializes writers anyway; the mutex keeps the
	// read-check-write of CAS atomic at the application level too.
	mu sync.Mutex
}

// NewSQLiteKV opens (or creates) an encrypted KV store at path.
// Use ":memory:" to keep state in RAM.
func NewSQLiteKV(path string, dek []byte, logger zerolog.Logger) (*SQLiteKV, error) {
	if len(dek) != chacha20poly1305.KeySize {
		return nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadKeyLength,
			"DEK must be %d bytes, got %d", chacha20poly1305.KeySize, len(dek))
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		revision INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteKV{
		db:     db,
		dek:    dek,
		logger: logger.With().Str("component", "storage").Logger(),
	}, nil
}

// Get implements KV.
func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, int64, error) {
	var sealed []byte
	var rev int64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, revision FROM kv WHERE key = ?", key).Scan(&sealed, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, errNotFound(key)
	}
	if err != nil {
		return nil, 0, vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}

	value, err := s.decrypt(sealed)
	if err != nil {
		return nil, 0, err
	}
	return value, rev, nil
}

// Create implements KV.
func (s *SQLiteKV) Create(ctx context.Context, key string, value []byte) (int64, error) {
	sealed, err := s.encrypt(value)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO kv (key, value, revision, updated_at) VALUES (?, ?, 1, ?)",
		key, sealed, time.Now().Unix())
	if err != nil {
		var exists bool
		if scanErr := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM kv WHERE key = ?", key).Scan(&exists); scanErr == nil {
			return 0, errAlreadyExists(key)
		}
		return 0, vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}
	return 1, nil
}

// Put implements KV.
func (s *SQLiteKV) Put(ctx context.Context, key string, value []byte) (int64, error) {
	sealed, err := s.encrypt(value)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, revision, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			revision = kv.revision + 1, updated_at = excluded.updated_at`,
		key, sealed, time.Now().Unix())
	if err != nil {
		return 0, vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}

	var rev int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT revision FROM kv WHERE key = ?", key).Scan(&rev); err != nil {
		return 0, vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}
	return rev, nil
}

// CompareAndSwap implements KV.
func (s *SQLiteKV) CompareAndSwap(ctx context.Context, key string, expectedRevision int64, value []byte) (int64, error) {
	sealed, err := s.encrypt(value)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE kv SET value = ?, revision = revision + 1, updated_at = ? WHERE key = ? AND revision = ?",
		sealed, time.Now().Unix(), key, expectedRevision)
	if err != nil {
		return 0, vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}
	if n == 0 {
		return 0, errCASConflict(key)
	}
	return expectedRevision + 1, nil
}

// Delete implements KV.
func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}
	return nil
}

// DeleteRev implements KV.
func (s *SQLiteKV) DeleteRev(ctx context.Context, key string, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM kv WHERE key = ? AND revision = ?", key, expectedRevision)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}
	if n == 0 {
		return errCASConflict(key)
	}
	return nil
}

// Close implements KV.
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}

func (s *SQLiteKV) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}

	// Encrypt and prepend nonce
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *SQLiteKV) decrypt(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, vaulterr.New(vaulterr.KindCrypto, vaulterr.CodeTagMismatch,
			"stored value too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindCrypto, vaulterr.CodeTagMismatch,
			"stored value failed authentication")
	}
	return plaintext, nil
}
