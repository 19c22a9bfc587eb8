package keyderive

import (
	"bytes"
	"testing"
	"time"

	"github.com/strongroom/vaultcore/vaulterr"
)

// Small parameters keep the memory-hard hash fast in tests; determinism and
// separation properties are parameter-independent.
func testParams() Params {
	return Params{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}
}

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	password := []byte("Sn0wLeopard!2025")
	salt := bytes.Repeat([]byte{0x42}, SaltLen)

	k1, err := DeriveMasterKey(password, salt, testParams())
	if err != nil {
		t.Fatalf("DeriveMasterKey failed: %v", err)
	}
	k2, err := DeriveMasterKey(password, salt, testParams())
	if err != nil {
		t.Fatalf("DeriveMasterKey failed: %v", err)
	}

	if len(k1) != KeyLen {
		t.Fatalf("Expected %d-byte master key, got %d", KeyLen, len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("Same password and salt produced different master keys")
	}

	otherSalt := bytes.Repeat([]byte{0x43}, SaltLen)
	k3, err := DeriveMasterKey(password, otherSalt, testParams())
	if err != nil {
		t.Fatalf("DeriveMasterKey failed: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Error("Different salts produced the same master key")
	}
}

func TestDeriveMasterKeyValidation(t *testing.T) {
	salt := make([]byte, SaltLen)

	tests := []struct {
		name     string
		password []byte
		salt     []byte
		params   Params
	}{
		{"empty password", nil, salt, testParams()},
		{"short salt", []byte("pw"), make([]byte, 16), testParams()},
		{"zero time", []byte("pw"), salt, Params{Time: 0, MemoryKiB: 8192, Threads: 1}},
		{"excessive time", []byte("pw"), salt, Params{Time: 99, MemoryKiB: 8192, Threads: 1}},
		{"excessive memory", []byte("pw"), salt, Params{Time: 1, MemoryKiB: 4 * 1024 * 1024, Threads: 1}},
		{"tiny memory", []byte("pw"), salt, Params{Time: 1, MemoryKiB: 64, Threads: 1}},
		{"zero threads", []byte("pw"), salt, Params{Time: 1, MemoryKiB: 8192, Threads: 0}},
		{"cost beyond configured bound", []byte("pw"), salt,
			Params{Time: 4, MemoryKiB: 64 * 1024, Threads: 1, MaxDeriveTime: time.Nanosecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeriveMasterKey(tt.password, tt.salt, tt.params)
			if !vaulterr.IsKind(err, vaulterr.KindValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestMaxDeriveTimeBound(t *testing.T) {
	salt := make([]byte, SaltLen)

	// An expensive parameter set is rejected before hashing, not timed out
	costly := Params{Time: 4, MemoryKiB: 64 * 1024, Threads: 1, MaxDeriveTime: time.Nanosecond}
	start := time.Now()
	_, err := DeriveMasterKey([]byte("pw"), salt, costly)
	if !vaulterr.IsKind(err, vaulterr.KindValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Rejection took %v; the bound must be checked before hashing", elapsed)
	}

	// The default parameters fit comfortably inside the default bound
	if est, bound := EstimatedCost(DefaultParams()), DefaultParams().MaxDeriveTime; est > bound {
		t.Errorf("Default parameters estimate %v above their own bound %v", est, bound)
	}
	if _, err := DeriveMasterKey([]byte("pw"), salt,
		Params{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, MaxDeriveTime: time.Second}); err != nil {
		t.Errorf("Bounded derivation inside the budget failed: %v", err)
	}
}

func TestDeriveSubKeyPure(t *testing.T) {
	parent := bytes.Repeat([]byte{0x01}, KeyLen)
	ctx := []byte("item-1")

	k1, err := DeriveSubKey(parent, ctx, PurposeItemKey)
	if err != nil {
		t.Fatalf("DeriveSubKey failed: %v", err)
	}
	k2, err := DeriveSubKey(parent, ctx, PurposeItemKey)
	if err != nil {
		t.Fatalf("DeriveSubKey failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("DeriveSubKey is not deterministic")
	}
}

func TestDeriveSubKeyDomainSeparation(t *testing.T) {
	parent := bytes.Repeat([]byte{0x01}, KeyLen)
	ctx := []byte("context")

	purposes := []string{
		PurposeAccountKey, PurposeItemKey, PurposeFileKey,
		PurposeSharingKey, PurposeChunkKey, PurposeChunkHashKey, PurposeTokenKey,
	}

	seen := make(map[string]string)
	for _, p := range purposes {
		key, err := DeriveSubKey(parent, ctx, p)
		if err != nil {
			t.Fatalf("DeriveSubKey(%s) failed: %v", p, err)
		}
		if prev, ok := seen[string(key)]; ok {
			t.Errorf("Purpose %s collides with %s", p, prev)
		}
		seen[string(key)] = p
	}

	// Different contexts under one purpose also separate
	k1, _ := DeriveSubKey(parent, []byte("a"), PurposeItemKey)
	k2, _ := DeriveSubKey(parent, []byte("b"), PurposeItemKey)
	if bytes.Equal(k1, k2) {
		t.Error("Different contexts produced the same subkey")
	}

	// Subkeys never equal the parent
	for key := range seen {
		if bytes.Equal([]byte(key), parent) {
			t.Error("Subkey equals parent key")
		}
	}
}

func TestDeriveSubKeyValidation(t *testing.T) {
	parent := make([]byte, KeyLen)

	if _, err := DeriveSubKey(make([]byte, 16), nil, PurposeItemKey); vaulterr.CodeOf(err) != vaulterr.CodeBadKeyLength {
		t.Errorf("Expected key-length-mismatch, got %v", err)
	}
	if _, err := DeriveSubKey(parent, nil, "totp-key"); vaulterr.CodeOf(err) != vaulterr.CodeBadPurpose {
		t.Errorf("Expected unsupported-purpose, got %v", err)
	}
}

func TestChunkKeysIndependent(t *testing.T) {
	fileKey := bytes.Repeat([]byte{0x05}, KeyLen)

	keys := make(map[string]uint64)
	for i := uint64(0); i < 64; i++ {
		key, err := ChunkKey(fileKey, i)
		if err != nil {
			t.Fatalf("ChunkKey(%d) failed: %v", i, err)
		}
		if prev, ok := keys[string(key)]; ok {
			t.Fatalf("Chunk keys %d and %d collide", i, prev)
		}
		keys[string(key)] = i
	}

	hashKey, err := ChunkHashKey(fileKey)
	if err != nil {
		t.Fatalf("ChunkHashKey failed: %v", err)
	}
	if _, ok := keys[string(hashKey)]; ok {
		t.Error("Hash key collides with a chunk encryption key")
	}
}
