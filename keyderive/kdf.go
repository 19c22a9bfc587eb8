// Package keyderive implements the vault key hierarchy: a memory-hard
// password hash producing the master key, and HKDF expansion producing
// domain-separated subkeys. No key in the hierarchy is ever persisted; every
// subkey can be re-derived from its parent and context.
package keyderive

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/strongroom/vaultcore/vaulterr"
)

// KeyLen is the size of every key in the hierarchy
const KeyLen = 32

// SaltLen is the required account salt size for master key derivation
const SaltLen = 32

// Purpose labels provide domain separation between sibling subkeys:
// compromise of one derived key never reveals siblings or the parent.
const (
	PurposeAccountKey   = "account-key"
	PurposeItemKey      = "item-key"
	PurposeFileKey      = "file-key"
	PurposeSharingKey   = "sharing-key"
	PurposeChunkKey     = "chunk-key"
	PurposeChunkHashKey = "chunk-hash-key"
	PurposeTokenKey     = "token-key"
)

var supportedPurposes = map[string]bool{
	PurposeAccountKey:   true,
	PurposeItemKey:      true,
	PurposeFileKey:      true,
	PurposeSharingKey:   true,
	PurposeChunkKey:     true,
	PurposeChunkHashKey: true,
	PurposeTokenKey:     true,
}

// Params holds the Argon2id cost parameters for master key derivation
type Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8

	// MaxDeriveTime bounds the estimated derivation cost. Parameter sets
	// whose estimate exceeds it are rejected before any hashing starts;
	// zero disables the bound and leaves only the hard ceilings.
	MaxDeriveTime time.Duration
}

// DefaultParams returns the recommended parameters: 3 passes, 19 MiB, one
// lane, bounded at 5 seconds of estimated derivation
func DefaultParams() Params {
	return Params{Time: 3, MemoryKiB: 19 * 1024, Threads: 1, MaxDeriveTime: 5 * time.Second}
}

// Hard ceilings rejected before hashing begins, independent of any
// configured derivation bound.
const (
	maxTime      = 16
	maxMemoryKiB = 1024 * 1024 // 1 GiB
	maxThreads   = 8
)

// costPerPassKiB is the estimation rate for the derivation bound: Argon2id
// work scales with passes*memory, and 1µs per KiB-pass corresponds to
// roughly 1 GiB/s of memory-hard throughput on commodity hardware.
const costPerPassKiB = time.Microsecond

// EstimatedCost returns the estimated derivation time for a parameter set
func EstimatedCost(p Params) time.Duration {
	return time.Duration(p.Time) * time.Duration(p.MemoryKiB) * costPerPassKiB
}

// DeriveMasterKey derives the 32-byte master key from the password and the
// per-account salt using Argon2id. The caller owns the returned bytes and is
// responsible for moving them into secure memory and wiping the password.
func DeriveMasterKey(password, accountSalt []byte, p Params) ([]byte, error) {
	if len(password) == 0 {
		return nil, vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"password must not be empty")
	}
	if len(accountSalt) != SaltLen {
		return nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"account salt must be %d bytes, got %d", SaltLen, len(accountSalt))
	}
	if err := validateParams(p); err != nil {
		return nil, err
	}

	return argon2.IDKey(password, accountSalt, p.Time, p.MemoryKiB, p.Threads, KeyLen), nil
}

// DeriveSubKey derives a purpose-scoped 32-byte subkey from a parent key.
// It is a pure function of its three inputs: the same parent, context salt,
// and purpose label always yield the same subkey, so callers re-derive on
// demand instead of storing subkeys.
//
// HKDF-SHA-256: extract keyed by the parent with contextSalt as salt, expand
// with the purpose label as info.
func DeriveSubKey(parentKey, contextSalt []byte, purpose string) ([]byte, error) {
	if len(parentKey) != KeyLen {
		return nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadKeyLength,
			"parent key must be %d bytes, got %d", KeyLen, len(parentKey))
	}
	if !supportedPurposes[purpose] {
		return nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadPurpose,
			"unsupported purpose label %q", purpose)
	}

	r := hkdf.New(sha256.New, parentKey, contextSalt, []byte(purpose))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}
	return key, nil
}

// ChunkKey derives the per-chunk encryption key for chunk i of a file,
// using the big-endian chunk index as context.
func ChunkKey(fileKey []byte, index uint64) ([]byte, error) {
	var ctx [8]byte
	binary.BigEndian.PutUint64(ctx[:], index)
	return DeriveSubKey(fileKey, ctx[:], PurposeChunkKey)
}

// ChunkHashKey derives the file-scoped keyed-hash key, distinct from every
// chunk encryption key.
func ChunkHashKey(fileKey []byte) ([]byte, error) {
	return DeriveSubKey(fileKey, nil, PurposeChunkHashKey)
}

func validateParams(p Params) error {
	if p.Time == 0 || p.Time > maxTime {
		return vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"argon2 time must be in [1,%d], got %d", maxTime, p.Time)
	}
	if p.MemoryKiB < 8*1024 || p.MemoryKiB > maxMemoryKiB {
		return vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"argon2 memory must be in [%d,%d] KiB, got %d", 8*1024, maxMemoryKiB, p.MemoryKiB)
	}
	if p.Threads == 0 || p.Threads > maxThreads {
		return vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"argon2 threads must be in [1,%d], got %d", maxThreads, p.Threads)
	}
	if p.MaxDeriveTime > 0 {
		if est := EstimatedCost(p); est > p.MaxDeriveTime {
			return vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
				"estimated derivation time %v exceeds configured maximum %v", est, p.MaxDeriveTime)
		}
	}
	return nil
}
