// Package storage provides the transactional key-value store the vault core
// persists through: SRP sessions, account verifiers, attempt counters, and
// file manifests. Every mutation of shared auth state goes through
// compare-and-swap so concurrent verifications cannot both succeed against
// one single-use record.
package storage

import (
	"context"

	"github.com/strongroom/vaultcore/vaulterr"
)

// KV is a revisioned key-value store with atomic compare-and-swap.
// Revisions are per-key and monotonically increasing.
type KV interface {
	// Get returns the value and its current revision.
	// Missing keys yield a not-found error.
	Get(ctx context.Context, key string) (value []byte, revision int64, err error)

	// Create stores a new key exclusively; an existing key yields an
	// already-exists error.
	Create(ctx context.Context, key string, value []byte) (revision int64, err error)

	// Put stores the value unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (revision int64, err error)

	// CompareAndSwap replaces the value only if the key is still at
	// expectedRevision; otherwise it yields a cas-conflict error.
	CompareAndSwap(ctx context.Context, key string, expectedRevision int64, value []byte) (revision int64, err error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteRev removes a key only if it is still at expectedRevision;
	// otherwise it yields a cas-conflict error. This is how single-use
	// records are consumed.
	DeleteRev(ctx context.Context, key string, expectedRevision int64) error

	// Close releases the store.
	Close() error
}

// Common constructors for the error shapes every implementation returns.

func errNotFound(key string) error {
	return vaulterr.Newf(vaulterr.KindNotFound, vaulterr.CodeNotFound, "key %q not found", key)
}

func errAlreadyExists(key string) error {
	return vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeAlreadyExists, "key %q already exists", key)
}

func errCASConflict(key string) error {
	return vaulterr.Newf(vaulterr.KindResource, vaulterr.CodeCASConflict, "revision conflict on key %q", key)
}
