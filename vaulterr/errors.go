// Package vaulterr defines the closed error taxonomy for the vault core.
// Every failure surfaced to a caller is an *Error carrying a Kind (the
// category callers match on) and a stable machine-readable Code. Error
// messages never contain key material, passwords, or plaintext.
package vaulterr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories.
type Kind int

const (
	// KindValidation covers malformed input and unsupported parameters.
	KindValidation Kind = iota + 1
	// KindNotFound covers lookups of accounts or records that do not exist.
	KindNotFound
	// KindAuthentication covers SRP proof mismatches and expired or missing sessions.
	KindAuthentication
	// KindRateLimit covers exceeded attempt thresholds.
	KindRateLimit
	// KindCrypto covers tag verification failures, unsupported algorithms,
	// key length mismatches, and nonce policy violations.
	KindCrypto
	// KindIntegrity covers chunk or manifest hash mismatches.
	KindIntegrity
	// KindResource covers secure memory allocation failures and
	// use of expired buffers.
	KindResource
	// KindUnimplemented covers operating modes that are defined in the
	// interface but deliberately not implemented.
	KindUnimplemented
)

// String returns the category name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthentication:
		return "authentication"
	case KindRateLimit:
		return "rate_limit"
	case KindCrypto:
		return "crypto"
	case KindIntegrity:
		return "integrity"
	case KindResource:
		return "resource"
	case KindUnimplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}

// Stable error codes shared across packages.
const (
	CodeAlreadyExists     = "already-exists"
	CodeNotFound          = "not-found"
	CodeDeadlineExceeded  = "deadline-exceeded"
	CodeResourceExhausted = "resource-exhausted"
	CodeProofMismatch     = "proof-mismatch"
	CodeSessionConsumed   = "session-consumed"
	CodeTagMismatch       = "tag-mismatch"
	CodeNonceReuse        = "nonce-reuse"
	CodeBadAlgorithm      = "unsupported-algorithm"
	CodeBadKeyLength      = "key-length-mismatch"
	CodeBadParameters     = "invalid-parameters"
	CodeBadPurpose        = "unsupported-purpose"
	CodeChunkMismatch     = "chunk-hash-mismatch"
	CodeManifestMismatch  = "manifest-hash-mismatch"
	CodeBufferExpired     = "buffer-expired"
	CodeBufferReleased    = "buffer-released"
	CodeAllocFailed       = "allocation-failed"
	CodeNotImplemented    = "not-implemented"
	CodeMissingComponent  = "missing-component"
	CodeCASConflict       = "cas-conflict"
	CodeStorageFailed     = "storage-failed"
)

// Error is a tagged error variant. ChunkIndex is only meaningful for
// integrity failures during streaming, where it names the first failing chunk.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	ChunkIndex int64
	wrapped    error
}

// New creates an Error with the given kind, code, and message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, ChunkIndex: -1}
}

// Newf creates an Error with a formatted message. The format arguments must
// not contain secret material.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error that wraps an underlying cause.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: err.Error(), ChunkIndex: -1, wrapped: err}
}

// WithChunk returns a copy of the error annotated with the failing chunk index.
func (e *Error) WithChunk(index int64) *Error {
	dup := *e
	dup.ChunkIndex = index
	return &dup
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ChunkIndex >= 0 {
		return fmt.Sprintf("%s (%s): %s [chunk %d]", e.Kind, e.Code, e.Message, e.ChunkIndex)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.wrapped }

// Is matches errors by kind and code so sentinel-style comparisons work:
// two *Error values are equal if their kinds match and the target's code is
// empty or equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// KindOf extracts the Kind from any error chain, or 0 when the chain does not
// contain a vault error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CodeOf extracts the stable code from any error chain, or "" when absent.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether the error chain contains a vault error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
