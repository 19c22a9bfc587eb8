// Package vaultcore is the client-side core of a zero-knowledge vault: all
// key material derives from the user's password on the client, and the
// server side of this package only ever handles verifiers, ciphertexts, and
// keyed hashes.
//
// The facade Core type wires the component packages together:
//
//   - securemem: locked, wiped, lifetime-bounded buffers for key material
//   - aead: versioned authenticated encryption with algorithm agility
//   - keyderive: Argon2id master key plus HKDF purpose-scoped subkeys
//   - srp: SRP-6a registration and login with lockout and session tokens
//   - filestream: parallel chunked file encryption with integrity manifests
//   - hybrid: X25519 + ML-KEM-768 combined key agreement
//
// Storage is pluggable: an in-memory KV and chunk store for tests and
// embedding, SQLite and S3 for persistence, with the storage DEK sealed
// through KMS or a local key.
package vaultcore
