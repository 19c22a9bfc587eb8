package filestream

import (
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/strongroom/vaultcore/vaulterr"
)

// ChunkHashLen is the keyed BLAKE2b-256 digest size
const ChunkHashLen = 32

// ChunkRecord describes one encrypted chunk of a file
type ChunkRecord struct {
	// Index is the chunk's position in the plaintext stream
	Index uint64 `cbor:"1,keyasint" json:"index"`

	// Ref addresses the chunk ciphertext in the blob store
	Ref string `cbor:"2,keyasint" json:"ref"`

	// Hash is the keyed BLAKE2b-256 of the chunk plaintext
	Hash []byte `cbor:"3,keyasint" json:"hash"`

	// PlaintextLen is the chunk's plaintext size in bytes
	PlaintextLen int `cbor:"4,keyasint" json:"plaintext_len"`
}

// Manifest is the persisted description of an encrypted file: the ordered
// chunk records plus a keyed hash binding their order and content. The
// manifest carries no key material; everything in it re-derives from the
// file key and the records.
type Manifest struct {
	FileID    string        `cbor:"1,keyasint" json:"file_id"`
	FileSize  int64         `cbor:"2,keyasint" json:"file_size"`
	ChunkSize int           `cbor:"3,keyasint" json:"chunk_size"`
	Chunks    []ChunkRecord `cbor:"4,keyasint" json:"chunks"`

	// ManifestHash is the keyed BLAKE2b-256 over the ordered chunk hashes.
	// It detects chunk reordering, omission, and substitution.
	ManifestHash []byte `cbor:"5,keyasint" json:"manifest_hash"`

	CreatedAt int64 `cbor:"6,keyasint" json:"created_at"`
}

// Marshal encodes the manifest in its stable CBOR form
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIntegrity, vaulterr.CodeBadParameters, err)
	}
	return data, nil
}

// UnmarshalManifest decodes a manifest from its stable CBOR form
func UnmarshalManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIntegrity, vaulterr.CodeBadParameters, err)
	}
	return &m, nil
}

// chunkHash computes the keyed BLAKE2b-256 of one chunk's plaintext
func chunkHash(hashKey, plaintext []byte) ([]byte, error) {
	h, err := blake2b.New256(hashKey)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadKeyLength, err)
	}
	h.Write(plaintext)
	return h.Sum(nil), nil
}

// manifestHash computes the keyed BLAKE2b-256 over the ordered chunk hashes
func manifestHash(hashKey []byte, chunks []ChunkRecord) ([]byte, error) {
	h, err := blake2b.New256(hashKey)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadKeyLength, err)
	}
	for i := range chunks {
		h.Write(chunks[i].Hash)
	}
	return h.Sum(nil), nil
}
