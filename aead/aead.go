// Package aead provides authenticated encryption over interchangeable
// ciphers. Payloads are self-describing: decrypt dispatches on the algorithm
// and format version stored in the payload, never on current policy, so
// stored data survives algorithm migration without re-deriving keys.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/strongroom/vaultcore/vaulterr"
)

// Algorithm identifies a supported AEAD construction
type Algorithm string

const (
	// AES256GCM is AES-256 in Galois/Counter Mode, 12-byte nonce, 16-byte tag
	AES256GCM Algorithm = "aes-256-gcm"

	// XChaCha20Poly1305 is XChaCha20-Poly1305, 24-byte nonce, 16-byte tag
	XChaCha20Poly1305 Algorithm = "xchacha20-poly1305"
)

// KeyLen is the key size for both supported algorithms
const KeyLen = 32

// TagLen is the authentication tag size for both supported algorithms
const TagLen = 16

// FormatVersion is the current payload format version
const FormatVersion = 1

// EncryptedPayload is the stable persisted encryption format. The algorithm
// identifier and version travel with the ciphertext so payloads written under
// an old policy remain decryptable.
type EncryptedPayload struct {
	Algorithm  Algorithm `cbor:"1,keyasint" json:"algorithm"`
	Version    uint      `cbor:"2,keyasint" json:"version"`
	Nonce      []byte    `cbor:"3,keyasint" json:"nonce"`
	Ciphertext []byte    `cbor:"4,keyasint" json:"ciphertext"`
	Tag        []byte    `cbor:"5,keyasint" json:"tag"`
}

// Marshal encodes the payload in its stable CBOR form.
func (p *EncryptedPayload) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(p)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}
	return data, nil
}

// UnmarshalPayload decodes a payload from its stable CBOR form.
func UnmarshalPayload(data []byte) (*EncryptedPayload, error) {
	var p EncryptedPayload
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}
	return &p, nil
}

// Cipher encrypts and decrypts payloads. It carries the deterministic-nonce
// bookkeeping, so construct one per process scope rather than sharing hidden
// global state.
type Cipher struct {
	selector Selector

	// seenNonces tracks (key fingerprint, nonce) pairs used through the
	// deterministic-nonce path. Reuse fails closed with a crypto error.
	// Bounded by maxSeenNonces; EncryptWithNonce is for pinned vectors and
	// deterministic protocols, not a general encrypt path.
	mu         sync.Mutex
	seenNonces map[[32]byte]struct{}
}

// maxSeenNonces caps the deterministic-nonce bookkeeping. Once the cap is
// reached further deterministic encryptions are refused rather than letting
// the reuse guard degrade or the set grow without bound.
const maxSeenNonces = 4096

// New creates a Cipher with the default hardware-aware algorithm selector
func New() *Cipher {
	return NewWithSelector(DefaultSelector())
}

// NewWithSelector creates a Cipher with an explicit selection policy
func NewWithSelector(sel Selector) *Cipher {
	return &Cipher{
		selector:   sel,
		seenNonces: make(map[[32]byte]struct{}),
	}
}

// Encrypt seals plaintext under key with a fresh random nonce. The algorithm
// is chosen by the selector unless hint names one explicitly.
func (c *Cipher) Encrypt(plaintext, key []byte, hint Algorithm) (*EncryptedPayload, error) {
	alg := hint
	if alg == "" {
		alg = c.selector.Choose()
	}

	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}

	return seal(aead, alg, key, nonce, plaintext), nil
}

// EncryptWithNonce seals plaintext under key with a caller-supplied nonce.
// This path exists for pinned reference vectors and deterministic protocols;
// reusing a nonce under the same key is a correctness violation, so the
// cipher remembers every (key, nonce) pair seen here and fails closed on a
// repeat instead of producing a second ciphertext.
func (c *Cipher) EncryptWithNonce(plaintext, key, nonce []byte, alg Algorithm) (*EncryptedPayload, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, vaulterr.Newf(vaulterr.KindCrypto, vaulterr.CodeBadParameters,
			"nonce must be %d bytes for %s, got %d", aead.NonceSize(), alg, len(nonce))
	}

	fp := nonceFingerprint(key, nonce, alg)
	c.mu.Lock()
	if _, used := c.seenNonces[fp]; used {
		c.mu.Unlock()
		return nil, vaulterr.New(vaulterr.KindCrypto, vaulterr.CodeNonceReuse,
			"nonce already used under this key")
	}
	if len(c.seenNonces) >= maxSeenNonces {
		c.mu.Unlock()
		return nil, vaulterr.New(vaulterr.KindResource, vaulterr.CodeResourceExhausted,
			"deterministic nonce budget exhausted")
	}
	c.seenNonces[fp] = struct{}{}
	c.mu.Unlock()

	return seal(aead, alg, key, nonce, plaintext), nil
}

// Decrypt opens a payload, dispatching on its stored algorithm and version.
// The authentication tag is verified before any plaintext is released; on
// mismatch no partial output is returned.
func (c *Cipher) Decrypt(payload *EncryptedPayload, key []byte) ([]byte, error) {
	if payload == nil {
		return nil, vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"payload must not be nil")
	}
	if payload.Version != FormatVersion {
		return nil, vaulterr.Newf(vaulterr.KindCrypto, vaulterr.CodeBadParameters,
			"unsupported payload version %d", payload.Version)
	}
	if len(payload.Tag) != TagLen {
		return nil, vaulterr.Newf(vaulterr.KindCrypto, vaulterr.CodeTagMismatch,
			"tag must be %d bytes, got %d", TagLen, len(payload.Tag))
	}

	aead, err := newAEAD(payload.Algorithm, key)
	if err != nil {
		return nil, err
	}
	if len(payload.Nonce) != aead.NonceSize() {
		return nil, vaulterr.Newf(vaulterr.KindCrypto, vaulterr.CodeBadParameters,
			"nonce must be %d bytes for %s, got %d", aead.NonceSize(), payload.Algorithm, len(payload.Nonce))
	}

	sealed := make([]byte, 0, len(payload.Ciphertext)+TagLen)
	sealed = append(sealed, payload.Ciphertext...)
	sealed = append(sealed, payload.Tag...)

	plaintext, err := aead.Open(nil, payload.Nonce, sealed, nil)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindCrypto, vaulterr.CodeTagMismatch,
			"authentication tag verification failed")
	}
	return plaintext, nil
}

// seal runs the AEAD and splits the trailing tag into its own field.
func seal(aead cipher.AEAD, alg Algorithm, key, nonce, plaintext []byte) *EncryptedPayload {
	out := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := out[:len(out)-TagLen], out[len(out)-TagLen:]

	nonceCopy := make([]byte, len(nonce))
	copy(nonceCopy, nonce)

	return &EncryptedPayload{
		Algorithm:  alg,
		Version:    FormatVersion,
		Nonce:      nonceCopy,
		Ciphertext: ct,
		Tag:        tag,
	}
}

// newAEAD constructs the cipher for an algorithm, validating key length first.
func newAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, vaulterr.Newf(vaulterr.KindCrypto, vaulterr.CodeBadKeyLength,
			"key must be %d bytes, got %d", KeyLen, len(key))
	}

	switch alg {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
		}
		return gcm, nil
	case XChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
		}
		return aead, nil
	default:
		return nil, vaulterr.Newf(vaulterr.KindCrypto, vaulterr.CodeBadAlgorithm,
			"unsupported algorithm %q", alg)
	}
}

// nonceFingerprint binds a nonce to a key without retaining the key itself.
func nonceFingerprint(key, nonce []byte, alg Algorithm) [32]byte {
	h := sha256.New()
	h.Write([]byte(alg))
	h.Write([]byte{0})
	h.Write(key)
	h.Write([]byte{0})
	h.Write(nonce)
	var fp [32]byte
	copy(fp[:], h.Sum(nil))
	return fp
}
