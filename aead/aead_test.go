package aead

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/strongroom/vaultcore/vaulterr"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeyLen)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	return key
}

func TestRoundTripAllAlgorithms(t *testing.T) {
	c := New()
	key := randomKey(t)

	plaintexts := [][]byte{
		nil,
		[]byte(""),
		[]byte("hello"),
		bytes.Repeat([]byte{0xA5}, 1<<16),
	}

	for _, alg := range []Algorithm{AES256GCM, XChaCha20Poly1305} {
		for _, pt := range plaintexts {
			payload, err := c.Encrypt(pt, key, alg)
			if err != nil {
				t.Fatalf("Encrypt(%s, %d bytes) failed: %v", alg, len(pt), err)
			}
			if payload.Algorithm != alg {
				t.Errorf("Payload algorithm %s, want %s", payload.Algorithm, alg)
			}
			if len(payload.Tag) != TagLen {
				t.Errorf("Tag length %d, want %d", len(payload.Tag), TagLen)
			}

			got, err := c.Decrypt(payload, key)
			if err != nil {
				t.Fatalf("Decrypt(%s, %d bytes) failed: %v", alg, len(pt), err)
			}
			if !bytes.Equal(got, pt) {
				t.Errorf("Round trip mismatch for %s with %d bytes", alg, len(pt))
			}
		}
	}
}

func TestNonceSizes(t *testing.T) {
	c := New()
	key := randomKey(t)

	gcm, err := c.Encrypt([]byte("x"), key, AES256GCM)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(gcm.Nonce) != 12 {
		t.Errorf("AES-GCM nonce length %d, want 12", len(gcm.Nonce))
	}

	xcc, err := c.Encrypt([]byte("x"), key, XChaCha20Poly1305)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(xcc.Nonce) != 24 {
		t.Errorf("XChaCha20 nonce length %d, want 24", len(xcc.Nonce))
	}
}

func TestTamperDetection(t *testing.T) {
	c := New()
	key := randomKey(t)
	pt := []byte("the quick brown fox")

	for _, alg := range []Algorithm{AES256GCM, XChaCha20Poly1305} {
		payload, err := c.Encrypt(pt, key, alg)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}

		// Flip every bit of the ciphertext, one at a time
		for i := 0; i < len(payload.Ciphertext); i++ {
			for bit := 0; bit < 8; bit++ {
				payload.Ciphertext[i] ^= 1 << bit
				if _, err := c.Decrypt(payload, key); !vaulterr.IsKind(err, vaulterr.KindCrypto) {
					t.Fatalf("%s: ciphertext byte %d bit %d: expected crypto error, got %v", alg, i, bit, err)
				}
				payload.Ciphertext[i] ^= 1 << bit
			}
		}

		// Flip every bit of the tag
		for i := 0; i < len(payload.Tag); i++ {
			for bit := 0; bit < 8; bit++ {
				payload.Tag[i] ^= 1 << bit
				if _, err := c.Decrypt(payload, key); !vaulterr.IsKind(err, vaulterr.KindCrypto) {
					t.Fatalf("%s: tag byte %d bit %d: expected crypto error, got %v", alg, i, bit, err)
				}
				payload.Tag[i] ^= 1 << bit
			}
		}

		// Untampered payload still decrypts
		if _, err := c.Decrypt(payload, key); err != nil {
			t.Fatalf("%s: restored payload failed to decrypt: %v", alg, err)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	c := New()
	payload, err := c.Encrypt([]byte("secret"), randomKey(t), XChaCha20Poly1305)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := c.Decrypt(payload, randomKey(t)); vaulterr.CodeOf(err) != vaulterr.CodeTagMismatch {
		t.Errorf("Expected tag-mismatch, got %v", err)
	}
}

func TestDecryptDispatchesOnStoredAlgorithm(t *testing.T) {
	// A cipher whose policy prefers XChaCha must still decrypt a payload
	// that records AES-GCM: migration never re-encrypts old data.
	writer := NewWithSelector(FixedSelector{Algorithm: AES256GCM})
	reader := NewWithSelector(FixedSelector{Algorithm: XChaCha20Poly1305})
	key := randomKey(t)

	payload, err := writer.Encrypt([]byte("pre-migration"), key, "")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if payload.Algorithm != AES256GCM {
		t.Fatalf("Selector ignored: got %s", payload.Algorithm)
	}

	got, err := reader.Decrypt(payload, key)
	if err != nil {
		t.Fatalf("Decrypt after policy change failed: %v", err)
	}
	if string(got) != "pre-migration" {
		t.Errorf("Plaintext mismatch after policy change")
	}
}

func TestKeyLengthValidation(t *testing.T) {
	c := New()
	if _, err := c.Encrypt([]byte("x"), make([]byte, 16), AES256GCM); vaulterr.CodeOf(err) != vaulterr.CodeBadKeyLength {
		t.Errorf("Expected key-length-mismatch, got %v", err)
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	c := New()
	key := randomKey(t)

	if _, err := c.Encrypt([]byte("x"), key, "des-ecb"); vaulterr.CodeOf(err) != vaulterr.CodeBadAlgorithm {
		t.Errorf("Expected unsupported-algorithm on encrypt, got %v", err)
	}

	payload := &EncryptedPayload{Algorithm: "des-ecb", Version: FormatVersion, Nonce: make([]byte, 12), Tag: make([]byte, TagLen)}
	if _, err := c.Decrypt(payload, key); vaulterr.CodeOf(err) != vaulterr.CodeBadAlgorithm {
		t.Errorf("Expected unsupported-algorithm on decrypt, got %v", err)
	}
}

func TestDeterministicNonceFailsClosedOnReuse(t *testing.T) {
	c := New()
	key := randomKey(t)
	nonce := make([]byte, 12)

	if _, err := c.EncryptWithNonce([]byte("one"), key, nonce, AES256GCM); err != nil {
		t.Fatalf("First deterministic encrypt failed: %v", err)
	}

	// Same nonce under the same key must fail closed, even for identical plaintext
	if _, err := c.EncryptWithNonce([]byte("one"), key, nonce, AES256GCM); vaulterr.CodeOf(err) != vaulterr.CodeNonceReuse {
		t.Fatalf("Expected nonce-reuse error, got %v", err)
	}

	// A different key may use the same nonce
	if _, err := c.EncryptWithNonce([]byte("one"), randomKey(t), nonce, AES256GCM); err != nil {
		t.Errorf("Different key with same nonce failed: %v", err)
	}

	// A different nonce under the original key is fine
	nonce2 := make([]byte, 12)
	nonce2[0] = 1
	if _, err := c.EncryptWithNonce([]byte("two"), key, nonce2, AES256GCM); err != nil {
		t.Errorf("Fresh nonce failed: %v", err)
	}
}

func TestDeterministicVector(t *testing.T) {
	// Fixed key and nonce reproduce a fixed ciphertext and tag: the
	// deterministic path is what pins reference vectors.
	key := bytes.Repeat([]byte{0x11}, KeyLen)
	nonce := bytes.Repeat([]byte{0x22}, 12)

	c1 := New()
	p1, err := c1.EncryptWithNonce([]byte("hello"), key, nonce, AES256GCM)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	c2 := New()
	p2, err := c2.EncryptWithNonce([]byte("hello"), key, nonce, AES256GCM)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if !bytes.Equal(p1.Ciphertext, p2.Ciphertext) || !bytes.Equal(p1.Tag, p2.Tag) {
		t.Error("Deterministic encryption not reproducible")
	}
	if len(p1.Ciphertext) != 5 {
		t.Errorf("AES-GCM ciphertext length %d, want 5", len(p1.Ciphertext))
	}
}

func TestPayloadCBORRoundTrip(t *testing.T) {
	c := New()
	key := randomKey(t)

	payload, err := c.Encrypt([]byte("serialize me"), key, XChaCha20Poly1305)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	data, err := payload.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	decoded, err := UnmarshalPayload(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	got, err := c.Decrypt(decoded, key)
	if err != nil {
		t.Fatalf("Decrypt of decoded payload failed: %v", err)
	}
	if string(got) != "serialize me" {
		t.Error("Plaintext mismatch after CBOR round trip")
	}
}

func TestDeterministicNonceBudget(t *testing.T) {
	c := New()
	key := randomKey(t)

	// Fill the bookkeeping to its cap with distinct nonces
	nonce := make([]byte, 24)
	for i := 0; i < maxSeenNonces; i++ {
		binary.BigEndian.PutUint64(nonce, uint64(i))
		if _, err := c.EncryptWithNonce([]byte("v"), key, nonce, XChaCha20Poly1305); err != nil {
			t.Fatalf("Encryption %d failed: %v", i, err)
		}
	}

	// The next deterministic encryption is refused, never untracked
	binary.BigEndian.PutUint64(nonce, uint64(maxSeenNonces))
	_, err := c.EncryptWithNonce([]byte("v"), key, nonce, XChaCha20Poly1305)
	if vaulterr.CodeOf(err) != vaulterr.CodeResourceExhausted {
		t.Fatalf("Expected resource-exhausted at the nonce budget, got %v", err)
	}

	// The random-nonce path is unaffected by the budget
	if _, err := c.Encrypt([]byte("v"), key, XChaCha20Poly1305); err != nil {
		t.Errorf("Random-nonce encryption failed after budget exhaustion: %v", err)
	}
}
