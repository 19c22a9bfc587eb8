package seal

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/strongroom/vaultcore/vaulterr"
)

func TestLocalSealerRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)

	s, err := NewLocalSealer(key)
	if err != nil {
		t.Fatalf("NewLocalSealer failed: %v", err)
	}

	dek := make([]byte, 32)
	rand.Read(dek)

	sealed, err := s.Seal(context.Background(), dek)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, dek) {
		t.Error("Sealed blob contains raw DEK")
	}

	unsealed, err := s.Unseal(context.Background(), sealed)
	if err != nil {
		t.Fatalf("Unseal failed: %v", err)
	}
	if !bytes.Equal(unsealed, dek) {
		t.Error("Unsealed DEK mismatch")
	}
}

func TestLocalSealerTamper(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	s, _ := NewLocalSealer(key)

	sealed, err := s.Seal(context.Background(), []byte("secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01

	if _, err := s.Unseal(context.Background(), sealed); !vaulterr.IsKind(err, vaulterr.KindCrypto) {
		t.Errorf("Expected crypto error on tampered blob, got %v", err)
	}
}

func TestLocalSealerKeyLength(t *testing.T) {
	if _, err := NewLocalSealer(make([]byte, 16)); vaulterr.CodeOf(err) != vaulterr.CodeBadKeyLength {
		t.Errorf("Expected key-length-mismatch, got %v", err)
	}
}
