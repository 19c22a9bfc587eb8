// Package seal wraps the storage data encryption key (DEK) for at-rest
// protection. The vault core never persists a raw DEK: it is sealed through
// KMS in production or a local key in development, and unsealed only into
// secure memory.
package seal

import (
	"context"
	"crypto/rand"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/strongroom/vaultcore/vaulterr"
)

// Sealer protects small secrets (the storage DEK) at rest
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)
	Unseal(ctx context.Context, sealed []byte) ([]byte, error)
}

// KMSSealer seals through an AWS KMS key. Encrypt needs no special
// permissions beyond the key policy; Decrypt is where access control lives.
type KMSSealer struct {
	client *kms.Client
	keyARN string
	logger zerolog.Logger
}

// NewKMSSealer creates a sealer bound to a KMS key
func NewKMSSealer(ctx context.Context, region, keyARN string, logger zerolog.Logger) (*KMSSealer, error) {
	if keyARN == "" {
		return nil, vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"KMS key ARN must not be empty")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &KMSSealer{
		client: kms.NewFromConfig(awsCfg),
		keyARN: keyARN,
		logger: logger.With().Str("component", "seal").Logger(),
	}, nil
}

// Seal encrypts the DEK under the KMS key
func (s *KMSSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	result, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &s.keyARN,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS encrypt failed: %w", err)
	}

	s.logger.Debug().
		Int("plaintext_len", len(plaintext)).
		Int("sealed_len", len(result.CiphertextBlob)).
		Msg("DEK sealed")

	return result.CiphertextBlob, nil
}

// Unseal decrypts the DEK under the KMS key
func (s *KMSSealer) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	result, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &s.keyARN,
		CiphertextBlob: sealed,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}
	return result.Plaintext, nil
}

// LocalSealer seals with a local 32-byte key. Development mode only: it
// trades the KMS trust boundary for self-containment.
type LocalSealer struct {
	key []byte
}

// NewLocalSealer creates a sealer around a local 32-byte key
func NewLocalSealer(key []byte) (*LocalSealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadKeyLength,
			"sealer key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &LocalSealer{key: k}, nil
}

// Seal implements Sealer.
func (s *LocalSealer) Seal(_ context.Context, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal implements Sealer.
func (s *LocalSealer) Unseal(_ context.Context, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, vaulterr.New(vaulterr.KindCrypto, vaulterr.CodeTagMismatch, "sealed blob too short")
	}

	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindCrypto, vaulterr.CodeTagMismatch,
			"sealed blob failed authentication")
	}
	return plaintext, nil
}
