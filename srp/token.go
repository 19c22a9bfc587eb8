package srp

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/strongroom/vaultcore/vaulterr"
)

// TokenIssuer signs session tokens handed out after a verified login.
// HMAC-SHA-256 over a 32-byte key derived with the token-key purpose label,
// so the signing key re-derives with the rest of the hierarchy.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
}

// NewTokenIssuer creates an issuer around a 32-byte signing key
func NewTokenIssuer(key []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(key) != 32 {
		return nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadKeyLength,
			"token key must be 32 bytes, got %d", len(key))
	}
	if ttl <= 0 {
		return nil, vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"token ttl must be positive")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &TokenIssuer{key: k, ttl: ttl}, nil
}

// Issue signs a token for the account
func (t *TokenIssuer) Issue(accountID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   accountID,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}
	return signed, nil
}

// Verify checks a token's signature and expiry and returns the account id
func (t *TokenIssuer) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, vaulterr.New(vaulterr.KindAuthentication, vaulterr.CodeProofMismatch,
					"unexpected signing method")
			}
			return t.key, nil
		})
	if err != nil {
		return "", vaulterr.Wrap(vaulterr.KindAuthentication, vaulterr.CodeProofMismatch, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", vaulterr.New(vaulterr.KindAuthentication, vaulterr.CodeProofMismatch,
			"malformed token claims")
	}
	return claims.Subject, nil
}
