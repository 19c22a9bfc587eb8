package srp

import (
	"crypto/rand"
	"math/big"

	"github.com/strongroom/vaultcore/securemem"
	"github.com/strongroom/vaultcore/vaulterr"
)

// VerifierSaltLen is the salt size generated at registration
const VerifierSaltLen = 32

// ComputeVerifier derives the long-term {verifier, salt} pair the client
// registers with. The server stores these instead of the password:
// x = H(salt || H(accountID ":" password)), v = g^x mod N.
func ComputeVerifier(accountID string, password, salt []byte) ([]byte, error) {
	if accountID == "" {
		return nil, vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"account id must not be empty")
	}
	if len(password) == 0 {
		return nil, vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"password must not be empty")
	}
	if len(salt) != VerifierSaltLen {
		return nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"salt must be %d bytes, got %d", VerifierSaltLen, len(salt))
	}

	x := privateExponent(accountID, password, salt)
	v := new(big.Int).Exp(groupG, x, groupN)
	x.SetInt64(0)
	return v.Bytes(), nil
}

// GenerateSalt draws a fresh registration salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, VerifierSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}
	return salt, nil
}

// ClientSession is the client half of one login exchange. Single use: one
// ProcessChallenge per session.
type ClientSession struct {
	accountID string
	password  []byte

	a *big.Int // private ephemeral
	A *big.Int // public ephemeral

	sessionKey []byte // K, after ProcessChallenge
	evidenceM1 []byte // client evidence, after ProcessChallenge
}

// NewClientSession starts a login attempt for the account. The password slice
// is retained until ProcessChallenge wipes it; callers hand over ownership.
func NewClientSession(accountID string, password []byte) (*ClientSession, error) {
	if accountID == "" || len(password) == 0 {
		return nil, vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"account id and password must not be empty")
	}

	a, err := randomEphemeral()
	if err != nil {
		return nil, err
	}

	return &ClientSession{
		accountID: accountID,
		password:  password,
		a:         a,
		A:         new(big.Int).Exp(groupG, a, groupN),
	}, nil
}

// PublicEphemeral returns A, sent to the server with the evidence
func (c *ClientSession) PublicEphemeral() []byte {
	return c.A.Bytes()
}

// ProcessChallenge consumes the server's {salt, B} challenge and produces the
// client evidence M1. The shared secret is the standard SRP-6a combination:
// S = (B - k*g^x)^(a + u*x) mod N, K = H(PAD(S)).
func (c *ClientSession) ProcessChallenge(salt, serverPublic []byte) ([]byte, error) {
	if c.evidenceM1 != nil {
		return nil, vaulterr.New(vaulterr.KindValidation, vaulterr.CodeSessionConsumed,
			"challenge already processed")
	}
	if len(salt) != VerifierSaltLen {
		return nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"salt must be %d bytes, got %d", VerifierSaltLen, len(salt))
	}

	B := new(big.Int).SetBytes(serverPublic)
	if err := checkPublicEphemeral(B); err != nil {
		return nil, err
	}

	u := hashToInt(pad(c.A), pad(B))
	if u.Sign() == 0 {
		return nil, vaulterr.New(vaulterr.KindAuthentication, vaulterr.CodeProofMismatch,
			"degenerate scrambling parameter")
	}

	x := privateExponent(c.accountID, c.password, salt)
	for i := range c.password {
		c.password[i] = 0
	}
	c.password = nil

	// S = (B - k*g^x)^(a + u*x) mod N
	gx := new(big.Int).Exp(groupG, x, groupN)
	kgx := new(big.Int).Mul(multiplierK, gx)
	base := new(big.Int).Sub(B, kgx)
	base.Mod(base, groupN)

	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)
	x.SetInt64(0)

	S := new(big.Int).Exp(base, exp, groupN)
	exp.SetInt64(0)
	c.a.SetInt64(0)

	c.sessionKey = hashBytes(pad(S))
	S.SetInt64(0)

	c.evidenceM1 = evidenceM1(c.accountID, salt, c.A, B, c.sessionKey)
	return c.evidenceM1, nil
}

// VerifyServerEvidence checks the server's M2 against the expected
// H(PAD(A) || M1 || K), proving the server also derived the session key.
func (c *ClientSession) VerifyServerEvidence(serverEvidence []byte) error {
	if c.evidenceM1 == nil {
		return vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"challenge not yet processed")
	}
	expected := evidenceM2(c.A, c.evidenceM1, c.sessionKey)
	if !securemem.Equal(expected, serverEvidence) {
		return vaulterr.New(vaulterr.KindAuthentication, vaulterr.CodeProofMismatch,
			"server evidence mismatch")
	}
	return nil
}

// SessionKey returns K after a processed challenge. Callers own wiping it.
func (c *ClientSession) SessionKey() []byte {
	return c.sessionKey
}

// privateExponent computes x = H(salt || H(accountID ":" password))
func privateExponent(accountID string, password, salt []byte) *big.Int {
	inner := hashBytes([]byte(accountID), []byte(":"), password)
	return hashToInt(salt, inner)
}

// evidenceM1 computes H(H(N) xor H(g) || H(I) || salt || PAD(A) || PAD(B) || K)
func evidenceM1(accountID string, salt []byte, A, B *big.Int, sessionKey []byte) []byte {
	hn := hashBytes(groupN.Bytes())
	hg := hashBytes(pad(groupG))
	return hashBytes(
		xorBytes(hn, hg),
		hashBytes([]byte(accountID)),
		salt,
		pad(A),
		pad(B),
		sessionKey,
	)
}

// evidenceM2 computes H(PAD(A) || M1 || K)
func evidenceM2(A *big.Int, m1, sessionKey []byte) []byte {
	return hashBytes(pad(A), m1, sessionKey)
}
