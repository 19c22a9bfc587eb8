// Package srp implements the SRP-6a password-authenticated key exchange:
// registration derives a verifier the server can check proofs against without
// ever holding the password, and login proves password knowledge without
// transmitting it. Group parameters are the RFC 5054 2048-bit group with
// SHA-256 as the hash.
package srp

import (
	"crypto/rand"
	"crypto/sha256"
	"math/big"

	"github.com/strongroom/vaultcore/vaulterr"
)

// RFC 5054 Appendix A, 2048-bit group
const groupPrimeHex = "AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050" +
	"A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50" +
	"E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B8" +
	"55F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773B" +
	"CA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748" +
	"544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6" +
	"AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB6" +
	"94B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"

var (
	groupN *big.Int
	groupG = big.NewInt(2)

	// multiplier k = H(N || PAD(g)), fixed for the group
	multiplierK *big.Int
)

// groupByteLen is the length of N in bytes; all padded values use it
const groupByteLen = 256

func init() {
	n, ok := new(big.Int).SetString(groupPrimeHex, 16)
	if !ok {
		panic("srp: invalid group prime")
	}
	groupN = n
	multiplierK = hashToInt(groupN.Bytes(), pad(groupG))
}

// pad left-pads a value to the group size, per RFC 5054
func pad(v *big.Int) []byte {
	b := v.Bytes()
	if len(b) >= groupByteLen {
		return b
	}
	out := make([]byte, groupByteLen)
	copy(out[groupByteLen-len(b):], b)
	return out
}

// hashToInt hashes the concatenation of its arguments into a group element
func hashToInt(parts ...[]byte) *big.Int {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

// randomEphemeral draws a 256-bit private ephemeral, nonzero mod N
func randomEphemeral() (*big.Int, error) {
	for {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
		}
		e := new(big.Int).SetBytes(b)
		e.Mod(e, groupN)
		if e.Sign() != 0 {
			return e, nil
		}
	}
}

// checkPublicEphemeral rejects degenerate public values: X mod N == 0 lets a
// peer force the shared secret to zero.
func checkPublicEphemeral(x *big.Int) error {
	r := new(big.Int).Mod(x, groupN)
	if r.Sign() == 0 {
		return vaulterr.New(vaulterr.KindAuthentication, vaulterr.CodeProofMismatch,
			"invalid public ephemeral")
	}
	return nil
}

// GroupPrimeHex exposes the group prime for interoperability checks
func GroupPrimeHex() string {
	return groupPrimeHex
}

// xorBytes returns a XOR b; both must be equal length
func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// hashBytes is SHA-256 over the concatenation of its arguments
func hashBytes(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
