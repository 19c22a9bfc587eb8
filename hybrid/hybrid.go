// Package hybrid composes a classical X25519 key agreement with an
// ML-KEM-768 encapsulation. The combined shared key stays secret as long as
// either component holds, which is the hedge against a future quantum
// adversary without betting the vault on a young algorithm alone.
package hybrid

import (
	"crypto/rand"
	"crypto/sha512"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/strongroom/vaultcore/vaulterr"
)

// Mode selects which components participate in the key agreement
type Mode string

const (
	// ModeClassicalOnly uses X25519 alone
	ModeClassicalOnly Mode = "classical-only"

	// ModeHybrid combines X25519 with ML-KEM-768
	ModeHybrid Mode = "hybrid"

	// ModePostQuantumOnly is defined in the interface but deliberately not
	// implemented: the classical component is the hedge against immaturity
	// in the post-quantum algorithms, so dropping it is never allowed.
	ModePostQuantumOnly Mode = "post-quantum-only"
)

// SharedKeyLen is the size of the combined shared key
const SharedKeyLen = 32

// Sizes of the ML-KEM-768 component, fixed by the algorithm
const (
	KEMPublicKeyLen  = 1184
	KEMPrivateKeyLen = 2400
	KEMCiphertextLen = 1088
)

// hkdfInfo is the domain label for the combining KDF
const hkdfInfo = "vaultcore/hybrid/v1"

// KeyPair holds the recipient's key material for one mode. The private
// halves never leave the process; callers wipe them when done.
type KeyPair struct {
	Mode Mode

	X25519Public  []byte
	X25519Private []byte

	KEMPublic  []byte
	KEMPrivate []byte
}

// PublicKey is the recipient half shared with encapsulating peers
type PublicKey struct {
	Mode   Mode   `cbor:"1,keyasint" json:"mode"`
	X25519 []byte `cbor:"2,keyasint" json:"x25519"`
	KEM    []byte `cbor:"3,keyasint" json:"kem,omitempty"`
}

// Encapsulation carries the sender's ephemeral material to the recipient.
// It holds no secret: the shared key is recoverable only with the
// recipient's private keys.
type Encapsulation struct {
	X25519Ephemeral []byte `cbor:"1,keyasint" json:"x25519_ephemeral"`
	KEMCiphertext   []byte `cbor:"2,keyasint" json:"kem_ciphertext,omitempty"`
}

// DecapsulationPolicy controls degradation when the post-quantum component
// is absent from an encapsulation.
type DecapsulationPolicy struct {
	// AllowClassicalFallback permits a hybrid keypair to accept an
	// encapsulation that carries only the classical component. Off by
	// default: silent downgrade defeats the point of the hybrid.
	AllowClassicalFallback bool
}

// GenerateKeyPair creates a recipient keypair for the mode
func GenerateKeyPair(mode Mode) (*KeyPair, error) {
	switch mode {
	case ModeClassicalOnly, ModeHybrid:
	case ModePostQuantumOnly:
		return nil, errPostQuantumOnly()
	default:
		return nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"unsupported mode %q", mode)
	}

	xPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, xPriv); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}
	xPub, err := curve25519.X25519(xPriv, curve25519.Basepoint)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}

	kp := &KeyPair{
		Mode:          mode,
		X25519Public:  xPub,
		X25519Private: xPriv,
	}

	if mode == ModeHybrid {
		pub, priv, err := mlkem768.GenerateKeyPair(rand.Reader)
		if err != nil {
			return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
		}
		kp.KEMPublic, _ = pub.MarshalBinary()
		kp.KEMPrivate, _ = priv.MarshalBinary()
	}

	return kp, nil
}

// Public returns the shareable half of the keypair
func (k *KeyPair) Public() *PublicKey {
	return &PublicKey{Mode: k.Mode, X25519: k.X25519Public, KEM: k.KEMPublic}
}

// Encapsulate derives a fresh shared key for the recipient. In hybrid mode
// both components contribute; losing either secret alone does not reveal
// the combined key.
func Encapsulate(pub *PublicKey) (*Encapsulation, []byte, error) {
	if pub == nil {
		return nil, nil, vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"public key must not be nil")
	}
	switch pub.Mode {
	case ModeClassicalOnly, ModeHybrid:
	case ModePostQuantumOnly:
		return nil, nil, errPostQuantumOnly()
	default:
		return nil, nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"unsupported mode %q", pub.Mode)
	}
	if len(pub.X25519) != curve25519.PointSize {
		return nil, nil, vaulterr.Newf(vaulterr.KindCrypto, vaulterr.CodeBadKeyLength,
			"x25519 public key must be %d bytes, got %d", curve25519.PointSize, len(pub.X25519))
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return nil, nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}
	classical, err := curve25519.X25519(ephPriv, pub.X25519)
	if err != nil {
		return nil, nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}
	for i := range ephPriv {
		ephPriv[i] = 0
	}

	enc := &Encapsulation{X25519Ephemeral: ephPub}
	var pqSecret []byte

	if pub.Mode == ModeHybrid {
		if len(pub.KEM) != KEMPublicKeyLen {
			return nil, nil, vaulterr.New(vaulterr.KindCrypto, vaulterr.CodeMissingComponent,
				"hybrid public key is missing its post-quantum component")
		}
		var kemPub mlkem768.PublicKey
		if err := kemPub.Unpack(pub.KEM); err != nil {
			return nil, nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
		}
		ct := make([]byte, KEMCiphertextLen)
		pqSecret = make([]byte, mlkem768.SharedKeySize)
		kemPub.EncapsulateTo(ct, pqSecret, nil)
		enc.KEMCiphertext = ct
	}

	shared := combine(classical, pqSecret, pub.X25519, enc)
	wipe(classical)
	wipe(pqSecret)
	return enc, shared, nil
}

// Decapsulate recovers the shared key from an encapsulation. A hybrid
// keypair requires the post-quantum ciphertext unless the policy explicitly
// allows classical fallback.
func Decapsulate(kp *KeyPair, enc *Encapsulation, policy DecapsulationPolicy) ([]byte, error) {
	if kp == nil || enc == nil {
		return nil, vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"keypair and encapsulation must not be nil")
	}
	switch kp.Mode {
	case ModeClassicalOnly, ModeHybrid:
	case ModePostQuantumOnly:
		return nil, errPostQuantumOnly()
	default:
		return nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"unsupported mode %q", kp.Mode)
	}

	classical, err := curve25519.X25519(kp.X25519Private, enc.X25519Ephemeral)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
	}

	var pqSecret []byte
	if kp.Mode == ModeHybrid {
		if len(enc.KEMCiphertext) == 0 {
			if !policy.AllowClassicalFallback {
				return nil, vaulterr.New(vaulterr.KindCrypto, vaulterr.CodeMissingComponent,
					"encapsulation is missing its post-quantum component")
			}
		} else {
			if len(enc.KEMCiphertext) != KEMCiphertextLen {
				return nil, vaulterr.Newf(vaulterr.KindCrypto, vaulterr.CodeBadParameters,
					"kem ciphertext must be %d bytes, got %d", KEMCiphertextLen, len(enc.KEMCiphertext))
			}
			var kemPriv mlkem768.PrivateKey
			if err := kemPriv.Unpack(kp.KEMPrivate); err != nil {
				return nil, vaulterr.Wrap(vaulterr.KindCrypto, vaulterr.CodeBadParameters, err)
			}
			pqSecret = make([]byte, mlkem768.SharedKeySize)
			kemPriv.DecapsulateTo(pqSecret, enc.KEMCiphertext)
		}
	}

	shared := combine(classical, pqSecret, kp.X25519Public, enc)
	wipe(classical)
	wipe(pqSecret)
	return shared, nil
}

// combine derives the shared key from the concatenated component secrets.
// The transcript of all public values salts the extraction, binding the key
// to this exact exchange.
func combine(classical, pqSecret, recipientPub []byte, enc *Encapsulation) []byte {
	transcript := sha512.New()
	transcript.Write([]byte(hkdfInfo))
	transcript.Write(enc.X25519Ephemeral)
	transcript.Write(recipientPub)
	transcript.Write(enc.KEMCiphertext)

	secret := make([]byte, 0, len(classical)+len(pqSecret))
	secret = append(secret, classical...)
	secret = append(secret, pqSecret...)

	r := hkdf.New(sha512.New, secret, transcript.Sum(nil), []byte(hkdfInfo))
	shared := make([]byte, SharedKeyLen)
	// 32 bytes from a SHA-512 HKDF stream cannot fail
	_, _ = io.ReadFull(r, shared)
	wipe(secret)
	return shared
}

func errPostQuantumOnly() error {
	return vaulterr.New(vaulterr.KindUnimplemented, vaulterr.CodeNotImplemented,
		"post-quantum-only mode is not implemented")
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
