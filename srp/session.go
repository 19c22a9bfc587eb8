package srp

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/strongroom/vaultcore/vaulterr"
)

// StateChallengeIssued is the only persisted session state: verification
// consumes the record atomically, so terminal states are never stored.
const StateChallengeIssued = "challenge-issued"

// Session is the server-side login session persisted between LoginInit and
// LoginVerify. Single use: consumed by exactly one verification attempt or
// discarded on expiry. The private ephemeral never leaves the server.
type Session struct {
	AccountID     string `cbor:"1,keyasint"`
	Salt          []byte `cbor:"2,keyasint"`
	Verifier      []byte `cbor:"3,keyasint"`
	ServerPublic  []byte `cbor:"4,keyasint"`
	ServerPrivate []byte `cbor:"5,keyasint"`
	CreatedAt     int64  `cbor:"6,keyasint"`
	ExpiresAt     int64  `cbor:"7,keyasint"`
	State         string `cbor:"8,keyasint"`
}

// verifierRecord is the long-term registration record per account
type verifierRecord struct {
	Salt      []byte `cbor:"1,keyasint"`
	Verifier  []byte `cbor:"2,keyasint"`
	CreatedAt int64  `cbor:"3,keyasint"`
}

// attemptRecord tracks failed verifications inside the sliding lockout window
type attemptRecord struct {
	Failures    []int64 `cbor:"1,keyasint"`
	LockedUntil int64   `cbor:"2,keyasint"`
}

func encodeRecord(v any) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}
	return data, nil
}

func decodeRecord(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}
	return nil
}
