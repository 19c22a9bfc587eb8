package aead

import "golang.org/x/sys/cpu"

// Selector chooses the algorithm for new encryptions. Decryption never
// consults the selector; it follows the payload's stored metadata.
type Selector interface {
	Choose() Algorithm
}

// hardwareSelector prefers AES-256-GCM when the CPU carries AES instructions
// and falls back to XChaCha20-Poly1305 otherwise, where a software AES would
// be slower and potentially timing-leaky.
type hardwareSelector struct{}

func (hardwareSelector) Choose() Algorithm {
	if cpu.X86.HasAES || cpu.ARM64.HasAES {
		return AES256GCM
	}
	return XChaCha20Poly1305
}

// DefaultSelector returns the hardware-aware selection policy
func DefaultSelector() Selector {
	return hardwareSelector{}
}

// FixedSelector always chooses the given algorithm. Useful for tests and for
// deployments that pin a cipher by policy.
type FixedSelector struct {
	Algorithm Algorithm
}

func (s FixedSelector) Choose() Algorithm {
	return s.Algorithm
}
