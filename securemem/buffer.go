package securemem

import (
	"time"

	"github.com/strongroom/vaultcore/vaulterr"
)

type bufferState int

const (
	stateLive bufferState = iota
	stateReleased
	stateExpired
)

// Buffer is an opaque handle to a locked byte region with guaranteed
// zeroization. Buffers are single-owner: passing a secret between operations
// transfers ownership of the handle, never copies the bytes.
type Buffer struct {
	id        uint64
	owner     string
	data      []byte
	createdAt time.Time
	lastUsed  time.Time
	state     bufferState
	mgr       *Manager
}

// Bytes returns the underlying region for in-place use. Use after release or
// after lifetime expiry is a hard error, never a silent no-op: expired secret
// material must not be readable.
func (b *Buffer) Bytes() ([]byte, error) {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()

	if err := b.checkLiveLocked(b.mgr.now()); err != nil {
		return nil, err
	}
	b.lastUsed = b.mgr.now()
	return b.data, nil
}

// Copy fills the buffer with src. Fails if src does not fit.
func (b *Buffer) Copy(src []byte) error {
	dst, err := b.Bytes()
	if err != nil {
		return err
	}
	if len(src) > len(dst) {
		return vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"source of %d bytes does not fit buffer of %d bytes", len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

// Len returns the buffer size. Valid even after release.
func (b *Buffer) Len() int {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()
	return len(b.data)
}

// Owner returns the current owner label.
func (b *Buffer) Owner() string {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()
	return b.owner
}

// Transfer reassigns ownership of the handle to a new owner and refreshes the
// idle timer. The bytes are not copied.
func (b *Buffer) Transfer(newOwner string) error {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()

	if err := b.checkLiveLocked(b.mgr.now()); err != nil {
		return err
	}
	b.owner = newOwner
	b.lastUsed = b.mgr.now()
	return nil
}

// checkLiveLocked enforces the release/expiry state machine. The idle and
// max-lifetime checks run lazily here as well as in the reaper, so an expired
// buffer fails even if the reaper has not fired yet.
func (b *Buffer) checkLiveLocked(now time.Time) error {
	switch b.state {
	case stateReleased:
		return vaulterr.New(vaulterr.KindResource, vaulterr.CodeBufferReleased,
			"secure buffer already released")
	case stateExpired:
		return vaulterr.New(vaulterr.KindResource, vaulterr.CodeBufferExpired,
			"secure buffer expired")
	}

	if now.Sub(b.createdAt) >= b.mgr.cfg.MaxLifetime || now.Sub(b.lastUsed) >= b.mgr.cfg.IdleTimeout {
		b.mgr.expireLocked(b)
		return vaulterr.New(vaulterr.KindResource, vaulterr.CodeBufferExpired,
			"secure buffer expired")
	}
	return nil
}
