// Package securemem provides scoped, zeroizing storage for secret byte
// buffers. Every secret intermediate value in the vault core lives inside a
// Buffer handed out by a Manager; regions are page-locked where the platform
// allows it and overwritten synchronously on release or expiry.
package securemem

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strongroom/vaultcore/config"
	"github.com/strongroom/vaultcore/vaulterr"
)

// reapInterval is how often the background reaper scans for expired buffers.
const reapInterval = 10 * time.Second

// wipePatterns are cycled across overwrite passes; the final pass is always
// zeros and is verified before the region is returned to the allocator.
var wipePatterns = []byte{0xFF, 0x55, 0x00}

// Manager tracks live secure buffers and enforces their lifecycle
type Manager struct {
	cfg    config.SecureMemConfig
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	buffers   map[uint64]*Buffer
	nextID    uint64
	usedBytes int
	stop      chan struct{}
	stopped   bool
}

// NewManager creates a secure memory manager and starts its expiry reaper
func NewManager(cfg config.SecureMemConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		logger:  logger.With().Str("component", "securemem").Logger(),
		now:     time.Now,
		buffers: make(map[uint64]*Buffer),
		stop:    make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Acquire allocates a locked, zero-filled buffer of the given size
func (m *Manager) Acquire(size int, owner string) (*Buffer, error) {
	if size <= 0 {
		return nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"buffer size must be positive, got %d", size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, vaulterr.New(vaulterr.KindResource, vaulterr.CodeAllocFailed,
			"secure memory manager is closed")
	}
	if m.cfg.MaxBytes > 0 && m.usedBytes+size > m.cfg.MaxBytes {
		m.logger.Warn().
			Int("requested", size).
			Int("used", m.usedBytes).
			Int("max", m.cfg.MaxBytes).
			Msg("Secure memory allocation rejected")
		return nil, vaulterr.Newf(vaulterr.KindResource, vaulterr.CodeAllocFailed,
			"secure memory budget exceeded: %d of %d bytes in use", m.usedBytes, m.cfg.MaxBytes)
	}

	data := make([]byte, size)
	if err := lockMemory(data); err != nil {
		// Locking is best effort: not all platforms grant mlock to
		// unprivileged processes. The zeroization guarantees still hold.
		m.logger.Debug().Err(err).Int("size", size).Msg("Memory lock unavailable")
	}

	m.nextID++
	buf := &Buffer{
		id:        m.nextID,
		owner:     owner,
		data:      data,
		createdAt: m.now(),
		lastUsed:  m.now(),
		state:     stateLive,
		mgr:       m,
	}
	m.buffers[buf.id] = buf
	m.usedBytes += size

	m.logger.Debug().
		Uint64("buffer_id", buf.id).
		Str("owner", owner).
		Int("size", size).
		Msg("Secure buffer acquired")

	return buf, nil
}

// Release wipes the buffer with the configured number of overwrite passes and
// invalidates the handle. The wipe is synchronous: Release does not return
// until the region reads as zero.
func (m *Manager) Release(buf *Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if buf.state == stateReleased {
		return vaulterr.New(vaulterr.KindResource, vaulterr.CodeBufferReleased,
			"secure buffer already released")
	}
	m.wipeLocked(buf, stateReleased)
	return nil
}

// WithScope acquires a buffer, runs fn, and guarantees release on every exit
// path, including panics and error returns.
func (m *Manager) WithScope(size int, owner string, fn func(*Buffer) error) error {
	buf, err := m.Acquire(size, owner)
	if err != nil {
		return err
	}
	defer func() {
		m.mu.Lock()
		if buf.state == stateLive {
			m.wipeLocked(buf, stateReleased)
		}
		m.mu.Unlock()
	}()
	return fn(buf)
}

// Equal compares two secrets in constant time
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Close stops the reaper and wipes every live buffer
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stop)

	for _, buf := range m.buffers {
		if buf.state == stateLive {
			m.wipeLocked(buf, stateReleased)
		}
	}
}

// LiveBuffers returns the number of buffers not yet wiped
func (m *Manager) LiveBuffers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapExpired()
		}
	}
}

// reapExpired force-clears buffers past their idle timeout or max lifetime,
// even if still referenced
func (m *Manager) reapExpired() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, buf := range m.buffers {
		if buf.state != stateLive {
			continue
		}
		if now.Sub(buf.createdAt) >= m.cfg.MaxLifetime || now.Sub(buf.lastUsed) >= m.cfg.IdleTimeout {
			m.expireLocked(buf)
		}
	}
}

// expireLocked wipes an expired buffer. Caller must hold m.mu.
func (m *Manager) expireLocked(buf *Buffer) {
	m.logger.Info().
		Uint64("buffer_id", buf.id).
		Str("owner", buf.owner).
		Dur("age", m.now().Sub(buf.createdAt)).
		Msg("Secure buffer expired")
	m.wipeLocked(buf, stateExpired)
}

// wipeLocked overwrites the region with the configured number of passes,
// verifies the final zero pass, unlocks the pages, and drops the buffer from
// tracking. Caller must hold m.mu.
func (m *Manager) wipeLocked(buf *Buffer, final bufferState) {
	passes := m.cfg.WipePasses
	if passes < 1 {
		passes = 1
	}
	for pass := 0; pass < passes-1; pass++ {
		pattern := wipePatterns[pass%len(wipePatterns)]
		for i := range buf.data {
			buf.data[i] = pattern
		}
	}
	for i := range buf.data {
		buf.data[i] = 0
	}
	// Confirm the region reads as zero before handing it back.
	for i := range buf.data {
		if buf.data[i] != 0 {
			m.logger.Error().Uint64("buffer_id", buf.id).Msg("Zeroization verification failed")
			buf.data[i] = 0
		}
	}

	_ = unlockMemory(buf.data)

	buf.state = final
	m.usedBytes -= len(buf.data)
	if m.usedBytes < 0 {
		m.usedBytes = 0
	}
	delete(m.buffers, buf.id)
}
