//go:build !linux && !darwin

package securemem

// Page locking is not available on this platform; buffers still get the
// zeroization guarantees.
func lockMemory(b []byte) error   { return nil }
func unlockMemory(b []byte) error { return nil }
