package filestream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/strongroom/vaultcore/aead"
	"github.com/strongroom/vaultcore/audit"
	"github.com/strongroom/vaultcore/blob"
	"github.com/strongroom/vaultcore/config"
	"github.com/strongroom/vaultcore/vaulterr"
)

func testPipeline(t *testing.T, chunkSize int) *Pipeline {
	t.Helper()
	p, err := NewPipeline(aead.New(), config.FileStreamConfig{ChunkSize: chunkSize, Workers: 4},
		audit.NopSink{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	return p
}

func testFileKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

// patternData is deterministic, non-repeating input
func patternData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func roundTrip(t *testing.T, p *Pipeline, plaintext []byte) (*Manifest, *blob.MemStore) {
	t.Helper()
	ctx := context.Background()
	store := blob.NewMemStore()

	manifest, err := p.EncryptStream(ctx, bytes.NewReader(plaintext), testFileKey(), store)
	if err != nil {
		t.Fatalf("EncryptStream failed: %v", err)
	}

	var out bytes.Buffer
	if err := p.DecryptStream(ctx, manifest, testFileKey(), store, &out); err != nil {
		t.Fatalf("DecryptStream failed: %v", err)
	}
	if !bytes.Equal(out.Bytes(), plaintext) {
		t.Fatalf("Round trip mismatch: got %d bytes, want %d", out.Len(), len(plaintext))
	}
	return manifest, store
}

func TestRoundTripEmptyFile(t *testing.T) {
	p := testPipeline(t, config.MinChunkSize)
	manifest, _ := roundTrip(t, p, nil)

	if len(manifest.Chunks) != 0 {
		t.Errorf("Empty file produced %d chunks", len(manifest.Chunks))
	}
	if manifest.FileSize != 0 {
		t.Errorf("Empty file manifest has size %d", manifest.FileSize)
	}
}

func TestRoundTripExactlyOneChunk(t *testing.T) {
	p := testPipeline(t, config.MinChunkSize)
	manifest, _ := roundTrip(t, p, patternData(config.MinChunkSize))

	if len(manifest.Chunks) != 1 {
		t.Fatalf("Expected exactly 1 chunk, got %d", len(manifest.Chunks))
	}
	if manifest.Chunks[0].PlaintextLen != config.MinChunkSize {
		t.Errorf("Chunk plaintext length %d, want %d", manifest.Chunks[0].PlaintextLen, config.MinChunkSize)
	}
}

func TestRoundTripMultiChunk(t *testing.T) {
	// 10 MiB at 4 MiB chunks: two full chunks plus a 2 MiB tail
	p := testPipeline(t, 4*1024*1024)
	manifest, _ := roundTrip(t, p, patternData(10*1024*1024))

	if len(manifest.Chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(manifest.Chunks))
	}
	wantLens := []int{4 * 1024 * 1024, 4 * 1024 * 1024, 2 * 1024 * 1024}
	for i, want := range wantLens {
		if manifest.Chunks[i].Index != uint64(i) {
			t.Errorf("Chunk %d carries index %d", i, manifest.Chunks[i].Index)
		}
		if manifest.Chunks[i].PlaintextLen != want {
			t.Errorf("Chunk %d plaintext length %d, want %d", i, manifest.Chunks[i].PlaintextLen, want)
		}
	}
	if manifest.FileSize != 10*1024*1024 {
		t.Errorf("Manifest file size %d, want %d", manifest.FileSize, 10*1024*1024)
	}
}

func TestChunkTamperDetected(t *testing.T) {
	p := testPipeline(t, config.MinChunkSize)
	manifest, store := roundTrip(t, p, patternData(3*config.MinChunkSize))

	// Corrupt the stored ciphertext of the middle chunk
	ctx := context.Background()
	ref := manifest.Chunks[1].Ref
	sealed, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	sealed[len(sealed)/2] ^= 0x01
	if err := store.Put(ctx, ref, sealed); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var out bytes.Buffer
	err = p.DecryptStream(ctx, manifest, testFileKey(), store, &out)
	if !vaulterr.IsKind(err, vaulterr.KindIntegrity) {
		t.Fatalf("Expected integrity error, got %v", err)
	}
	var verr *vaulterr.Error
	if !errors.As(err, &verr) || verr.ChunkIndex != 1 {
		t.Errorf("Expected failing chunk index 1, got %v", err)
	}
	// The first chunk decrypted before the failure; nothing past it did
	if out.Len() != config.MinChunkSize {
		t.Errorf("Expected %d bytes written before abort, got %d", config.MinChunkSize, out.Len())
	}
}

func TestManifestTamperDetected(t *testing.T) {
	p := testPipeline(t, config.MinChunkSize)
	manifest, store := roundTrip(t, p, patternData(2*config.MinChunkSize))

	manifest.ManifestHash[0] ^= 0x01

	var out bytes.Buffer
	err := p.DecryptStream(context.Background(), manifest, testFileKey(), store, &out)
	if vaulterr.CodeOf(err) != vaulterr.CodeManifestMismatch {
		t.Fatalf("Expected manifest-hash-mismatch, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("Expected no output on manifest mismatch, got %d bytes", out.Len())
	}
}

func TestChunkReorderDetected(t *testing.T) {
	p := testPipeline(t, config.MinChunkSize)
	manifest, store := roundTrip(t, p, patternData(2*config.MinChunkSize))

	// Swapping records changes the ordered-hash sequence the manifest hash binds
	manifest.Chunks[0], manifest.Chunks[1] = manifest.Chunks[1], manifest.Chunks[0]

	var out bytes.Buffer
	err := p.DecryptStream(context.Background(), manifest, testFileKey(), store, &out)
	if !vaulterr.IsKind(err, vaulterr.KindIntegrity) {
		t.Fatalf("Expected integrity error on reordered chunks, got %v", err)
	}
}

func TestWrongFileKeyFails(t *testing.T) {
	p := testPipeline(t, config.MinChunkSize)
	manifest, store := roundTrip(t, p, patternData(config.MinChunkSize))

	wrongKey := bytes.Repeat([]byte{0x43}, 32)
	var out bytes.Buffer
	err := p.DecryptStream(context.Background(), manifest, wrongKey, store, &out)
	if !vaulterr.IsKind(err, vaulterr.KindIntegrity) {
		t.Fatalf("Expected integrity error under wrong key, got %v", err)
	}
}

// failingReader serves good chunks then fails, simulating a dropped upload
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestAbortedUploadOrphansChunks(t *testing.T) {
	p := testPipeline(t, config.MinChunkSize)
	store := blob.NewMemStore()

	boom := errors.New("source stream dropped")
	r := &failingReader{data: patternData(2 * config.MinChunkSize), err: boom}

	_, err := p.EncryptStream(context.Background(), r, testFileKey(), store)
	if !errors.Is(err, boom) {
		t.Fatalf("Expected read error to surface, got %v", err)
	}

	// The chunks written before the failure are tombstoned, not leaked
	if got := len(store.Orphaned()); got != 2 {
		t.Errorf("Expected 2 orphaned chunks, got %d", got)
	}
}

func TestCancelledUploadOrphansChunks(t *testing.T) {
	p := testPipeline(t, config.MinChunkSize)
	store := blob.NewMemStore()

	ctx, cancel := context.WithCancel(context.Background())
	// The reader cancels mid-stream after two chunks have been handed out
	served := 0
	r := io.MultiReader(
		bytes.NewReader(patternData(2*config.MinChunkSize)),
		readerFunc(func(p []byte) (int, error) {
			if served == 0 {
				served++
				cancel()
			}
			<-ctx.Done()
			return 0, ctx.Err()
		}),
	)

	_, err := p.EncryptStream(ctx, r, testFileKey(), store)
	if err == nil {
		t.Fatal("Expected cancellation to fail the upload")
	}
	// Whatever reached the store before cancellation is tombstoned
	if got, want := len(store.Orphaned()), store.Len(); got != want {
		t.Errorf("Expected all %d written chunks orphaned, got %d", want, got)
	}
	cancel()
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestManifestRoundTrip(t *testing.T) {
	p := testPipeline(t, config.MinChunkSize)
	manifest, store := roundTrip(t, p, patternData(3*config.MinChunkSize))

	data, err := manifest.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	decoded, err := UnmarshalManifest(data)
	if err != nil {
		t.Fatalf("UnmarshalManifest failed: %v", err)
	}

	// The decoded manifest still decrypts the stream
	var out bytes.Buffer
	if err := p.DecryptStream(context.Background(), decoded, testFileKey(), store, &out); err != nil {
		t.Fatalf("DecryptStream with decoded manifest failed: %v", err)
	}
	if out.Len() != 3*config.MinChunkSize {
		t.Errorf("Decoded manifest stream length %d, want %d", out.Len(), 3*config.MinChunkSize)
	}
}

func TestChunkSizeBounds(t *testing.T) {
	if _, err := NewPipeline(aead.New(), config.FileStreamConfig{ChunkSize: config.MinChunkSize - 1},
		audit.NopSink{}, zerolog.Nop()); !vaulterr.IsKind(err, vaulterr.KindValidation) {
		t.Errorf("Expected validation error below minimum chunk size, got %v", err)
	}
	if _, err := NewPipeline(aead.New(), config.FileStreamConfig{ChunkSize: config.MaxChunkSize + 1},
		audit.NopSink{}, zerolog.Nop()); !vaulterr.IsKind(err, vaulterr.KindValidation) {
		t.Errorf("Expected validation error above maximum chunk size, got %v", err)
	}
}

func TestRejectsShortFileKey(t *testing.T) {
	p := testPipeline(t, config.MinChunkSize)
	_, err := p.EncryptStream(context.Background(), bytes.NewReader(nil), []byte("short"), blob.NewMemStore())
	if vaulterr.CodeOf(err) != vaulterr.CodeBadKeyLength {
		t.Errorf("Expected key-length-mismatch, got %v", err)
	}
}
