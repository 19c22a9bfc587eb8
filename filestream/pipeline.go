// Package filestream encrypts large files as independent chunks so uploads
// parallelize and downloads stream without holding the whole file in memory.
// Each chunk gets its own derived key and keyed plaintext hash; the manifest
// binds the chunks together in order.
package filestream

import (
	"context"
	"io"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strongroom/vaultcore/aead"
	"github.com/strongroom/vaultcore/audit"
	"github.com/strongroom/vaultcore/blob"
	"github.com/strongroom/vaultcore/config"
	"github.com/strongroom/vaultcore/keyderive"
	"github.com/strongroom/vaultcore/securemem"
	"github.com/strongroom/vaultcore/vaulterr"
)

// Pipeline runs chunked encryption and decryption against a blob store
type Pipeline struct {
	cipher    *aead.Cipher
	sink      audit.Sink
	chunkSize int
	workers   int
	logger    zerolog.Logger
	now       func() time.Time
}

// NewPipeline creates a pipeline. A zero worker count means one per CPU.
func NewPipeline(cipher *aead.Cipher, cfg config.FileStreamConfig, sink audit.Sink, logger zerolog.Logger) (*Pipeline, error) {
	if cipher == nil {
		return nil, vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"cipher must not be nil")
	}
	if cfg.ChunkSize < config.MinChunkSize || cfg.ChunkSize > config.MaxChunkSize {
		return nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"chunk size must be in [%d,%d] bytes, got %d",
			config.MinChunkSize, config.MaxChunkSize, cfg.ChunkSize)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if sink == nil {
		sink = audit.NopSink{}
	}

	return &Pipeline{
		cipher:    cipher,
		sink:      sink,
		chunkSize: cfg.ChunkSize,
		workers:   workers,
		logger:    logger.With().Str("component", "filestream").Logger(),
		now:       time.Now,
	}, nil
}

type chunkJob struct {
	index     uint64
	plaintext []byte
}

type chunkResult struct {
	record ChunkRecord
	err    error
}

// EncryptStream reads plaintext from r, encrypts it chunk by chunk through
// the worker pool, writes the ciphertexts to the store, and returns the
// manifest. Chunk keys derive from the file key and the chunk index; chunks
// complete in any order and are reassembled by index. On error or
// cancellation every chunk already written is marked orphaned for garbage
// collection and no manifest is returned.
func (p *Pipeline) EncryptStream(ctx context.Context, r io.Reader, fileKey []byte, store blob.Store) (*Manifest, error) {
	if len(fileKey) != keyderive.KeyLen {
		return nil, vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadKeyLength,
			"file key must be %d bytes, got %d", keyderive.KeyLen, len(fileKey))
	}
	if store == nil {
		return nil, vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"store must not be nil")
	}

	hashKey, err := keyderive.ChunkHashKey(fileKey)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan chunkJob, p.workers)
	results := make(chan chunkResult, p.workers)

	// Refs that reached the store; orphaned on any failure
	var refsMu sync.Mutex
	var writtenRefs []string

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				rec, err := p.encryptChunk(ctx, job, fileKey, hashKey, store)
				if err == nil {
					refsMu.Lock()
					writtenRefs = append(writtenRefs, rec.Ref)
					refsMu.Unlock()
				}
				results <- chunkResult{record: rec, err: err}
			}
		}()
	}

	// The reader feeds jobs sequentially; workers encrypt in parallel
	var readErr error
	var fileSize int64
	go func() {
		defer close(jobs)
		var index uint64
		for {
			buf := make([]byte, p.chunkSize)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				select {
				case jobs <- chunkJob{index: index, plaintext: buf[:n]}:
					fileSize += int64(n)
					index++
				case <-ctx.Done():
					readErr = ctx.Err()
					return
				}
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return
			}
			if err != nil {
				readErr = err
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	records := make(map[uint64]ChunkRecord)
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				cancel()
			}
			continue
		}
		records[res.record.Index] = res.record
	}
	if firstErr == nil && readErr != nil {
		firstErr = readErr
	}
	if firstErr == nil && ctx.Err() != nil {
		firstErr = ctx.Err()
	}

	if firstErr != nil {
		p.orphanRefs(store, writtenRefs)
		return nil, firstErr
	}

	// Reassemble by index regardless of completion order
	chunks := make([]ChunkRecord, len(records))
	for i := range chunks {
		rec, ok := records[uint64(i)]
		if !ok {
			p.orphanRefs(store, writtenRefs)
			return nil, vaulterr.Newf(vaulterr.KindIntegrity, vaulterr.CodeChunkMismatch,
				"missing result for chunk %d", i)
		}
		chunks[i] = rec
	}

	mh, err := manifestHash(hashKey, chunks)
	if err != nil {
		p.orphanRefs(store, writtenRefs)
		return nil, err
	}

	return &Manifest{
		FileID:       uuid.New().String(),
		FileSize:     fileSize,
		ChunkSize:    p.chunkSize,
		Chunks:       chunks,
		ManifestHash: mh,
		CreatedAt:    p.now().Unix(),
	}, nil
}

// DecryptStream fetches the manifest's chunks in order, decrypts and
// verifies each, and writes the plaintext to w. The AEAD tag is checked
// first, then the keyed plaintext hash; either failing aborts the stream
// with an integrity error naming the chunk. Nothing from a failing chunk
// reaches w.
func (p *Pipeline) DecryptStream(ctx context.Context, m *Manifest, fileKey []byte, store blob.Store, w io.Writer) error {
	if m == nil {
		return vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"manifest must not be nil")
	}
	if len(fileKey) != keyderive.KeyLen {
		return vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadKeyLength,
			"file key must be %d bytes, got %d", keyderive.KeyLen, len(fileKey))
	}

	hashKey, err := keyderive.ChunkHashKey(fileKey)
	if err != nil {
		return err
	}

	// The manifest hash is checked before any chunk is fetched: a reordered
	// or truncated chunk list fails here, not mid-stream.
	expected, err := manifestHash(hashKey, m.Chunks)
	if err != nil {
		return err
	}
	if !securemem.Equal(expected, m.ManifestHash) {
		p.emitIntegrityFailure(m.FileID, -1)
		return vaulterr.New(vaulterr.KindIntegrity, vaulterr.CodeManifestMismatch,
			"manifest hash verification failed")
	}

	for i := range m.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := m.Chunks[i]
		if rec.Index != uint64(i) {
			p.emitIntegrityFailure(m.FileID, int64(i))
			return vaulterr.Newf(vaulterr.KindIntegrity, vaulterr.CodeChunkMismatch,
				"chunk order violation: position %d holds index %d", i, rec.Index).WithChunk(int64(i))
		}

		plaintext, err := p.decryptChunk(ctx, rec, fileKey, hashKey, store)
		if err != nil {
			if vaulterr.IsKind(err, vaulterr.KindIntegrity) || vaulterr.IsKind(err, vaulterr.KindCrypto) {
				p.emitIntegrityFailure(m.FileID, int64(rec.Index))
			}
			return err
		}
		if _, err := w.Write(plaintext); err != nil {
			return vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
		}
	}
	return nil
}

// encryptChunk derives the chunk key, hashes the plaintext, seals it, and
// writes the ciphertext to the store under a fresh reference.
func (p *Pipeline) encryptChunk(ctx context.Context, job chunkJob, fileKey, hashKey []byte, store blob.Store) (ChunkRecord, error) {
	if err := ctx.Err(); err != nil {
		return ChunkRecord{}, err
	}

	chunkKey, err := keyderive.ChunkKey(fileKey, job.index)
	if err != nil {
		return ChunkRecord{}, err
	}

	hash, err := chunkHash(hashKey, job.plaintext)
	if err != nil {
		return ChunkRecord{}, err
	}

	payload, err := p.cipher.Encrypt(job.plaintext, chunkKey, "")
	if err != nil {
		return ChunkRecord{}, err
	}
	sealed, err := payload.Marshal()
	if err != nil {
		return ChunkRecord{}, err
	}

	ref := uuid.New().String()
	if err := store.Put(ctx, ref, sealed); err != nil {
		return ChunkRecord{}, vaulterr.Wrap(vaulterr.KindResource, vaulterr.CodeStorageFailed, err)
	}

	return ChunkRecord{
		Index:        job.index,
		Ref:          ref,
		Hash:         hash,
		PlaintextLen: len(job.plaintext),
	}, nil
}

// decryptChunk fetches, opens, and verifies one chunk
func (p *Pipeline) decryptChunk(ctx context.Context, rec ChunkRecord, fileKey, hashKey []byte, store blob.Store) ([]byte, error) {
	sealed, err := store.Get(ctx, rec.Ref)
	if err != nil {
		return nil, err
	}
	payload, err := aead.UnmarshalPayload(sealed)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIntegrity, vaulterr.CodeChunkMismatch,
			"chunk ciphertext is malformed").WithChunk(int64(rec.Index))
	}

	chunkKey, err := keyderive.ChunkKey(fileKey, rec.Index)
	if err != nil {
		return nil, err
	}

	plaintext, err := p.cipher.Decrypt(payload, chunkKey)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIntegrity, vaulterr.CodeChunkMismatch,
			"chunk authentication failed").WithChunk(int64(rec.Index))
	}

	hash, err := chunkHash(hashKey, plaintext)
	if err != nil {
		return nil, err
	}
	if !securemem.Equal(hash, rec.Hash) {
		return nil, vaulterr.New(vaulterr.KindIntegrity, vaulterr.CodeChunkMismatch,
			"chunk plaintext hash mismatch").WithChunk(int64(rec.Index))
	}
	return plaintext, nil
}

// orphanRefs tombstones chunks from a failed upload. Best effort with a
// detached context: cancellation of the upload must not block cleanup.
func (p *Pipeline) orphanRefs(store blob.Store, refs []string) {
	if len(refs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.MarkOrphaned(ctx, refs); err != nil {
		p.logger.Warn().Err(err).Int("chunks", len(refs)).Msg("Failed to mark orphaned chunks")
	}
	p.sink.Emit(audit.Event{
		Time:    p.now(),
		Code:    audit.CodeUploadCancelled,
		Outcome: audit.OutcomeError,
		Meta:    map[string]string{"orphaned_chunks": strconv.Itoa(len(refs))},
	})
}

func (p *Pipeline) emitIntegrityFailure(fileID string, chunk int64) {
	meta := map[string]string{"file_id": fileID}
	if chunk >= 0 {
		meta["chunk_index"] = strconv.FormatInt(chunk, 10)
	}
	p.sink.Emit(audit.Event{
		Time:    p.now(),
		Code:    audit.CodeIntegrityFailure,
		Outcome: audit.OutcomeError,
		Meta:    meta,
	})
}
