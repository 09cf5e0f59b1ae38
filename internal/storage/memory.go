package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	apperr "github.com/honeydew/honeydew/internal/errors"
	"github.com/honeydew/honeydew/internal/ledger"
)

// MemoryOptions configures a MemoryBackend.
type MemoryOptions struct {
	// BlockSize is the preferred block size; 0 selects DefaultLocalBlockSize.
	BlockSize int
	// RequiresFullBlocks makes the backend behave like S3: Finalize rejects
	// uploads whose non-final blocks are not exactly BlockSize bytes.
	RequiresFullBlocks bool
	// MaxSizeBytes limits the total bytes held, staged blocks included.
	// 0 means unlimited.
	MaxSizeBytes int64
}

// MemoryBackend implements Backend using in-memory maps. Blocks are staged
// per upload and assembled on Finalize.
type MemoryBackend struct {
	mu          sync.RWMutex
	objects     map[string][]byte            // key: rec.Key()
	blocks      map[string]map[string][]byte // upload ID -> block ID -> data
	currentSize int64

	opts MemoryOptions
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend(opts MemoryOptions) *MemoryBackend {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultLocalBlockSize
	}
	return &MemoryBackend{
		objects: make(map[string][]byte),
		blocks:  make(map[string]map[string][]byte),
		opts:    opts,
	}
}

func (b *MemoryBackend) Name() string             { return "memory" }
func (b *MemoryBackend) BlockSize() int           { return b.opts.BlockSize }
func (b *MemoryBackend) RequiresFullBlocks() bool { return b.opts.RequiresFullBlocks }

// memBlockID names block n of an upload.
func memBlockID(n int) string {
	return fmt.Sprintf("mem-%07d", n)
}

// AppendBlock stages a copy of data. Re-sending a block number replaces the
// earlier copy.
func (b *MemoryBackend) AppendBlock(ctx context.Context, rec *ledger.UploadRecord, data []byte) (BlockResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := memBlockID(rec.BlockNumber)
	staged := b.blocks[rec.ID]
	if staged == nil {
		staged = make(map[string][]byte)
		b.blocks[rec.ID] = staged
	}

	delta := int64(len(data)) - int64(len(staged[id]))
	if b.opts.MaxSizeBytes > 0 && b.currentSize+delta > b.opts.MaxSizeBytes {
		return BlockResult{}, fmt.Errorf("memory backend full: %d of %d bytes used", b.currentSize, b.opts.MaxSizeBytes)
	}

	staged[id] = bytes.Clone(data)
	b.currentSize += delta
	return BlockResult{BlockID: id}, nil
}

// Finalize concatenates the staged blocks in rec.BlockIDs order.
func (b *MemoryBackend) Finalize(ctx context.Context, rec *ledger.UploadRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := rec.Key()
	staged := b.blocks[rec.ID]
	if staged == nil {
		if obj, ok := b.objects[key]; ok && int64(len(obj)) == rec.Length {
			return nil
		}
		if rec.Length != 0 {
			return fmt.Errorf("finalizing %q: no staged blocks", key)
		}
	}

	var assembled bytes.Buffer
	for i, id := range rec.BlockIDs {
		data, ok := staged[id]
		if !ok {
			return fmt.Errorf("finalizing %q: block %s not staged", key, id)
		}
		if b.opts.RequiresFullBlocks && i < len(rec.BlockIDs)-1 && len(data) != b.opts.BlockSize {
			return fmt.Errorf("finalizing %q: block %s has %d bytes, want %d", key, id, len(data), b.opts.BlockSize)
		}
		assembled.Write(data)
	}
	if int64(assembled.Len()) != rec.Length {
		return fmt.Errorf("finalizing %q: assembled %d bytes, want %d", key, assembled.Len(), rec.Length)
	}

	b.currentSize -= stagedSize(staged)
	b.currentSize -= int64(len(b.objects[key]))
	b.currentSize += int64(assembled.Len())
	b.objects[key] = assembled.Bytes()
	delete(b.blocks, rec.ID)
	return nil
}

func stagedSize(staged map[string][]byte) int64 {
	var n int64
	for _, data := range staged {
		n += int64(len(data))
	}
	return n
}

// Delete removes the object and any staged blocks. Idempotent.
func (b *MemoryBackend) Delete(ctx context.Context, rec *ledger.UploadRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := rec.Key()
	b.currentSize -= int64(len(b.objects[key]))
	b.currentSize -= stagedSize(b.blocks[rec.ID])
	delete(b.objects, key)
	delete(b.blocks, rec.ID)
	return nil
}

// ReadRange returns a reader over a snapshot of the stored object.
func (b *MemoryBackend) ReadRange(ctx context.Context, rec *ledger.UploadRecord, rng *ByteRange) (*Object, error) {
	b.mu.RLock()
	data, ok := b.objects[rec.Key()]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("object %s: %w", rec.Key(), apperr.ErrNoSuchUpload)
	}

	size := int64(len(data))
	if rng == nil {
		return &Object{Body: io.NopCloser(bytes.NewReader(data)), Length: size}, nil
	}

	offset, count, err := resolveRange(rng, size, 0)
	if err != nil {
		return nil, err
	}
	return &Object{
		Body:         io.NopCloser(bytes.NewReader(data[offset : offset+count])),
		Length:       count,
		ContentRange: &ContentRange{Start: offset, End: offset + count - 1, Size: size},
	}, nil
}

// HealthCheck always succeeds for the memory backend.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Stats reports the number of stored objects, uploads with staged blocks,
// and total bytes held.
func (b *MemoryBackend) Stats() (objects, staging int, size int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects), len(b.blocks), b.currentSize
}

var _ Backend = (*MemoryBackend)(nil)
