package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	apperr "github.com/honeydew/honeydew/internal/errors"
	"github.com/honeydew/honeydew/internal/ledger"
)

// DefaultLocalBlockSize is the block size used when none is configured.
const DefaultLocalBlockSize = 1024 * 1024

// LocalBackend implements Backend on the local filesystem. Blocks are
// appended to a staging file in CacheDir; Finalize renames it into
// StorageDir. Both directories should live on the same filesystem so the
// rename is atomic.
type LocalBackend struct {
	// CacheDir holds uploads that are still receiving blocks.
	CacheDir string
	// StorageDir holds finalized uploads.
	StorageDir string

	blockSize int
}

// NewLocalBackend creates a LocalBackend. It creates both directories if they
// do not exist. A blockSize of 0 selects DefaultLocalBlockSize.
func NewLocalBackend(cacheDir, storageDir string, blockSize int) (*LocalBackend, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory %q: %w", storageDir, err)
	}
	if blockSize <= 0 {
		blockSize = DefaultLocalBlockSize
	}
	return &LocalBackend{CacheDir: cacheDir, StorageDir: storageDir, blockSize: blockSize}, nil
}

func (b *LocalBackend) Name() string             { return "disk" }
func (b *LocalBackend) BlockSize() int           { return b.blockSize }
func (b *LocalBackend) RequiresFullBlocks() bool { return false }

// stagingPath returns the path of an upload that is still receiving blocks.
func (b *LocalBackend) stagingPath(rec *ledger.UploadRecord) string {
	return filepath.Join(b.CacheDir, filepath.Base(rec.Key()))
}

// objectPath returns the path of a finalized upload.
func (b *LocalBackend) objectPath(rec *ledger.UploadRecord) string {
	return filepath.Join(b.StorageDir, filepath.Base(rec.Key()))
}

// AppendBlock writes data at offset rec.UploadedLength of the staging file.
// The file is first truncated to that offset, which discards bytes from an
// earlier attempt that reached the disk but never made it into the ledger.
func (b *LocalBackend) AppendBlock(ctx context.Context, rec *ledger.UploadRecord, data []byte) (BlockResult, error) {
	path := b.stagingPath(rec)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return BlockResult{}, fmt.Errorf("opening staging file %q: %w", path, err)
	}

	if err := f.Truncate(rec.UploadedLength); err != nil {
		f.Close()
		return BlockResult{}, fmt.Errorf("truncating staging file %q: %w", path, err)
	}

	if _, err := f.WriteAt(data, rec.UploadedLength); err != nil {
		f.Close()
		return BlockResult{}, fmt.Errorf("writing block %d of %q: %w", rec.BlockNumber, rec.ID, err)
	}

	// Fsync before reporting success so the ledger never runs ahead of disk.
	if err := f.Sync(); err != nil {
		f.Close()
		return BlockResult{}, fmt.Errorf("syncing staging file %q: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return BlockResult{}, fmt.Errorf("closing staging file %q: %w", path, err)
	}
	return BlockResult{}, nil
}

// Finalize moves the staging file into the storage directory, replacing any
// existing file. A retry after a successful rename finds the staging file
// gone and the object in place, and succeeds.
func (b *LocalBackend) Finalize(ctx context.Context, rec *ledger.UploadRecord) error {
	staging := b.stagingPath(rec)
	final := b.objectPath(rec)

	f, err := os.OpenFile(staging, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			if info, statErr := os.Stat(final); statErr == nil && info.Size() == rec.Length {
				return nil
			}
			// A zero-length upload never receives a block.
			if rec.Length == 0 {
				return writeEmptyFile(final)
			}
		}
		return fmt.Errorf("opening staging file %q: %w", staging, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat staging file %q: %w", staging, err)
	}
	if info.Size() != rec.Length {
		f.Close()
		return fmt.Errorf("staging file %q has %d bytes, want %d", staging, info.Size(), rec.Length)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing staging file %q: %w", staging, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing staging file %q: %w", staging, err)
	}

	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("renaming staging file to final path: %w", err)
	}
	return nil
}

func writeEmptyFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating empty file %q: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing empty file %q: %w", path, err)
	}
	return f.Close()
}

// Delete removes the stored and staging files. Idempotent.
func (b *LocalBackend) Delete(ctx context.Context, rec *ledger.UploadRecord) error {
	for _, path := range []string{b.objectPath(rec), b.stagingPath(rec)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %q: %w", path, err)
		}
	}
	return nil
}

// ReadRange opens the finalized file and seeks to the range start. Local
// reads are never capped.
func (b *LocalBackend) ReadRange(ctx context.Context, rec *ledger.UploadRecord, rng *ByteRange) (*Object, error) {
	path := b.objectPath(rec)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s: %w", rec.Key(), apperr.ErrNoSuchUpload)
		}
		return nil, fmt.Errorf("opening object file %q: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat object file %q: %w", path, err)
	}

	if rng == nil {
		return &Object{Body: file, Length: info.Size()}, nil
	}

	offset, count, err := resolveRange(rng, info.Size(), 0)
	if err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("seeking object file %q: %w", path, err)
	}

	return &Object{
		Body:         newLimitedReadCloser(file, count),
		Length:       count,
		ContentRange: &ContentRange{Start: offset, End: offset + count - 1, Size: info.Size()},
	}, nil
}

// HealthCheck verifies that both directories are accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(b.CacheDir); err != nil {
		return err
	}
	_, err := os.Stat(b.StorageDir)
	return err
}

// CleanStaging removes staging files whose upload no longer exists in the
// ledger. It runs at startup as part of crash recovery and returns the
// number of files removed.
func (b *LocalBackend) CleanStaging(ctx context.Context, exists func(ctx context.Context, id string) (bool, error)) (int, error) {
	entries, err := os.ReadDir(b.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading cache directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, _, _ := strings.Cut(entry.Name(), ".")
		ok, err := exists(ctx, id)
		if err != nil {
			return removed, fmt.Errorf("checking upload %q: %w", id, err)
		}
		if ok {
			continue
		}
		if err := os.Remove(filepath.Join(b.CacheDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove orphaned staging file", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

var _ Backend = (*LocalBackend)(nil)
