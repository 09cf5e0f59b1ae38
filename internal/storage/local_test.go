package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	apperr "github.com/honeydew/honeydew/internal/errors"
)

func newTestLocalBackend(t *testing.T, blockSize int) *LocalBackend {
	t.Helper()
	root := t.TempDir()
	backend, err := NewLocalBackend(filepath.Join(root, "cache"), filepath.Join(root, "uploads"), blockSize)
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	return backend
}

func TestLocalAppendAndFinalize(t *testing.T) {
	backend := newTestLocalBackend(t, 64)
	ctx := context.Background()

	data := patterned(64*3 + 5)
	rec := newRecord("loc01", ".txt", int64(len(data)))
	appendAll(t, backend, rec, data)

	if len(rec.BlockIDs) != 0 {
		t.Errorf("BlockIDs = %v, want none", rec.BlockIDs)
	}
	staging := filepath.Join(backend.CacheDir, "loc01.txt")
	if _, err := os.Stat(staging); err != nil {
		t.Fatalf("staging file missing: %v", err)
	}

	if err := backend.Finalize(ctx, rec); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Error("staging file should be gone after Finalize")
	}
	got, err := os.ReadFile(filepath.Join(backend.StorageDir, "loc01.txt"))
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("final file differs from uploaded data")
	}

	if err := backend.Finalize(ctx, rec); err != nil {
		t.Errorf("second Finalize: %v", err)
	}
}

func TestLocalAppendTruncatesUnrecordedBytes(t *testing.T) {
	backend := newTestLocalBackend(t, 4)
	ctx := context.Background()

	rec := newRecord("loc02", ".bin", 8)
	if _, err := backend.AppendBlock(ctx, rec, []byte("abcd")); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	// The ledger never saw the first block; the retry writes at offset 0.
	if _, err := backend.AppendBlock(ctx, rec, []byte("wxyz")); err != nil {
		t.Fatalf("AppendBlock retry: %v", err)
	}
	rec.UploadedLength, rec.BlockNumber = 4, 1
	if _, err := backend.AppendBlock(ctx, rec, []byte("1234")); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	rec.UploadedLength = 8

	if err := backend.Finalize(ctx, rec); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(backend.StorageDir, "loc02.bin"))
	if string(got) != "wxyz1234" {
		t.Errorf("final content = %q, want wxyz1234", got)
	}
}

func TestLocalFinalizeWrongLength(t *testing.T) {
	backend := newTestLocalBackend(t, 4)
	rec := newRecord("loc03", ".bin", 10)
	appendAll(t, backend, rec, []byte("short"))
	if err := backend.Finalize(context.Background(), rec); err == nil {
		t.Fatal("Finalize should fail when the staging file is short")
	}
}

func TestLocalFinalizeEmpty(t *testing.T) {
	backend := newTestLocalBackend(t, 0)
	rec := newRecord("loc04", ".txt", 0)
	if err := backend.Finalize(context.Background(), rec); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	info, err := os.Stat(filepath.Join(backend.StorageDir, "loc04.txt"))
	if err != nil || info.Size() != 0 {
		t.Errorf("empty final file: info=%v err=%v", info, err)
	}
	if backend.BlockSize() != DefaultLocalBlockSize {
		t.Errorf("BlockSize = %d, want %d", backend.BlockSize(), DefaultLocalBlockSize)
	}
}

func TestLocalDeleteIdempotent(t *testing.T) {
	backend := newTestLocalBackend(t, 4)
	ctx := context.Background()

	rec := newRecord("loc05", ".bin", 8)
	appendAll(t, backend, rec, []byte("12345678"))
	if err := backend.Finalize(ctx, rec); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	pending := newRecord("loc06", ".bin", 8)
	appendAll(t, backend, pending, []byte("1234"))

	for _, id := range []string{"loc05", "loc06"} {
		rr := newRecord(id, ".bin", 8)
		if err := backend.Delete(ctx, rr); err != nil {
			t.Fatalf("Delete(%s): %v", id, err)
		}
		if err := backend.Delete(ctx, rr); err != nil {
			t.Errorf("second Delete(%s): %v", id, err)
		}
	}

	entries, _ := os.ReadDir(backend.CacheDir)
	stored, _ := os.ReadDir(backend.StorageDir)
	if len(entries)+len(stored) != 0 {
		t.Errorf("files left after Delete: cache=%d storage=%d", len(entries), len(stored))
	}
}

func TestLocalReadRange(t *testing.T) {
	backend := newTestLocalBackend(t, 0)
	ctx := context.Background()

	data := patterned(1000)
	if err := os.WriteFile(filepath.Join(backend.StorageDir, "loc07.bin"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	rec := newRecord("loc07", ".bin", 1000)

	obj, err := backend.ReadRange(ctx, rec, NewByteRange(100, 199))
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	got, _ := io.ReadAll(obj.Body)
	obj.Body.Close()
	if !bytes.Equal(got, data[100:200]) {
		t.Error("ranged body mismatch")
	}
	if obj.ContentRange.String() != "bytes 100-199/1000" {
		t.Errorf("ContentRange = %s, want bytes 100-199/1000", obj.ContentRange)
	}

	obj, err = backend.ReadRange(ctx, rec, nil)
	if err != nil {
		t.Fatalf("ReadRange(nil): %v", err)
	}
	got, _ = io.ReadAll(obj.Body)
	obj.Body.Close()
	if len(got) != 1000 || obj.ContentRange != nil {
		t.Errorf("full read = %d bytes, range %v", len(got), obj.ContentRange)
	}

	_, err = backend.ReadRange(ctx, rec, NewByteRange(1000, -1))
	if !errors.Is(err, apperr.ErrInvalidRange) {
		t.Errorf("ReadRange past end = %v, want ErrInvalidRange", err)
	}
}

func TestLocalReadMissing(t *testing.T) {
	backend := newTestLocalBackend(t, 0)
	_, err := backend.ReadRange(context.Background(), newRecord("nope", ".bin", 1), nil)
	if !errors.Is(err, apperr.ErrNoSuchUpload) {
		t.Errorf("ReadRange of missing object = %v, want ErrNoSuchUpload", err)
	}
}

func TestLocalCleanStaging(t *testing.T) {
	backend := newTestLocalBackend(t, 0)
	ctx := context.Background()

	for _, name := range []string{"keep1.txt", "drop1.txt", "drop2"} {
		if err := os.WriteFile(filepath.Join(backend.CacheDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	exists := func(ctx context.Context, id string) (bool, error) {
		return id == "keep1", nil
	}
	removed, err := backend.CleanStaging(ctx, exists)
	if err != nil {
		t.Fatalf("CleanStaging: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, err := os.Stat(filepath.Join(backend.CacheDir, "keep1.txt")); err != nil {
		t.Error("staging file of a live upload was removed")
	}
}

func TestLocalHealthCheck(t *testing.T) {
	backend := newTestLocalBackend(t, 0)
	if err := backend.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	os.RemoveAll(backend.StorageDir)
	if err := backend.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should fail when the storage directory is gone")
	}
}
