package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	apperr "github.com/honeydew/honeydew/internal/errors"
)

// mockAzureClient implements AzureBlobAPI for unit testing.
type mockAzureClient struct {
	mu sync.Mutex
	// blobs stores committed blobs keyed by "container/blobName".
	blobs map[string][]byte
	// contentTypes records the content type set at commit.
	contentTypes map[string]string
	// stagedBlocks maps "container/blobName" to blockID -> data.
	stagedBlocks map[string]map[string][]byte
	// stageBlockCalls tracks the number of StageBlock operations.
	stageBlockCalls int
	// commitBlockListCalls tracks the number of CommitBlockList operations.
	commitBlockListCalls int
	// lastOffset and lastCount record the most recent DownloadRange.
	lastOffset, lastCount int64
}

func newMockAzureClient() *mockAzureClient {
	return &mockAzureClient{
		blobs:        make(map[string][]byte),
		contentTypes: make(map[string]string),
		stagedBlocks: make(map[string]map[string][]byte),
	}
}

func (m *mockAzureClient) blobKey(containerName, blobName string) string {
	return containerName + "/" + blobName
}

func (m *mockAzureClient) StageBlock(ctx context.Context, containerName, blobName, blockID string, data, contentMD5 []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stageBlockCalls++
	if sum := md5.Sum(data); !bytes.Equal(sum[:], contentMD5) {
		return fmt.Errorf("Md5Mismatch: the MD5 value specified in the request did not match")
	}
	key := m.blobKey(containerName, blobName)
	if m.stagedBlocks[key] == nil {
		m.stagedBlocks[key] = make(map[string][]byte)
	}
	m.stagedBlocks[key][blockID] = bytes.Clone(data)
	return nil
}

func (m *mockAzureClient) CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitBlockListCalls++
	key := m.blobKey(containerName, blobName)
	staged := m.stagedBlocks[key]

	var assembled bytes.Buffer
	for _, bid := range blockIDs {
		data, ok := staged[bid]
		if !ok {
			return fmt.Errorf("InvalidBlockList: block %s not found", bid)
		}
		assembled.Write(data)
	}
	// Committed blocks stay addressable so the same list can be committed
	// again, as on Azure.
	m.blobs[key] = assembled.Bytes()
	m.contentTypes[key] = contentType
	return nil
}

func (m *mockAzureClient) DownloadRange(ctx context.Context, containerName, blobName string, offset, count int64) (*AzureDownload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOffset, m.lastCount = offset, count
	data, ok := m.blobs[m.blobKey(containerName, blobName)]
	if !ok {
		return nil, &azcore.ResponseError{ErrorCode: "BlobNotFound", StatusCode: http.StatusNotFound}
	}
	if offset == 0 && count == 0 {
		return &AzureDownload{Body: io.NopCloser(bytes.NewReader(data)), ContentLength: int64(len(data))}, nil
	}
	end := offset + count
	if count == 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	return &AzureDownload{
		Body:          io.NopCloser(bytes.NewReader(data[offset:end])),
		ContentLength: end - offset,
		ContentRange:  fmt.Sprintf("bytes %d-%d/%d", offset, end-1, len(data)),
	}, nil
}

func (m *mockAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.blobKey(containerName, blobName)
	if _, ok := m.blobs[key]; !ok {
		return fmt.Errorf("BlobNotFound: the specified blob does not exist")
	}
	delete(m.blobs, key)
	delete(m.stagedBlocks, key)
	return nil
}

func (m *mockAzureClient) ContainerExists(ctx context.Context, containerName string) (bool, error) {
	return containerName == "test-container", nil
}

func newTestAzureBackend(maxRange int64) (*AzureBackend, *mockAzureClient) {
	mock := newMockAzureClient()
	return NewAzureBackendWithClient("test-container", "", maxRange, mock), mock
}

func TestAzureBlockID(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(azureBlockID(42))
	if err != nil {
		t.Fatalf("block id is not base64: %v", err)
	}
	if string(raw) != "BlockId0000042" {
		t.Errorf("decoded block id = %q, want BlockId0000042", raw)
	}
	if len(azureBlockID(0)) != len(azureBlockID(9999999)) {
		t.Error("block ids must have equal length")
	}
}

func TestAzureAppendAndFinalize(t *testing.T) {
	b, mock := newTestAzureBackend(0)
	ctx := context.Background()

	data := patterned(AzureBlockSize*2 + 77)
	rec := newRecord("az001", ".png", int64(len(data)))
	rec.MediaType = "image/png"
	appendAll(t, b, rec, data)

	if len(rec.BlockIDs) != 3 {
		t.Fatalf("len(BlockIDs) = %d, want 3", len(rec.BlockIDs))
	}
	if rec.ProviderUploadID != "" {
		t.Errorf("ProviderUploadID = %q, want empty", rec.ProviderUploadID)
	}

	if err := b.Finalize(ctx, rec); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !bytes.Equal(mock.blobs["test-container/az001.png"], data) {
		t.Fatal("committed blob differs from uploaded data")
	}
	if ct := mock.contentTypes["test-container/az001.png"]; ct != "image/png" {
		t.Errorf("content type = %q, want image/png", ct)
	}

	if err := b.Finalize(ctx, rec); err != nil {
		t.Errorf("second Finalize: %v", err)
	}
	if mock.commitBlockListCalls != 2 {
		t.Errorf("CommitBlockList calls = %d, want 2", mock.commitBlockListCalls)
	}
}

func TestAzureFinalizeEmpty(t *testing.T) {
	b, mock := newTestAzureBackend(0)
	rec := newRecord("az002", ".txt", 0)
	if err := b.Finalize(context.Background(), rec); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if data, ok := mock.blobs["test-container/az002.txt"]; !ok || len(data) != 0 {
		t.Errorf("empty blob not committed")
	}
}

func TestAzureDeleteIdempotent(t *testing.T) {
	b, mock := newTestAzureBackend(0)
	ctx := context.Background()

	rec := newRecord("az003", ".bin", 5)
	appendAll(t, b, rec, []byte("hello"))
	if err := b.Finalize(ctx, rec); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := b.Delete(ctx, rec); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := mock.blobs["test-container/az003.bin"]; ok {
		t.Error("blob still present after Delete")
	}
	if err := b.Delete(ctx, rec); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestAzureReadRange(t *testing.T) {
	b, mock := newTestAzureBackend(0)
	data := patterned(1000)
	mock.blobs["test-container/az004.bin"] = data
	rec := newRecord("az004", ".bin", 1000)

	obj, err := b.ReadRange(context.Background(), rec, NewByteRange(100, 199))
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	defer obj.Body.Close()

	got, _ := io.ReadAll(obj.Body)
	if !bytes.Equal(got, data[100:200]) {
		t.Error("ranged body mismatch")
	}
	if obj.ContentRange.String() != "bytes 100-199/1000" {
		t.Errorf("ContentRange = %s, want bytes 100-199/1000", obj.ContentRange)
	}
}

func TestAzureReadRangeCapped(t *testing.T) {
	b, mock := newTestAzureBackend(100)
	mock.blobs["test-container/az005.bin"] = patterned(1000)
	rec := newRecord("az005", ".bin", 1000)

	obj, err := b.ReadRange(context.Background(), rec, NewByteRange(0, -1))
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	defer obj.Body.Close()

	if mock.lastOffset != 0 || mock.lastCount != 100 {
		t.Errorf("download range = (%d, %d), want (0, 100)", mock.lastOffset, mock.lastCount)
	}
	if obj.Length != 100 {
		t.Errorf("Length = %d, want 100", obj.Length)
	}
	if obj.ContentRange.String() != "bytes 0-99/1000" {
		t.Errorf("ContentRange = %s, want bytes 0-99/1000", obj.ContentRange)
	}
}

func TestAzureReadRangeUnsatisfiable(t *testing.T) {
	b, mock := newTestAzureBackend(0)
	mock.blobs["test-container/az006.bin"] = patterned(10)
	_, err := b.ReadRange(context.Background(), newRecord("az006", ".bin", 10), NewByteRange(50, 60))
	if !errors.Is(err, apperr.ErrInvalidRange) {
		t.Errorf("err = %v, want ErrInvalidRange", err)
	}
}

func TestAzureReadMissing(t *testing.T) {
	b, _ := newTestAzureBackend(0)
	_, err := b.ReadRange(context.Background(), newRecord("az007", ".bin", 10), nil)
	if !errors.Is(err, apperr.ErrNoSuchUpload) {
		t.Errorf("ReadRange of missing blob = %v, want ErrNoSuchUpload", err)
	}
}

func TestAzureHealthCheck(t *testing.T) {
	b, _ := newTestAzureBackend(0)
	if err := b.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	b.Container = "missing"
	if err := b.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should fail for a missing container")
	}
}

func TestIsAzureNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&azcore.ResponseError{StatusCode: 404}, true},
		{fmt.Errorf("wrapped: %w", &azcore.ResponseError{StatusCode: 404}), true},
		{errors.New("BlobNotFound"), true},
		{errors.New("The specified container does not exist."), true},
		{&azcore.ResponseError{StatusCode: 500, ErrorCode: "InternalError"}, false},
	}
	for _, tt := range tests {
		if got := isAzureNotFound(tt.err); got != tt.want {
			t.Errorf("isAzureNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
