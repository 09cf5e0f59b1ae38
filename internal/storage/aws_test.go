package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	apperr "github.com/honeydew/honeydew/internal/errors"
	"github.com/honeydew/honeydew/internal/ledger"
)

// mockS3Client implements S3API for unit testing.
type mockS3Client struct {
	mu sync.Mutex
	// objects stores all objects keyed by their S3 key.
	objects map[string][]byte
	// contentTypes records the content type set at object creation.
	contentTypes map[string]string
	// multipartUploads tracks active multipart uploads.
	multipartUploads map[string]*mockMultipartUpload
	// nextUploadID is the counter for generating upload IDs.
	nextUploadID int
	// lastRange is the Range header of the most recent GetObject.
	lastRange string
	// failUploadPart makes UploadPart fail.
	failUploadPart bool
	// omitContentRange leaves ContentRange unset on ranged GetObject.
	omitContentRange bool
}

type mockMultipartUpload struct {
	key         string
	contentType string
	parts       map[int32][]byte
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		objects:          make(map[string][]byte),
		contentTypes:     make(map[string]string),
		multipartUploads: make(map[string]*mockMultipartUpload),
	}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(params.Key)
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.objects[key] = data
	m.contentTypes[key] = aws.ToString(params.ContentType)
	h := md5.Sum(data)
	return &s3.PutObjectOutput{ETag: aws.String(fmt.Sprintf(`"%x"`, h))}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(params.Key)
	data, ok := m.objects[key]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}

	m.lastRange = aws.ToString(params.Range)
	if m.lastRange == "" {
		return &s3.GetObjectOutput{
			Body:          io.NopCloser(bytes.NewReader(data)),
			ContentLength: aws.Int64(int64(len(data))),
		}, nil
	}

	span := strings.TrimPrefix(m.lastRange, "bytes=")
	fromStr, toStr, _ := strings.Cut(span, "-")
	from, _ := strconv.ParseInt(fromStr, 10, 64)
	to, _ := strconv.ParseInt(toStr, 10, 64)
	if to >= int64(len(data)) {
		to = int64(len(data)) - 1
	}
	out := &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data[from : to+1])),
		ContentLength: aws.Int64(to - from + 1),
	}
	if !m.omitContentRange {
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", from, to, len(data)))
	}
	return out, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NotFound", message: "Not Found", httpStatus: 404}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUploadID++
	uploadID := fmt.Sprintf("mock-upload-%d", m.nextUploadID)
	m.multipartUploads[uploadID] = &mockMultipartUpload{
		key:         aws.ToString(params.Key),
		contentType: aws.ToString(params.ContentType),
		parts:       make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(uploadID)}, nil
}

func (m *mockS3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUploadPart {
		return nil, &mockAPIError{code: "InternalError", message: "boom", httpStatus: 500}
	}
	upload, ok := m.multipartUploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchUpload", message: "No such upload", httpStatus: 404}
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	upload.parts[aws.ToInt32(params.PartNumber)] = data

	h := md5.Sum(data)
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"%x"`, h))}, nil
}

func (m *mockS3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uploadID := aws.ToString(params.UploadId)
	upload, ok := m.multipartUploads[uploadID]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchUpload", message: "No such upload", httpStatus: 404}
	}

	var assembled bytes.Buffer
	var prev int32
	for _, cp := range params.MultipartUpload.Parts {
		partNum := aws.ToInt32(cp.PartNumber)
		if partNum <= prev {
			return nil, &mockAPIError{code: "InvalidPartOrder", message: "Parts out of order", httpStatus: 400}
		}
		prev = partNum
		partData, ok := upload.parts[partNum]
		if !ok {
			return nil, &mockAPIError{code: "InvalidPart", message: "Part not found", httpStatus: 400}
		}
		h := md5.Sum(partData)
		if aws.ToString(cp.ETag) != fmt.Sprintf(`"%x"`, h) {
			return nil, &mockAPIError{code: "InvalidPart", message: "ETag mismatch", httpStatus: 400}
		}
		assembled.Write(partData)
	}

	m.objects[upload.key] = assembled.Bytes()
	m.contentTypes[upload.key] = upload.contentType
	delete(m.multipartUploads, uploadID)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *mockS3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.multipartUploads, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

// mockAPIError implements smithy.APIError for the mock client.
type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }
func (e *mockAPIError) HTTPStatusCode() int           { return e.httpStatus }

func newTestS3Backend(maxRange int64) (*S3Backend, *mockS3Client) {
	mock := newMockS3Client()
	return NewS3BackendWithClient("test-bucket", "uploads/", maxRange, mock), mock
}

func newRecord(id, ext string, length int64) *ledger.UploadRecord {
	return &ledger.UploadRecord{
		ID:        id,
		Name:      "file",
		Extension: ext,
		MediaType: "text/plain",
		Length:    length,
		Status:    ledger.StatusPending,
	}
}

// appendAll drives a backend the way the upload engine does: one block at
// a time, applying each BlockResult to rec.
func appendAll(t *testing.T, b Backend, rec *ledger.UploadRecord, data []byte) {
	t.Helper()
	ctx := context.Background()
	for len(data) > 0 {
		n := b.BlockSize()
		if n > len(data) {
			n = len(data)
		}
		res, err := b.AppendBlock(ctx, rec, data[:n])
		if err != nil {
			t.Fatalf("AppendBlock(%d): %v", rec.BlockNumber, err)
		}
		if res.BlockID != "" {
			rec.BlockIDs = append(rec.BlockIDs, res.BlockID)
		}
		if res.ProviderUploadID != "" {
			rec.ProviderUploadID = res.ProviderUploadID
		}
		rec.BlockNumber++
		rec.UploadedLength += int64(n)
		data = data[n:]
	}
}

func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestS3AppendAndFinalize(t *testing.T) {
	b, mock := newTestS3Backend(0)
	ctx := context.Background()

	data := patterned(S3BlockSize*2 + 1234)
	rec := newRecord("abc12", ".txt", int64(len(data)))
	appendAll(t, b, rec, data)

	if rec.ProviderUploadID == "" {
		t.Fatal("ProviderUploadID not set after first block")
	}
	if len(rec.BlockIDs) != 3 {
		t.Fatalf("len(BlockIDs) = %d, want 3", len(rec.BlockIDs))
	}
	first, err := decodePartETag(rec.BlockIDs[0])
	if err != nil {
		t.Fatalf("decodePartETag: %v", err)
	}
	if first.PartNumber != 1 {
		t.Errorf("first PartNumber = %d, want 1", first.PartNumber)
	}

	if err := b.Finalize(ctx, rec); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got := mock.objects["uploads/abc12.txt"]
	if !bytes.Equal(got, data) {
		t.Fatalf("assembled object differs: len %d, want %d", len(got), len(data))
	}
	if ct := mock.contentTypes["uploads/abc12.txt"]; ct != "text/plain" {
		t.Errorf("content type = %q, want text/plain", ct)
	}

	// A retry after the ledger lost the completion still succeeds.
	if err := b.Finalize(ctx, rec); err != nil {
		t.Errorf("second Finalize: %v", err)
	}
}

func TestS3FinalizeNoSuchUploadWrongLength(t *testing.T) {
	b, _ := newTestS3Backend(0)
	rec := newRecord("gone1", ".bin", 10)
	rec.ProviderUploadID = "never-existed"
	if err := b.Finalize(context.Background(), rec); err == nil {
		t.Fatal("Finalize should fail when the upload is gone and no object exists")
	}
}

func TestS3FinalizeEmptyUpload(t *testing.T) {
	b, mock := newTestS3Backend(0)
	rec := newRecord("empty", ".txt", 0)
	if err := b.Finalize(context.Background(), rec); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if data, ok := mock.objects["uploads/empty.txt"]; !ok || len(data) != 0 {
		t.Errorf("empty object not written: %v %v", data, ok)
	}
}

func TestS3AppendBlockError(t *testing.T) {
	b, mock := newTestS3Backend(0)
	mock.failUploadPart = true
	rec := newRecord("err01", ".bin", 10)
	if _, err := b.AppendBlock(context.Background(), rec, []byte("0123456789")); err == nil {
		t.Fatal("AppendBlock should surface the UploadPart error")
	}
}

func TestS3Delete(t *testing.T) {
	b, mock := newTestS3Backend(0)
	ctx := context.Background()

	rec := newRecord("del01", ".bin", int64(S3BlockSize*2))
	appendAll(t, b, rec, patterned(S3BlockSize))
	if len(mock.multipartUploads) != 1 {
		t.Fatalf("multipart uploads = %d, want 1", len(mock.multipartUploads))
	}

	if err := b.Delete(ctx, rec); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(mock.multipartUploads) != 0 {
		t.Error("multipart upload not aborted")
	}
	if err := b.Delete(ctx, rec); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestS3ReadRange(t *testing.T) {
	b, mock := newTestS3Backend(0)
	data := patterned(1000)
	mock.objects["uploads/rng01.bin"] = data
	rec := newRecord("rng01", ".bin", 1000)

	obj, err := b.ReadRange(context.Background(), rec, NewByteRange(100, 199))
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	defer obj.Body.Close()

	got, _ := io.ReadAll(obj.Body)
	if !bytes.Equal(got, data[100:200]) {
		t.Error("ranged body mismatch")
	}
	if obj.ContentRange == nil || obj.ContentRange.String() != "bytes 100-199/1000" {
		t.Errorf("ContentRange = %v, want bytes 100-199/1000", obj.ContentRange)
	}
	if obj.Length != 100 {
		t.Errorf("Length = %d, want 100", obj.Length)
	}
}

func TestS3ReadRangeCapped(t *testing.T) {
	b, mock := newTestS3Backend(64)
	mock.omitContentRange = true
	mock.objects["uploads/cap01.bin"] = patterned(1000)
	rec := newRecord("cap01", ".bin", 1000)

	obj, err := b.ReadRange(context.Background(), rec, NewByteRange(900, -1))
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	defer obj.Body.Close()

	if mock.lastRange != "bytes=900-963" {
		t.Errorf("Range = %q, want bytes=900-963", mock.lastRange)
	}
	if got := obj.ContentRange.String(); got != "bytes 900-963/1000" {
		t.Errorf("ContentRange = %q, want bytes 900-963/1000", got)
	}
}

func TestS3ReadRangeInvalid(t *testing.T) {
	b, mock := newTestS3Backend(0)
	mock.objects["uploads/inv01.bin"] = patterned(10)
	rec := newRecord("inv01", ".bin", 10)

	_, err := b.ReadRange(context.Background(), rec, NewByteRange(10, -1))
	if !errors.Is(err, apperr.ErrInvalidRange) {
		t.Errorf("ReadRange past end = %v, want ErrInvalidRange", err)
	}
}

func TestS3ReadMissing(t *testing.T) {
	b, _ := newTestS3Backend(0)
	_, err := b.ReadRange(context.Background(), newRecord("nope1", ".bin", 1), nil)
	if !errors.Is(err, apperr.ErrNoSuchUpload) {
		t.Errorf("ReadRange of missing object = %v, want ErrNoSuchUpload", err)
	}
}

func TestIsAWSNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&mockAPIError{code: "NoSuchKey"}, true},
		{&mockAPIError{code: "NotFound"}, true},
		{&mockAPIError{code: "Other", httpStatus: 404}, true},
		{&mockAPIError{code: "AccessDenied", httpStatus: 403}, false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := isAWSNotFound(tt.err); got != tt.want {
			t.Errorf("isAWSNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if !isAWSNoSuchUpload(fmt.Errorf("wrapped: %w", &mockAPIError{code: "NoSuchUpload"})) {
		t.Error("isAWSNoSuchUpload should see through wrapping")
	}
}
