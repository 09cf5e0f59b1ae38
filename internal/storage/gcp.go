// Google Cloud Storage compose backend for Honeydew.
//
// Each block is written as its own part object. Finalize composes the parts,
// in order, into the final object and then removes them.
//
// Key mapping:
//
//	Objects:  {prefix}{id}{extension}
//	Parts:    {prefix}.parts/{id}/{block_number}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/honeydew/honeydew/internal/config"
	apperr "github.com/honeydew/honeydew/internal/errors"
	"github.com/honeydew/honeydew/internal/ledger"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// maxComposeSources is the GCS limit on the number of source objects per
// Compose call.
const maxComposeSources = 32

// DefaultGCSBlockSize is the part size used when none is configured.
const DefaultGCSBlockSize = 8 * 1024 * 1024

// GCSAPI defines the subset of the GCS client interface that the backend
// uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser
	// NewRangeReader reads length bytes from offset. A negative length
	// reads to the end of the object.
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Compose composes multiple GCS source objects into a single destination object.
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string, contentType string) (*GCSAttrs, error)
	// ListObjects lists objects with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
	// BucketExists checks that the bucket is reachable.
	BucketExists(ctx context.Context, bucket string) error
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size int64
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (c *realGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size}, nil
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string, contentType string) (*GCSAttrs, error) {
	dst := c.client.Bucket(bucket).Object(dstObject)
	var srcs []*gcs.ObjectHandle
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	composer := dst.ComposerFrom(srcs...)
	composer.ContentType = contentType
	attrs, err := composer.Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (c *realGCSClient) BucketExists(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

// GCSBackend implements Backend by composing part objects in a GCS bucket.
type GCSBackend struct {
	// Bucket is the GCS bucket name.
	Bucket string
	// Prefix is the key prefix for all objects in the bucket.
	Prefix string
	// MaxRangeBytes caps a ranged read; 0 means unlimited.
	MaxRangeBytes int64

	blockSize int
	client    GCSAPI
}

// NewGCSBackend creates a GCSBackend from configuration using Application
// Default Credentials, and verifies that the bucket is accessible.
func NewGCSBackend(ctx context.Context, cfg config.GCSConfig) (*GCSBackend, error) {
	client, err := gcs.NewClient(ctx, option.WithUserAgent("honeydew"))
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCSBackendWithClient(cfg.Bucket, cfg.Prefix, cfg.BlockSize, cfg.MaxRangeBytes, &realGCSClient{client: client})
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("GCS backend initialized", "bucket", cfg.Bucket, "project", cfg.Project, "prefix", cfg.Prefix)
	return b, nil
}

// NewGCSBackendWithClient creates a GCSBackend with a pre-configured GCS
// client. A blockSize of 0 selects DefaultGCSBlockSize.
func NewGCSBackendWithClient(bucket, prefix string, blockSize int, maxRangeBytes int64, client GCSAPI) *GCSBackend {
	if blockSize <= 0 {
		blockSize = DefaultGCSBlockSize
	}
	return &GCSBackend{
		Bucket:        bucket,
		Prefix:        prefix,
		MaxRangeBytes: maxRangeBytes,
		blockSize:     blockSize,
		client:        client,
	}
}

func (b *GCSBackend) Name() string             { return "gcs" }
func (b *GCSBackend) BlockSize() int           { return b.blockSize }
func (b *GCSBackend) RequiresFullBlocks() bool { return false }

func (b *GCSBackend) objectName(rec *ledger.UploadRecord) string {
	return b.Prefix + rec.Key()
}

func (b *GCSBackend) partsPrefix(id string) string {
	return b.Prefix + ".parts/" + id + "/"
}

func (b *GCSBackend) partName(id string, blockNumber int) string {
	return fmt.Sprintf("%s%d", b.partsPrefix(id), blockNumber)
}

// AppendBlock writes data as its own part object. The part name is the
// block ID.
func (b *GCSBackend) AppendBlock(ctx context.Context, rec *ledger.UploadRecord, data []byte) (BlockResult, error) {
	name := b.partName(rec.ID, rec.BlockNumber)

	w := b.client.NewWriter(ctx, b.Bucket, name, "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		w.Close()
		return BlockResult{}, fmt.Errorf("writing part %q: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return BlockResult{}, fmt.Errorf("closing part %q: %w", name, err)
	}
	return BlockResult{BlockID: name}, nil
}

// Finalize composes the parts in order into the final object and deletes
// them. When the parts are already gone but the object exists at the
// declared length, an earlier attempt succeeded and Finalize returns nil.
func (b *GCSBackend) Finalize(ctx context.Context, rec *ledger.UploadRecord) error {
	finalName := b.objectName(rec)
	contentType := contentTypeOrDefault(rec.MediaType)

	if len(rec.BlockIDs) == 0 {
		w := b.client.NewWriter(ctx, b.Bucket, finalName, contentType)
		if err := w.Close(); err != nil {
			return fmt.Errorf("writing empty object %q: %w", finalName, err)
		}
		return nil
	}

	var err error
	if len(rec.BlockIDs) <= maxComposeSources {
		_, err = b.client.Compose(ctx, b.Bucket, finalName, rec.BlockIDs, contentType)
		if err != nil {
			err = fmt.Errorf("composing parts in GCS: %w", err)
		}
	} else {
		var intermediates []string
		intermediates, err = b.chainCompose(ctx, rec.BlockIDs, finalName, contentType)
		for _, name := range intermediates {
			if delErr := b.client.Delete(ctx, b.Bucket, name); delErr != nil && !isGCSNotFound(delErr) {
				slog.Warn("Failed to clean up intermediate compose object", "object", name, "error", delErr)
			}
		}
	}
	if err != nil {
		if isGCSNotFound(err) {
			if attrs, attrErr := b.client.Attrs(ctx, b.Bucket, finalName); attrErr == nil && attrs.Size == rec.Length {
				return nil
			}
		}
		return err
	}

	if err := b.deleteParts(ctx, rec.ID); err != nil {
		slog.Warn("Failed to delete GCS parts after compose", "upload_id", rec.ID, "error", err)
	}
	return nil
}

// chainCompose chains GCS compose calls for >32 sources.
// Returns a list of intermediate object names that should be cleaned up.
func (b *GCSBackend) chainCompose(ctx context.Context, sourceNames []string, finalName, contentType string) ([]string, error) {
	var allIntermediates []string
	currentSources := sourceNames

	generation := 0
	for len(currentSources) > maxComposeSources {
		var nextSources []string
		for i := 0; i < len(currentSources); i += maxComposeSources {
			end := min(i+maxComposeSources, len(currentSources))
			batch := currentSources[i:end]
			if len(batch) == 1 {
				nextSources = append(nextSources, batch[0])
				continue
			}
			intermediateName := fmt.Sprintf("%s.__compose_tmp_%d_%d", finalName, generation, i)
			if _, err := b.client.Compose(ctx, b.Bucket, intermediateName, batch, contentType); err != nil {
				return allIntermediates, fmt.Errorf("composing intermediate batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			nextSources = append(nextSources, intermediateName)
			allIntermediates = append(allIntermediates, intermediateName)
		}
		currentSources = nextSources
		generation++
	}

	if _, err := b.client.Compose(ctx, b.Bucket, finalName, currentSources, contentType); err != nil {
		return allIntermediates, fmt.Errorf("final compose in GCS: %w", err)
	}
	return allIntermediates, nil
}

// deleteParts removes all part objects of an upload.
func (b *GCSBackend) deleteParts(ctx context.Context, id string) error {
	prefix := b.partsPrefix(id)
	names, err := b.client.ListObjects(ctx, b.Bucket, prefix)
	if err != nil {
		return fmt.Errorf("listing parts for upload %s: %w", id, err)
	}
	for _, name := range names {
		if err := b.client.Delete(ctx, b.Bucket, name); err != nil && !isGCSNotFound(err) {
			return fmt.Errorf("deleting part %s: %w", name, err)
		}
	}
	return nil
}

// Delete removes the final object and any remaining parts.
func (b *GCSBackend) Delete(ctx context.Context, rec *ledger.UploadRecord) error {
	name := b.objectName(rec)
	if err := b.client.Delete(ctx, b.Bucket, name); err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting %q from GCS: %w", name, err)
	}
	return b.deleteParts(ctx, rec.ID)
}

// ReadRange opens a range reader on the final object, capped when rng is set.
func (b *GCSBackend) ReadRange(ctx context.Context, rec *ledger.UploadRecord, rng *ByteRange) (*Object, error) {
	name := b.objectName(rec)

	offset, count := int64(0), int64(-1)
	if rng != nil {
		var err error
		offset, count, err = resolveRange(rng, rec.Length, b.MaxRangeBytes)
		if err != nil {
			return nil, err
		}
	}

	r, err := b.client.NewRangeReader(ctx, b.Bucket, name, offset, count)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("object %s: %w", name, apperr.ErrNoSuchUpload)
		}
		return nil, fmt.Errorf("reading %q from GCS: %w", name, err)
	}

	if rng == nil {
		return &Object{Body: r, Length: rec.Length}, nil
	}
	return &Object{
		Body:         r,
		Length:       count,
		ContentRange: &ContentRange{Start: offset, End: offset + count - 1, Size: rec.Length},
	}, nil
}

// HealthCheck verifies that the GCS bucket is accessible.
func (b *GCSBackend) HealthCheck(ctx context.Context) error {
	return b.client.BucketExists(ctx, b.Bucket)
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

var _ Backend = (*GCSBackend)(nil)
