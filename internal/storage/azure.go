// Azure block blob backend for Honeydew.
//
// Every upload is one block blob. Blocks are staged directly on the final
// blob and Finalize commits the block list in order. Uncommitted blocks of an
// abandoned upload are garbage-collected by Azure after seven days.
//
// Key mapping:
//
//	Blobs:  {prefix}{id}{extension}
//
// Credentials come from a connection string when set, otherwise from managed
// identity or the default Azure credential chain against the account URL.
package storage

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/honeydew/honeydew/internal/config"
	apperr "github.com/honeydew/honeydew/internal/errors"
	"github.com/honeydew/honeydew/internal/ledger"
)

// AzureBlockSize is the size of each staged block.
const AzureBlockSize = 1024 * 1024

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// StageBlock stages a block on a blob for later commit. contentMD5 is
	// sent as the transactional hash of data.
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data, contentMD5 []byte) error
	// CommitBlockList commits a list of block IDs to finalize a blob.
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string, contentType string) error
	// DownloadRange downloads count bytes starting at offset. A count of 0
	// downloads to the end of the blob.
	DownloadRange(ctx context.Context, containerName, blobName string, offset, count int64) (*AzureDownload, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// ContainerExists checks that the container is reachable.
	ContainerExists(ctx context.Context, containerName string) (bool, error)
}

// AzureDownload is the result of a ranged blob download.
type AzureDownload struct {
	Body          io.ReadCloser
	ContentLength int64
	// ContentRange is the raw Content-Range response header, if any.
	ContentRange string
}

// AzureBackend implements Backend with Azure block blobs.
type AzureBackend struct {
	// Container is the Azure Blob container name.
	Container string
	// Prefix is the name prefix for all blobs in the container.
	Prefix string
	// MaxRangeBytes caps a ranged read; 0 means unlimited.
	MaxRangeBytes int64

	client AzureBlobAPI
}

// NewAzureBackend creates an AzureBackend from configuration and verifies
// that the container is accessible.
func NewAzureBackend(ctx context.Context, cfg config.AzureBlobsConfig) (*AzureBackend, error) {
	client, err := newRealAzureClient(cfg.AccountURL, cfg.ConnectionString, cfg.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := NewAzureBackendWithClient(cfg.ContainerName, cfg.Prefix, cfg.MaxRangeBytes, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", cfg.ContainerName, err)
	}

	slog.Info("Azure backend initialized", "container", cfg.ContainerName, "account", cfg.AccountURL, "prefix", cfg.Prefix)
	return b, nil
}

// NewAzureBackendWithClient creates an AzureBackend with a pre-configured
// Azure client. This is primarily used for testing with mock clients.
func NewAzureBackendWithClient(container, prefix string, maxRangeBytes int64, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{
		Container:     container,
		Prefix:        prefix,
		MaxRangeBytes: maxRangeBytes,
		client:        client,
	}
}

func (b *AzureBackend) Name() string             { return "azure" }
func (b *AzureBackend) BlockSize() int           { return AzureBlockSize }
func (b *AzureBackend) RequiresFullBlocks() bool { return false }

func (b *AzureBackend) blobName(rec *ledger.UploadRecord) string {
	return b.Prefix + rec.Key()
}

// azureBlockID returns the block ID for a block number. Azure requires all
// block IDs of a blob to be base64 strings of equal length.
func azureBlockID(blockNumber int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("BlockId%07d", blockNumber)))
}

// AppendBlock stages data as block BlockNumber with its MD5 hash.
func (b *AzureBackend) AppendBlock(ctx context.Context, rec *ledger.UploadRecord, data []byte) (BlockResult, error) {
	name := b.blobName(rec)
	id := azureBlockID(rec.BlockNumber)

	sum := md5.Sum(data)
	if err := b.client.StageBlock(ctx, b.Container, name, id, data, sum[:]); err != nil {
		return BlockResult{}, fmt.Errorf("staging block %d of %q: %w", rec.BlockNumber, name, err)
	}
	return BlockResult{BlockID: id}, nil
}

// Finalize commits the recorded blocks in order and sets the content type.
// Committing the same list again is accepted by Azure, so retries succeed.
func (b *AzureBackend) Finalize(ctx context.Context, rec *ledger.UploadRecord) error {
	name := b.blobName(rec)
	if err := b.client.CommitBlockList(ctx, b.Container, name, rec.BlockIDs, contentTypeOrDefault(rec.MediaType)); err != nil {
		return fmt.Errorf("committing block list for %q: %w", name, err)
	}
	return nil
}

// Delete removes the blob if it exists.
func (b *AzureBackend) Delete(ctx context.Context, rec *ledger.UploadRecord) error {
	name := b.blobName(rec)
	if err := b.client.DeleteBlob(ctx, b.Container, name); err != nil {
		if isAzureNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting %q from Azure Blob: %w", name, err)
	}
	return nil
}

// ReadRange downloads the blob, ranged and capped when rng is set.
func (b *AzureBackend) ReadRange(ctx context.Context, rec *ledger.UploadRecord, rng *ByteRange) (*Object, error) {
	name := b.blobName(rec)

	var offset, count int64
	if rng != nil {
		var err error
		offset, count, err = resolveRange(rng, rec.Length, b.MaxRangeBytes)
		if err != nil {
			return nil, err
		}
	}

	resp, err := b.client.DownloadRange(ctx, b.Container, name, offset, count)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("object %s: %w", name, apperr.ErrNoSuchUpload)
		}
		return nil, fmt.Errorf("downloading %q from Azure Blob: %w", name, err)
	}

	obj := &Object{Body: resp.Body, Length: resp.ContentLength}
	if rng == nil {
		return obj, nil
	}

	if resp.ContentRange != "" {
		if cr, err := ParseContentRange(resp.ContentRange); err == nil {
			obj.ContentRange = cr
		}
	}
	if obj.ContentRange == nil {
		obj.ContentRange = &ContentRange{Start: offset, End: offset + count - 1, Size: rec.Length}
	}
	return obj, nil
}

// HealthCheck verifies that the Azure container is accessible.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	ok, err := b.client.ContainerExists(ctx, b.Container)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("container %q does not exist", b.Container)
	}
	return nil
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == 404 {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist") {
		return true
	}
	return false
}

var _ Backend = (*AzureBackend)(nil)
