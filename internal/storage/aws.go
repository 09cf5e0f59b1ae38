// S3 multipart backend for Honeydew.
//
// Every upload maps to one S3 multipart upload. Each block becomes a part,
// and Finalize completes the multipart upload into the object.
//
// Key mapping:
//
//	Objects:  {prefix}{id}{extension}
//
// Credentials come from the static keys in the config when set, otherwise
// from the standard AWS credential chain (env vars, ~/.aws/credentials, IAM
// role, etc.). Endpoint override plus path-style addressing covers
// S3-compatible services such as MinIO.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/honeydew/honeydew/internal/config"
	apperr "github.com/honeydew/honeydew/internal/errors"
	"github.com/honeydew/honeydew/internal/ledger"
)

// S3BlockSize is the S3 part size. S3 rejects non-final parts below 5 MiB.
const S3BlockSize = 5 * 1024 * 1024

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Backend implements Backend with S3 multipart uploads.
type S3Backend struct {
	// Bucket is the S3 bucket name.
	Bucket string
	// Prefix is the key prefix for all objects in the bucket.
	Prefix string
	// MaxRangeBytes caps a ranged read; 0 means unlimited.
	MaxRangeBytes int64

	client S3API
}

// NewS3Backend creates an S3Backend from configuration and verifies that the
// bucket is accessible.
func NewS3Backend(ctx context.Context, cfg config.S3Config) (*S3Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))

	// Use static credentials if provided, otherwise fall back to default chain.
	if cfg.AccessKey != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	b := NewS3BackendWithClient(cfg.Bucket, cfg.Prefix, cfg.MaxRangeBytes, s3.NewFromConfig(awsCfg, s3Opts...))

	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("S3 backend initialized", "bucket", cfg.Bucket, "region", cfg.Region, "prefix", cfg.Prefix)
	return b, nil
}

// NewS3BackendWithClient creates an S3Backend with a pre-configured S3
// client. This is primarily used for testing with mock clients.
func NewS3BackendWithClient(bucket, prefix string, maxRangeBytes int64, client S3API) *S3Backend {
	return &S3Backend{
		Bucket:        bucket,
		Prefix:        prefix,
		MaxRangeBytes: maxRangeBytes,
		client:        client,
	}
}

func (b *S3Backend) Name() string             { return "s3" }
func (b *S3Backend) BlockSize() int           { return S3BlockSize }
func (b *S3Backend) RequiresFullBlocks() bool { return true }

func (b *S3Backend) s3Key(rec *ledger.UploadRecord) string {
	return b.Prefix + rec.Key()
}

// partETag is the block ID payload: enough to list the part in
// CompleteMultipartUpload.
type partETag struct {
	PartNumber int32
	ETag       string
}

func encodePartETag(p partETag) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodePartETag(blockID string) (partETag, error) {
	var p partETag
	raw, err := base64.StdEncoding.DecodeString(blockID)
	if err != nil {
		return p, fmt.Errorf("decoding block id %q: %w", blockID, err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decoding block id %q: %w", blockID, err)
	}
	return p, nil
}

// AppendBlock uploads data as part BlockNumber+1, opening the multipart
// upload on the first block.
func (b *S3Backend) AppendBlock(ctx context.Context, rec *ledger.UploadRecord, data []byte) (BlockResult, error) {
	key := b.s3Key(rec)

	var result BlockResult
	uploadID := rec.ProviderUploadID
	if uploadID == "" {
		resp, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(b.Bucket),
			Key:         aws.String(key),
			ContentType: aws.String(contentTypeOrDefault(rec.MediaType)),
		})
		if err != nil {
			return BlockResult{}, fmt.Errorf("creating multipart upload for %q: %w", key, err)
		}
		uploadID = aws.ToString(resp.UploadId)
		result.ProviderUploadID = uploadID
	}

	partNumber := int32(rec.BlockNumber + 1) // S3 part numbers start at one.
	resp, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return BlockResult{}, fmt.Errorf("uploading part %d of %q: %w", partNumber, key, err)
	}

	blockID, err := encodePartETag(partETag{PartNumber: partNumber, ETag: aws.ToString(resp.ETag)})
	if err != nil {
		return BlockResult{}, fmt.Errorf("encoding part %d of %q: %w", partNumber, key, err)
	}
	result.BlockID = blockID
	return result, nil
}

// Finalize completes the multipart upload with the recorded parts in order.
func (b *S3Backend) Finalize(ctx context.Context, rec *ledger.UploadRecord) error {
	key := b.s3Key(rec)

	if rec.ProviderUploadID == "" {
		if rec.Length == 0 {
			_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(b.Bucket),
				Key:           aws.String(key),
				Body:          bytes.NewReader(nil),
				ContentLength: aws.Int64(0),
				ContentType:   aws.String(contentTypeOrDefault(rec.MediaType)),
			})
			if err != nil {
				return fmt.Errorf("writing empty object %q: %w", key, err)
			}
			return nil
		}
		if b.objectHasLength(ctx, key, rec.Length) {
			return nil
		}
		return fmt.Errorf("finalizing %q: no multipart upload in progress", key)
	}

	parts := make([]types.CompletedPart, 0, len(rec.BlockIDs))
	for _, id := range rec.BlockIDs {
		p, err := decodePartETag(id)
		if err != nil {
			return err
		}
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}

	_, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(b.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(rec.ProviderUploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	if err != nil {
		// A previous attempt may have completed the upload before the
		// ledger recorded it.
		if isAWSNoSuchUpload(err) && b.objectHasLength(ctx, key, rec.Length) {
			return nil
		}
		return fmt.Errorf("completing multipart upload for %q: %w", key, err)
	}
	return nil
}

func (b *S3Backend) objectHasLength(ctx context.Context, key string, length int64) bool {
	resp, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	return err == nil && aws.ToInt64(resp.ContentLength) == length
}

// Delete aborts an open multipart upload and removes the object.
func (b *S3Backend) Delete(ctx context.Context, rec *ledger.UploadRecord) error {
	key := b.s3Key(rec)

	if rec.ProviderUploadID != "" {
		_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(b.Bucket),
			Key:      aws.String(key),
			UploadId: aws.String(rec.ProviderUploadID),
		})
		if err != nil && !isAWSNoSuchUpload(err) {
			return fmt.Errorf("aborting multipart upload for %q: %w", key, err)
		}
	}

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("deleting %q from S3: %w", key, err)
	}
	return nil
}

// ReadRange issues a GetObject, ranged and capped when rng is set.
func (b *S3Backend) ReadRange(ctx context.Context, rec *ledger.UploadRecord, rng *ByteRange) (*Object, error) {
	key := b.s3Key(rec)

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	}

	var offset, count int64
	if rng != nil {
		var err error
		offset, count, err = resolveRange(rng, rec.Length, b.MaxRangeBytes)
		if err != nil {
			return nil, err
		}
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+count-1))
	}

	resp, err := b.client.GetObject(ctx, input)
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("object %s: %w", key, apperr.ErrNoSuchUpload)
		}
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}

	obj := &Object{Body: resp.Body, Length: aws.ToInt64(resp.ContentLength)}
	if rng == nil {
		return obj, nil
	}

	if resp.ContentRange != nil {
		if cr, err := ParseContentRange(*resp.ContentRange); err == nil {
			obj.ContentRange = cr
		}
	}
	if obj.ContentRange == nil {
		obj.ContentRange = &ContentRange{Start: offset, End: offset + count - 1, Size: rec.Length}
	}
	if obj.Length == 0 {
		obj.Length = obj.ContentRange.End - obj.ContentRange.Start + 1
	}
	return obj, nil
}

// HealthCheck verifies that the S3 bucket is accessible.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

// isAWSNoSuchUpload reports whether err says the multipart upload is gone,
// either completed or aborted.
func isAWSNoSuchUpload(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchUpload"
	}
	var noSuchUpload *types.NoSuchUpload
	return errors.As(err, &noSuchUpload)
}

func contentTypeOrDefault(mediaType string) string {
	if mediaType == "" {
		return "application/octet-stream"
	}
	return mediaType
}

var _ Backend = (*S3Backend)(nil)
