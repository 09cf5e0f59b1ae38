// Package upload implements the chunked upload engine: it reads request
// bodies, cuts them into backend-sized blocks, writes each block to the
// storage backend and records the progress in the ledger after every block,
// so an interrupted upload can resume from the last committed byte.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	apperr "github.com/honeydew/honeydew/internal/errors"
	"github.com/honeydew/honeydew/internal/ledger"
	"github.com/honeydew/honeydew/internal/mediatype"
	"github.com/honeydew/honeydew/internal/metrics"
	"github.com/honeydew/honeydew/internal/storage"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultReadBufferSize is the size of each read from a request body.
const DefaultReadBufferSize = 50 * 1024

// maxCreateAttempts bounds ID regeneration when Create races another
// upload for the same ID.
const maxCreateAttempts = 3

var tracer = otel.Tracer("github.com/honeydew/honeydew/internal/upload")

// IDGenerator produces unused upload IDs.
type IDGenerator interface {
	GenerateID(ctx context.Context) (string, error)
}

// DeletionPolicy decides what Delete does.
type DeletionPolicy struct {
	// Allow enables Delete. When false Delete returns ErrDeletionDisabled.
	Allow bool
	// AlsoDeleteFromStorage removes the stored object along with the
	// record. Staged data of unfinished uploads is always removed.
	AlsoDeleteFromStorage bool
	// Schedule marks the record for deletion DeleteAfter from now instead
	// of removing it; the sweeper purges it later.
	Schedule    bool
	DeleteAfter time.Duration
}

// Engine coordinates the ledger and a storage backend.
type Engine struct {
	ledger  ledger.Ledger
	backend storage.Backend
	ids     IDGenerator

	readPool  bytebufferpool.Pool
	writePool bytebufferpool.Pool

	readBufferSize int
	policy         DeletionPolicy
	now            func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithReadBufferSize sets the size of each body read.
func WithReadBufferSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.readBufferSize = n
		}
	}
}

// WithDeletionPolicy sets the policy applied by Delete and Purge.
func WithDeletionPolicy(p DeletionPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. By default deletion is allowed, immediate and
// removes stored data.
func New(l ledger.Ledger, backend storage.Backend, ids IDGenerator, opts ...Option) *Engine {
	e := &Engine{
		ledger:         l,
		backend:        backend,
		ids:            ids,
		readBufferSize: DefaultReadBufferSize,
		policy:         DeletionPolicy{Allow: true, AlsoDeleteFromStorage: true},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Backend returns the storage backend the engine writes to.
func (e *Engine) Backend() storage.Backend { return e.backend }

// CreateRequest describes a new upload.
type CreateRequest struct {
	// FileName is the client file name, extension included. Required.
	FileName string
	// Length is the declared total size in bytes.
	Length int64
	// MediaType overrides the type derived from the extension.
	MediaType string
	// CodeLanguage overrides the language derived from the extension. It is
	// ignored unless it names a known language.
	CodeLanguage string
	// Metadata is stored verbatim.
	Metadata  string
	OwnerID   string
	CreatedBy string
}

// Create stores a new Pending record under a freshly generated ID.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (rec *ledger.UploadRecord, err error) {
	defer func() { observe("Create", err) }()

	base := baseName(req.FileName)
	if base == "" {
		return nil, fmt.Errorf("creating upload: %w", apperr.ErrInvalidArgument.WithMessage("name metadata must be specified"))
	}
	if req.Length < 0 {
		return nil, fmt.Errorf("creating upload: %w", apperr.ErrInvalidArgument.WithMessage("upload length must not be negative"))
	}

	ext := path.Ext(base)
	mediaType := strings.TrimSpace(req.MediaType)
	if mediaType == "" {
		mediaType = mediatype.ForExtension(ext)
	}
	lang := req.CodeLanguage
	if !mediatype.IsCodeLanguage(lang) {
		lang = mediatype.LanguageForFileName(base)
	}

	rec = &ledger.UploadRecord{
		Name:             strings.TrimSuffix(base, ext),
		Extension:        ext,
		OriginalFileName: base,
		MediaType:        mediaType,
		CodeLanguage:     lang,
		Metadata:         req.Metadata,
		Length:           req.Length,
		Status:           ledger.StatusPending,
		OwnerID:          req.OwnerID,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        e.now().UTC(),
	}

	for attempt := 1; ; attempt++ {
		id, err := e.ids.GenerateID(ctx)
		if err != nil {
			return nil, err
		}
		rec.ID = id
		err = e.ledger.Create(ctx, rec)
		if err == nil {
			break
		}
		if !errors.Is(err, ledger.ErrDuplicateID) || attempt == maxCreateAttempts {
			return nil, fmt.Errorf("creating upload %s: %w", id, err)
		}
	}

	slog.Info("Upload created", "upload_id", rec.ID, "length", rec.Length, "backend", e.backend.Name())
	return rec, nil
}

// baseName strips directories, including Windows ones, from a client file
// name.
func baseName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	base := path.Base(name)
	if base == "/" || base == "." {
		return ""
	}
	return base
}

// Get returns the record of an upload, or ErrNoSuchUpload. An upload whose
// scheduled deletion time has passed is already deleted as far as callers
// are concerned, even before the sweeper removes it.
func (e *Engine) Get(ctx context.Context, id string) (*ledger.UploadRecord, error) {
	rec, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading upload %s: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("upload %s: %w", id, apperr.ErrNoSuchUpload)
	}
	if rec.DueForDeletion(e.now()) {
		return nil, fmt.Errorf("upload %s scheduled for deletion: %w", id, apperr.ErrNoSuchUpload)
	}
	return rec, nil
}

// Append reads body to the end and appends it to upload id. See AppendAt.
func (e *Engine) Append(ctx context.Context, id string, body io.Reader) (int64, error) {
	return e.AppendAt(ctx, id, -1, body)
}

// AppendAt appends body to upload id. When offset is not negative it must
// equal the committed length of the upload, or ErrOffsetMismatch is
// returned.
//
// Bytes are flushed to the backend one block at a time and the ledger is
// updated after each block. The returned count is the number of bytes
// committed by this call. If ctx is cancelled the call stops reading and
// returns the committed count with a nil error; the upload stays Pending
// and can be resumed. More bytes than the declared length fail with
// ErrStreamIntegrity before the offending read is flushed. Once every byte
// is committed the upload is finalized.
func (e *Engine) AppendAt(ctx context.Context, id string, offset int64, body io.Reader) (written int64, err error) {
	ctx, span := tracer.Start(ctx, "upload.Append", trace.WithAttributes(attribute.String("upload.id", id)))
	defer func() {
		span.SetAttributes(attribute.Int64("upload.bytes_written", written))
		endSpan(span, err)
		observe("Append", err)
	}()

	rec, err := e.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if rec.IsComplete() {
		return 0, fmt.Errorf("upload %s: %w", id, apperr.ErrUploadComplete)
	}
	if offset >= 0 && offset != rec.UploadedLength {
		return 0, fmt.Errorf("upload %s at offset %d, got %d: %w", id, rec.UploadedLength, offset, apperr.ErrOffsetMismatch)
	}

	// A previous finalize failed after every byte was committed.
	if rec.UploadedLength == rec.Length {
		return 0, e.finalize(ctx, rec)
	}

	blockSize := e.backend.BlockSize()

	rb := e.readPool.Get()
	defer e.readPool.Put(rb)
	if cap(rb.B) < e.readBufferSize {
		rb.B = make([]byte, e.readBufferSize)
	}
	readBuf := rb.B[:e.readBufferSize]

	wb := e.writePool.Get()
	defer e.writePool.Put(wb)
	if cap(wb.B) < blockSize {
		wb.B = make([]byte, 0, blockSize)
	}
	wb.B = wb.B[:0]

	for {
		if ctx.Err() != nil {
			slog.Info("Upload append cancelled", "upload_id", id, "committed", rec.UploadedLength)
			return written, nil
		}

		n, rerr := body.Read(readBuf)
		if n > 0 {
			if rec.UploadedLength+int64(len(wb.B))+int64(n) > rec.Length {
				return written, fmt.Errorf("upload %s declared %d bytes: %w", id, rec.Length, apperr.ErrStreamIntegrity)
			}
			chunk := readBuf[:n]
			for len(chunk) > 0 {
				take := min(blockSize-len(wb.B), len(chunk))
				wb.B = append(wb.B, chunk[:take]...)
				chunk = chunk[take:]
				if len(wb.B) == blockSize {
					if err := e.flush(ctx, rec, wb.B); err != nil {
						return written, err
					}
					written += int64(len(wb.B))
					wb.B = wb.B[:0]
				}
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				slog.Info("Upload append cancelled", "upload_id", id, "committed", rec.UploadedLength)
				return written, nil
			}
			return written, fmt.Errorf("reading upload %s: %w", id, rerr)
		}
	}

	if len(wb.B) > 0 {
		last := rec.UploadedLength+int64(len(wb.B)) == rec.Length
		if last || !e.backend.RequiresFullBlocks() {
			if err := e.flush(ctx, rec, wb.B); err != nil {
				return written, err
			}
			written += int64(len(wb.B))
		} else {
			// The backend cannot take a short part in the middle of an
			// upload. The client resends these bytes from the reported offset.
			slog.Debug("Holding back short block", "upload_id", id, "bytes", len(wb.B), "committed", rec.UploadedLength)
		}
	}

	if rec.UploadedLength == rec.Length {
		return written, e.finalize(ctx, rec)
	}
	return written, nil
}

// flush writes one block and records it. The backend write and the ledger
// update run without cancellation so that a started block is always
// recorded. rec is updated in place on success.
func (e *Engine) flush(ctx context.Context, rec *ledger.UploadRecord, data []byte) error {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	res, err := e.backend.AppendBlock(ctx, rec, data)
	if err != nil {
		slog.Error("Block write failed", "upload_id", rec.ID, "block", rec.BlockNumber, "backend", e.backend.Name(), "error", err)
		return fmt.Errorf("writing block %d of upload %s: %w", rec.BlockNumber, rec.ID, err)
	}

	next := rec.Clone()
	if res.BlockID != "" {
		next.BlockIDs = append(next.BlockIDs, res.BlockID)
	}
	if res.ProviderUploadID != "" {
		next.ProviderUploadID = res.ProviderUploadID
	}
	next.BlockNumber++
	next.UploadedLength += int64(len(data))

	if err := e.ledger.Update(ctx, next); err != nil {
		slog.Error("Ledger update failed after block write", "upload_id", rec.ID, "block", rec.BlockNumber, "error", err)
		return fmt.Errorf("recording block %d of upload %s: %w", rec.BlockNumber, rec.ID, err)
	}
	*rec = *next

	metrics.BlocksWrittenTotal.WithLabelValues(e.backend.Name()).Inc()
	metrics.BlockWriteDuration.WithLabelValues(e.backend.Name()).Observe(time.Since(start).Seconds())
	metrics.BytesReceivedTotal.Add(float64(len(data)))
	return nil
}

// finalize commits the backend object and then marks the record Complete.
// A record is never Complete unless the backend finalize succeeded.
func (e *Engine) finalize(ctx context.Context, rec *ledger.UploadRecord) error {
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "upload.Finalize",
		trace.WithAttributes(attribute.String("upload.id", rec.ID), attribute.Int64("upload.length", rec.Length)))
	var err error
	defer func() { endSpan(span, err) }()

	if err = e.backend.Finalize(ctx, rec); err != nil {
		slog.Error("Finalize failed", "upload_id", rec.ID, "backend", e.backend.Name(), "error", err)
		err = fmt.Errorf("finalizing upload %s: %w", rec.ID, err)
		return err
	}

	next := rec.Clone()
	next.Status = ledger.StatusComplete
	next.ProviderUploadID = ""
	if err = e.ledger.Update(ctx, next); err != nil {
		err = fmt.Errorf("marking upload %s complete: %w", rec.ID, err)
		return err
	}
	*rec = *next

	metrics.UploadsCompletedTotal.Inc()
	slog.Info("Upload completed", "upload_id", rec.ID, "length", rec.Length, "blocks", rec.BlockNumber)
	return nil
}

// Finalize completes an upload whose bytes are all committed. It is
// idempotent: a Complete upload returns nil. An upload still missing bytes
// returns ErrIncompleteUpload.
func (e *Engine) Finalize(ctx context.Context, id string) (err error) {
	defer func() { observe("Finalize", err) }()

	rec, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.IsComplete() {
		return nil
	}
	if rec.UploadedLength < rec.Length {
		return fmt.Errorf("upload %s has %d of %d bytes: %w", id, rec.UploadedLength, rec.Length, apperr.ErrIncompleteUpload)
	}
	return e.finalize(ctx, rec)
}

// WriteAll creates an upload of req.Length bytes and fills it from body in
// one pass. If body ends early, overruns, or ctx is cancelled, the partial
// upload is purged and an error is returned.
func (e *Engine) WriteAll(ctx context.Context, req CreateRequest, body io.Reader) (*ledger.UploadRecord, error) {
	rec, err := e.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	cleanupCtx := context.WithoutCancel(ctx)
	_, err = e.Append(ctx, rec.ID, body)
	if err == nil {
		var cur *ledger.UploadRecord
		cur, err = e.Get(cleanupCtx, rec.ID)
		switch {
		case err != nil:
		case cur.IsComplete():
			return cur, nil
		case ctx.Err() != nil:
			err = fmt.Errorf("upload %s interrupted: %w", rec.ID, ctx.Err())
		default:
			err = fmt.Errorf("upload %s received %d of %d bytes: %w", rec.ID, cur.UploadedLength, cur.Length, apperr.ErrIncompleteUpload)
		}
	}

	// Purge with the latest record so provider sessions are aborted too.
	if cur, gerr := e.ledger.Get(cleanupCtx, rec.ID); gerr == nil && cur != nil {
		rec = cur
	}
	if perr := e.purge(cleanupCtx, rec, true); perr != nil {
		slog.Warn("Failed to purge partial upload", "upload_id", rec.ID, "error", perr)
	}
	return nil, err
}

// Delete applies the deletion policy to upload id.
func (e *Engine) Delete(ctx context.Context, id string) (err error) {
	defer func() { observe("Delete", err) }()

	if !e.policy.Allow {
		return fmt.Errorf("deleting upload %s: %w", id, apperr.ErrDeletionDisabled)
	}
	rec, err := e.Get(ctx, id)
	if err != nil {
		return err
	}

	if e.policy.Schedule {
		if rec.PendingForDeletionAt != nil {
			return nil
		}
		at := e.now().UTC().Add(e.policy.DeleteAfter)
		rec.PendingForDeletionAt = &at
		if err := e.ledger.Update(ctx, rec); err != nil {
			return fmt.Errorf("scheduling deletion of upload %s: %w", id, err)
		}
		slog.Info("Upload scheduled for deletion", "upload_id", id, "at", at)
		return nil
	}

	return e.Purge(ctx, rec)
}

// Purge removes an upload now, regardless of the scheduling policy. Stored
// data is removed when the policy says so; staged data of an unfinished
// upload is always removed.
func (e *Engine) Purge(ctx context.Context, rec *ledger.UploadRecord) (err error) {
	defer func() { observe("Purge", err) }()
	return e.purge(ctx, rec, e.policy.AlsoDeleteFromStorage || !rec.IsComplete())
}

func (e *Engine) purge(ctx context.Context, rec *ledger.UploadRecord, deleteData bool) error {
	if deleteData {
		if err := e.backend.Delete(ctx, rec); err != nil {
			return fmt.Errorf("deleting data of upload %s: %w", rec.ID, err)
		}
	}
	if err := e.ledger.Delete(ctx, rec.ID); err != nil {
		return fmt.Errorf("deleting record of upload %s: %w", rec.ID, err)
	}
	slog.Info("Upload deleted", "upload_id", rec.ID, "data_deleted", deleteData)
	return nil
}

func observe(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.UploadOperationsTotal.WithLabelValues(operation, status).Inc()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
