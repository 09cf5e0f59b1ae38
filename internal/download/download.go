// Package download resolves upload IDs to readable byte streams for the raw
// and download routes.
package download

import (
	"context"
	"fmt"
	"io"
	"time"

	apperr "github.com/honeydew/honeydew/internal/errors"
	"github.com/honeydew/honeydew/internal/ledger"
	"github.com/honeydew/honeydew/internal/mediatype"
	"github.com/honeydew/honeydew/internal/metrics"
	"github.com/honeydew/honeydew/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/honeydew/honeydew/internal/download")

// Service serves finalized uploads.
type Service struct {
	ledger  ledger.Ledger
	backend storage.Backend
	now     func() time.Time
}

// New creates a Service reading records from l and bytes from backend.
func New(l ledger.Ledger, backend storage.Backend) *Service {
	return &Service{ledger: l, backend: backend, now: time.Now}
}

// Download is an open read of an upload. The caller must close Object.Body.
type Download struct {
	Record *ledger.UploadRecord
	Object *storage.Object
	// ContentType is the type the bytes are served as, which differs from
	// the stored media type for text.
	ContentType string
	FileName    string
}

// Lookup returns the record of a readable upload. Unknown uploads, uploads
// whose scheduled deletion has passed and uploads that are not Complete all
// yield ErrNoSuchUpload.
func (s *Service) Lookup(ctx context.Context, id string) (*ledger.UploadRecord, error) {
	rec, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading upload %s: %w", id, err)
	}
	if rec == nil || rec.DueForDeletion(s.now()) || !rec.IsComplete() {
		return nil, fmt.Errorf("upload %s: %w", id, apperr.ErrNoSuchUpload)
	}
	return rec, nil
}

// Resolve looks up id and opens it. A nil range reads the whole upload with
// no content range; otherwise the backend's resolved range is returned for a
// partial response.
func (s *Service) Resolve(ctx context.Context, id string, rng *storage.ByteRange) (*Download, error) {
	rec, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, rec, rng)
}

// Open reads a record already returned by Lookup.
func (s *Service) Open(ctx context.Context, rec *ledger.UploadRecord, rng *storage.ByteRange) (_ *Download, err error) {
	ctx, span := tracer.Start(ctx, "download.Open", trace.WithAttributes(
		attribute.String("upload.id", rec.ID),
		attribute.Bool("download.ranged", rng != nil),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	obj, err := s.backend.ReadRange(ctx, rec, rng)
	if err != nil {
		return nil, fmt.Errorf("reading upload %s: %w", rec.ID, err)
	}
	if rng == nil {
		obj.ContentRange = nil
	}
	obj.Body = &countingReadCloser{ReadCloser: obj.Body}

	return &Download{
		Record:      rec,
		Object:      obj,
		ContentType: mediatype.ServeAs(rec.MediaType),
		FileName:    rec.FileName(),
	}, nil
}

// countingReadCloser adds the bytes read to the sent-bytes counter on Close.
type countingReadCloser struct {
	io.ReadCloser
	n int64
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	metrics.BytesSentTotal.Add(float64(c.n))
	c.n = 0
	return c.ReadCloser.Close()
}
