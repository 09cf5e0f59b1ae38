// Package storage defines the interface and implementations for Honeydew's
// upload data storage layer.
package storage

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	apperr "github.com/honeydew/honeydew/internal/errors"
	"github.com/honeydew/honeydew/internal/ledger"
)

// Backend stores the bytes of uploads. Uploads arrive as an ordered series
// of blocks and become readable once finalized. Implementations never write
// the ledger: AppendBlock reports what it wrote and the caller persists it.
// All methods must be safe for concurrent use across different uploads.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// BlockSize is the preferred size of each AppendBlock payload.
	BlockSize() int

	// RequiresFullBlocks reports whether every block except the last one
	// must be exactly BlockSize bytes.
	RequiresFullBlocks() bool

	// AppendBlock durably stores data as the next block of rec. rec reflects
	// the ledger state before this block: UploadedLength is the byte offset
	// of data and BlockNumber its zero-based index. data is only valid for
	// the duration of the call.
	AppendBlock(ctx context.Context, rec *ledger.UploadRecord, data []byte) (BlockResult, error)

	// Finalize commits all appended blocks, in order, into the readable
	// object at rec.Key(). Calling it again after success is not an error.
	Finalize(ctx context.Context, rec *ledger.UploadRecord) error

	// Delete removes the stored object and any staged blocks. Deleting
	// something that does not exist is not an error.
	Delete(ctx context.Context, rec *ledger.UploadRecord) error

	// ReadRange opens the finalized object. A nil range reads the whole
	// object. The caller must close Object.Body.
	ReadRange(ctx context.Context, rec *ledger.UploadRecord, rng *ByteRange) (*Object, error)

	// HealthCheck verifies that the backend is operational.
	HealthCheck(ctx context.Context) error
}

// BlockResult is what a backend reports after storing one block.
type BlockResult struct {
	// BlockID identifies the block for Finalize. Empty when the backend
	// does not need block identifiers.
	BlockID string
	// ProviderUploadID is set when the backend opened a provider-side
	// upload session that later blocks must continue.
	ProviderUploadID string
}

// ByteRange is an inclusive, zero-indexed byte range. A nil From means 0 and
// a nil To means the last byte.
type ByteRange struct {
	From *int64
	To   *int64
}

// NewByteRange builds a ByteRange from explicit bounds; a negative value
// leaves that bound open.
func NewByteRange(from, to int64) *ByteRange {
	r := &ByteRange{}
	if from >= 0 {
		r.From = &from
	}
	if to >= 0 {
		r.To = &to
	}
	return r
}

// ContentRange describes the bytes actually served from an object.
type ContentRange struct {
	Start int64
	End   int64
	Size  int64
}

// String renders the range as an HTTP Content-Range value.
func (c ContentRange) String() string {
	return fmt.Sprintf("bytes %d-%d/%d", c.Start, c.End, c.Size)
}

// ParseContentRange parses a "bytes start-end/size" header value.
func ParseContentRange(s string) (*ContentRange, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "bytes ")
	if !ok {
		return nil, fmt.Errorf("invalid content range %q", s)
	}
	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("invalid content range %q", s)
	}
	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok {
		return nil, fmt.Errorf("invalid content range %q", s)
	}
	start, err1 := strconv.ParseInt(startStr, 10, 64)
	end, err2 := strconv.ParseInt(endStr, 10, 64)
	total, err3 := strconv.ParseInt(size, 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || start > end {
		return nil, fmt.Errorf("invalid content range %q", s)
	}
	return &ContentRange{Start: start, End: end, Size: total}, nil
}

// Object is an open read of a stored upload.
type Object struct {
	Body io.ReadCloser
	// Length is the number of bytes Body yields.
	Length int64
	// ContentRange is set when a range was requested.
	ContentRange *ContentRange
}

// resolveRange turns rng into an offset and byte count within an object of
// size bytes. maxBytes > 0 limits the count, so an open-ended or oversized
// range is shortened rather than rejected.
func resolveRange(rng *ByteRange, size, maxBytes int64) (offset, count int64, err error) {
	if rng == nil {
		return 0, size, nil
	}

	start := int64(0)
	if rng.From != nil {
		start = *rng.From
	}
	end := size - 1
	if rng.To != nil && *rng.To < end {
		end = *rng.To
	}
	if start < 0 || start >= size || start > end {
		return 0, 0, fmt.Errorf("range %d-%d of %d bytes: %w", start, end, size, apperr.ErrInvalidRange)
	}

	count = end - start + 1
	if maxBytes > 0 && count > maxBytes {
		count = maxBytes
	}
	return start, count, nil
}

// limitedReadCloser limits reads from an underlying ReadCloser.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}

func newLimitedReadCloser(rc io.ReadCloser, n int64) io.ReadCloser {
	return &limitedReadCloser{Reader: io.LimitReader(rc, n), Closer: rc}
}
