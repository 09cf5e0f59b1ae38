// Package ledger defines the durable upload ledger: one record per upload,
// tracking identity, declared size, committed progress and status. The ledger
// is the single source of truth for how many bytes of an upload have been
// durably committed to the storage backend.
package ledger

import (
	"context"
	"errors"
	"io"
	"time"
)

// timeFormat is the ISO 8601 format used for all timestamps persisted as text.
const timeFormat = "2006-01-02T15:04:05.000Z"

// ErrDuplicateID is returned by Create when a record with the same ID exists.
var ErrDuplicateID = errors.New("upload id already exists")

// Status is the lifecycle state of an upload.
type Status string

const (
	// StatusPending is both the initial state and the resumable state an
	// upload is left in after a cancelled or failed append.
	StatusPending Status = "Pending"
	// StatusComplete is set once, after the backend finalize step succeeded.
	StatusComplete Status = "Complete"
)

// UploadRecord represents one logical file being uploaded or already stored.
type UploadRecord struct {
	ID               string
	Name             string
	Extension        string // includes the leading dot, may be empty
	OriginalFileName string
	MediaType        string
	CodeLanguage     string
	// Metadata is the raw metadata string supplied at creation.
	Metadata string

	// Length is the declared total size, fixed at creation.
	Length int64
	// UploadedLength is the number of bytes durably committed so far.
	UploadedLength int64
	Status         Status

	// ProviderUploadID is the backend continuation token (for example the
	// S3 multipart upload ID). It is present only while the upload is Pending.
	ProviderUploadID string
	// BlockIDs are the provider block identifiers in commit order.
	BlockIDs []string
	// BlockNumber counts the blocks written so far.
	BlockNumber int

	OwnerID   string
	CreatedBy string
	CreatedAt time.Time
	// PendingForDeletionAt, when set and in the past, makes the record
	// logically deleted.
	PendingForDeletionAt *time.Time
}

// Key returns the object key of the upload in its storage backend.
func (r *UploadRecord) Key() string {
	return r.ID + r.Extension
}

// FileName returns the name the upload is served under.
func (r *UploadRecord) FileName() string {
	return r.Name + r.Extension
}

// IsComplete reports whether the upload has been finalized.
func (r *UploadRecord) IsComplete() bool {
	return r.Status == StatusComplete
}

// DueForDeletion reports whether the record's scheduled deletion time is at
// or before now.
func (r *UploadRecord) DueForDeletion(now time.Time) bool {
	return r.PendingForDeletionAt != nil && !r.PendingForDeletionAt.After(now)
}

// Clone returns a deep copy of the record.
func (r *UploadRecord) Clone() *UploadRecord {
	cp := *r
	if r.BlockIDs != nil {
		cp.BlockIDs = append([]string(nil), r.BlockIDs...)
	}
	if r.PendingForDeletionAt != nil {
		t := *r.PendingForDeletionAt
		cp.PendingForDeletionAt = &t
	}
	return &cp
}

// Ledger defines the persistence operations for upload records.
// Implementations must be safe for concurrent use. Get returns (nil, nil)
// when the record does not exist.
type Ledger interface {
	io.Closer

	// Ping checks connectivity to the underlying store.
	Ping(ctx context.Context) error

	// Create stores a new record. Returns ErrDuplicateID if the ID is taken.
	Create(ctx context.Context, rec *UploadRecord) error

	// Get retrieves a record by ID.
	Get(ctx context.Context, id string) (*UploadRecord, error)

	// Exists reports whether a record with the given ID exists.
	Exists(ctx context.Context, id string) (bool, error)

	// Update replaces the mutable fields of an existing record.
	Update(ctx context.Context, rec *UploadRecord) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// ListDueForDeletion returns records whose scheduled deletion time is at
	// or before now.
	ListDueForDeletion(ctx context.Context, now time.Time) ([]UploadRecord, error)

	// List returns every record ordered by ID.
	List(ctx context.Context) ([]UploadRecord, error)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseOptionalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return nil
	}
	return &t
}
