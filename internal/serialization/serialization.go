// Package serialization handles ledger export/import as JSON, so records can
// move between ledger engines or be backed up.
package serialization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/honeydew/honeydew/internal/ledger"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// Envelope heads every export document.
type Envelope struct {
	Version    int    `json:"version"`
	ExportedAt string `json:"exported_at"`
	Source     string `json:"source"`
}

// Upload is the exported form of one ledger record.
type Upload struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Extension            string   `json:"extension"`
	OriginalFileName     string   `json:"original_file_name"`
	MediaType            string   `json:"media_type"`
	CodeLanguage         string   `json:"code_language"`
	Metadata             string   `json:"metadata"`
	Length               int64    `json:"length"`
	UploadedLength       int64    `json:"uploaded_length"`
	Status               string   `json:"status"`
	ProviderUploadID     string   `json:"provider_upload_id,omitempty"`
	BlockIDs             []string `json:"block_ids,omitempty"`
	BlockNumber          int      `json:"block_number"`
	OwnerID              string   `json:"owner_id"`
	CreatedBy            string   `json:"created_by"`
	CreatedAt            string   `json:"created_at"`
	PendingForDeletionAt *string  `json:"pending_for_deletion_at"`
}

// Document is a complete export.
type Document struct {
	Export  *Envelope `json:"honeydew_export"`
	Uploads []Upload  `json:"uploads"`
}

// ExportOptions configures what to export.
type ExportOptions struct {
	// CompleteOnly leaves out uploads that are still in progress.
	CompleteOnly bool
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace overwrites records whose ID already exists instead of
	// skipping them.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Imported int
	Replaced int
	Skipped  int
	Warnings []string
}

// Export writes every ledger record to w as an indented JSON document and
// returns the number of records written.
func Export(ctx context.Context, l ledger.Ledger, w io.Writer, opts *ExportOptions) (int, error) {
	if opts == nil {
		opts = &ExportOptions{}
	}

	records, err := l.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing uploads: %w", err)
	}

	doc := Document{
		Export: &Envelope{
			Version:    ExportVersion,
			ExportedAt: time.Now().UTC().Format(timeFormat),
			Source:     "go/" + Version,
		},
		Uploads: make([]Upload, 0, len(records)),
	}
	for i := range records {
		if opts.CompleteOnly && !records[i].IsComplete() {
			continue
		}
		doc.Uploads = append(doc.Uploads, fromRecord(&records[i]))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return 0, fmt.Errorf("encoding export: %w", err)
	}
	return len(doc.Uploads), nil
}

// Import reads a document produced by Export and creates its records in l.
// Invalid rows are skipped with a warning rather than failing the import.
func Import(ctx context.Context, l ledger.Ledger, r io.Reader, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if doc.Export == nil || doc.Export.Version < 1 || doc.Export.Version > ExportVersion {
		v := 0
		if doc.Export != nil {
			v = doc.Export.Version
		}
		return nil, fmt.Errorf("unsupported export version: %d", v)
	}

	result := &ImportResult{}
	for _, u := range doc.Uploads {
		rec, err := u.toRecord()
		if err != nil {
			result.Skipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped upload %q: %v", u.ID, err))
			continue
		}

		err = l.Create(ctx, rec)
		switch {
		case err == nil:
			result.Imported++
		case errors.Is(err, ledger.ErrDuplicateID) && opts.Replace:
			if err := l.Delete(ctx, rec.ID); err != nil {
				return result, fmt.Errorf("replacing upload %s: %w", rec.ID, err)
			}
			if err := l.Create(ctx, rec); err != nil {
				return result, fmt.Errorf("replacing upload %s: %w", rec.ID, err)
			}
			result.Replaced++
		case errors.Is(err, ledger.ErrDuplicateID):
			result.Skipped++
		default:
			return result, fmt.Errorf("importing upload %s: %w", rec.ID, err)
		}
	}
	return result, nil
}

func fromRecord(rec *ledger.UploadRecord) Upload {
	u := Upload{
		ID:               rec.ID,
		Name:             rec.Name,
		Extension:        rec.Extension,
		OriginalFileName: rec.OriginalFileName,
		MediaType:        rec.MediaType,
		CodeLanguage:     rec.CodeLanguage,
		Metadata:         rec.Metadata,
		Length:           rec.Length,
		UploadedLength:   rec.UploadedLength,
		Status:           string(rec.Status),
		ProviderUploadID: rec.ProviderUploadID,
		BlockIDs:         rec.BlockIDs,
		BlockNumber:      rec.BlockNumber,
		OwnerID:          rec.OwnerID,
		CreatedBy:        rec.CreatedBy,
		CreatedAt:        rec.CreatedAt.UTC().Format(timeFormat),
	}
	if rec.PendingForDeletionAt != nil {
		s := rec.PendingForDeletionAt.UTC().Format(timeFormat)
		u.PendingForDeletionAt = &s
	}
	return u
}

func (u Upload) toRecord() (*ledger.UploadRecord, error) {
	if u.ID == "" {
		return nil, errors.New("missing id")
	}
	if u.Length < 0 || u.UploadedLength < 0 || u.UploadedLength > u.Length {
		return nil, fmt.Errorf("uploaded_length %d out of range for length %d", u.UploadedLength, u.Length)
	}
	status := ledger.Status(u.Status)
	switch status {
	case ledger.StatusPending:
	case ledger.StatusComplete:
		if u.UploadedLength != u.Length {
			return nil, errors.New("complete upload is missing bytes")
		}
	default:
		return nil, fmt.Errorf("unknown status %q", u.Status)
	}

	created, err := time.Parse(timeFormat, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	rec := &ledger.UploadRecord{
		ID:               u.ID,
		Name:             u.Name,
		Extension:        u.Extension,
		OriginalFileName: u.OriginalFileName,
		MediaType:        u.MediaType,
		CodeLanguage:     u.CodeLanguage,
		Metadata:         u.Metadata,
		Length:           u.Length,
		UploadedLength:   u.UploadedLength,
		Status:           status,
		ProviderUploadID: u.ProviderUploadID,
		BlockIDs:         u.BlockIDs,
		BlockNumber:      u.BlockNumber,
		OwnerID:          u.OwnerID,
		CreatedBy:        u.CreatedBy,
		CreatedAt:        created,
	}
	if u.PendingForDeletionAt != nil {
		at, err := time.Parse(timeFormat, *u.PendingForDeletionAt)
		if err != nil {
			return nil, fmt.Errorf("pending_for_deletion_at: %w", err)
		}
		rec.PendingForDeletionAt = &at
	}
	return rec, nil
}
