package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/honeydew/honeydew/internal/config"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps one document per upload in a single collection.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func docIDUpload(id string) string {
	return "upload_" + id
}

func NewFirestoreStore(ctx context.Context, cfg *config.FirestoreConfig) (*FirestoreStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("firestore config is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "honeydew"
	}

	return &FirestoreStore{
		client:     client,
		collection: collection,
	}, nil
}

func (s *FirestoreStore) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *FirestoreStore) Create(ctx context.Context, rec *UploadRecord) error {
	docRef := s.collectionRef().Doc(docIDUpload(rec.ID))
	if _, err := docRef.Create(ctx, uploadToDoc(rec)); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("creating upload %q: %w", rec.ID, ErrDuplicateID)
		}
		return fmt.Errorf("creating upload %q: %w", rec.ID, err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*UploadRecord, error) {
	doc, err := s.collectionRef().Doc(docIDUpload(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting upload %q: %w", id, err)
	}
	if !doc.Exists() {
		return nil, nil
	}
	return docToUpload(doc.Data()), nil
}

func (s *FirestoreStore) Exists(ctx context.Context, id string) (bool, error) {
	doc, err := s.collectionRef().Doc(docIDUpload(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("checking upload %q: %w", id, err)
	}
	return doc.Exists(), nil
}

// Update writes only the mutable fields; Firestore rejects the update with
// NotFound when the document was deleted in the meantime.
func (s *FirestoreStore) Update(ctx context.Context, rec *UploadRecord) error {
	var pending interface{}
	if rec.PendingForDeletionAt != nil {
		pending = formatTime(*rec.PendingForDeletionAt)
	}
	blockIDs := rec.BlockIDs
	if blockIDs == nil {
		blockIDs = []string{}
	}

	_, err := s.collectionRef().Doc(docIDUpload(rec.ID)).Update(ctx, []firestore.Update{
		{Path: "name", Value: rec.Name},
		{Path: "extension", Value: rec.Extension},
		{Path: "media_type", Value: rec.MediaType},
		{Path: "code_language", Value: rec.CodeLanguage},
		{Path: "uploaded_length", Value: rec.UploadedLength},
		{Path: "status", Value: string(rec.Status)},
		{Path: "provider_upload_id", Value: rec.ProviderUploadID},
		{Path: "block_ids", Value: blockIDs},
		{Path: "block_number", Value: rec.BlockNumber},
		{Path: "pending_for_deletion_at", Value: pending},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("updating upload %q: record not found", rec.ID)
		}
		return fmt.Errorf("updating upload %q: %w", rec.ID, err)
	}
	return nil
}

func (s *FirestoreStore) Delete(ctx context.Context, id string) error {
	_, err := s.collectionRef().Doc(docIDUpload(id)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("deleting upload %q: %w", id, err)
	}
	return nil
}

// ListDueForDeletion relies on Firestore range filters skipping documents
// whose pending_for_deletion_at is null.
func (s *FirestoreStore) ListDueForDeletion(ctx context.Context, now time.Time) ([]UploadRecord, error) {
	query := s.collectionRef().
		Where("type", "==", "upload").
		Where("pending_for_deletion_at", "<=", formatTime(now))
	return s.query(ctx, query)
}

func (s *FirestoreStore) List(ctx context.Context) ([]UploadRecord, error) {
	return s.query(ctx, s.collectionRef().Where("type", "==", "upload"))
}

func (s *FirestoreStore) query(ctx context.Context, q firestore.Query) ([]UploadRecord, error) {
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("querying uploads: %w", err)
	}

	records := make([]UploadRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, *docToUpload(doc.Data()))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func uploadToDoc(rec *UploadRecord) map[string]interface{} {
	var pending interface{}
	if rec.PendingForDeletionAt != nil {
		pending = formatTime(*rec.PendingForDeletionAt)
	}
	blockIDs := rec.BlockIDs
	if blockIDs == nil {
		blockIDs = []string{}
	}
	return map[string]interface{}{
		"type":                    "upload",
		"id":                      rec.ID,
		"name":                    rec.Name,
		"extension":               rec.Extension,
		"original_file_name":      rec.OriginalFileName,
		"media_type":              rec.MediaType,
		"code_language":           rec.CodeLanguage,
		"metadata":                rec.Metadata,
		"length":                  rec.Length,
		"uploaded_length":         rec.UploadedLength,
		"status":                  string(rec.Status),
		"provider_upload_id":      rec.ProviderUploadID,
		"block_ids":               blockIDs,
		"block_number":            rec.BlockNumber,
		"owner_id":                rec.OwnerID,
		"created_by":              rec.CreatedBy,
		"created_at":              formatTime(rec.CreatedAt),
		"pending_for_deletion_at": pending,
	}
}

func docToUpload(m map[string]interface{}) *UploadRecord {
	rec := &UploadRecord{
		ID:                   getStringFromMap(m, "id"),
		Name:                 getStringFromMap(m, "name"),
		Extension:            getStringFromMap(m, "extension"),
		OriginalFileName:     getStringFromMap(m, "original_file_name"),
		MediaType:            getStringFromMap(m, "media_type"),
		CodeLanguage:         getStringFromMap(m, "code_language"),
		Metadata:             getStringFromMap(m, "metadata"),
		Length:               getInt64FromMap(m, "length"),
		UploadedLength:       getInt64FromMap(m, "uploaded_length"),
		Status:               Status(getStringFromMap(m, "status")),
		ProviderUploadID:     getStringFromMap(m, "provider_upload_id"),
		BlockNumber:          int(getInt64FromMap(m, "block_number")),
		OwnerID:              getStringFromMap(m, "owner_id"),
		CreatedBy:            getStringFromMap(m, "created_by"),
		CreatedAt:            parseTime(getStringFromMap(m, "created_at")),
		PendingForDeletionAt: parseOptionalTime(getStringFromMap(m, "pending_for_deletion_at")),
	}
	if raw, ok := m["block_ids"].([]interface{}); ok {
		for _, v := range raw {
			if id, ok := v.(string); ok {
				rec.BlockIDs = append(rec.BlockIDs, id)
			}
		}
	}
	return rec
}

func getStringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getInt64FromMap(m map[string]interface{}, key string) int64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		}
	}
	return 0
}

var _ Ledger = (*FirestoreStore)(nil)
