package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/honeydew/honeydew/internal/config"
)

// cosmosPartition is the partition key value shared by all upload items.
const cosmosPartition = "upload"

// CosmosStore keeps upload records in an Azure Cosmos DB container
// partitioned on /type.
type CosmosStore struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
}

func docIDUploadCosmos(id string) string {
	return "upload_" + id
}

func NewCosmosStore(ctx context.Context, cfg *config.CosmosConfig) (*CosmosStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cosmos config is required")
	}
	if cfg.Endpoint == "" || cfg.MasterKey == "" {
		return nil, fmt.Errorf("cosmos endpoint and master key are required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}

	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}

	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosStore{
		client:    containerClient,
		database:  cfg.Database,
		container: cfg.Container,
	}, nil
}

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

func (s *CosmosStore) Close() error {
	return nil
}

type cosmosItem struct {
	ID                   string   `json:"id"`
	Type                 string   `json:"type"`
	UploadID             string   `json:"upload_id"`
	Name                 string   `json:"name"`
	Extension            string   `json:"extension"`
	OriginalFileName     string   `json:"original_file_name"`
	MediaType            string   `json:"media_type"`
	CodeLanguage         string   `json:"code_language"`
	Metadata             string   `json:"metadata"`
	Length               int64    `json:"length"`
	UploadedLength       int64    `json:"uploaded_length"`
	Status               string   `json:"status"`
	ProviderUploadID     string   `json:"provider_upload_id"`
	BlockIDs             []string `json:"block_ids"`
	BlockNumber          int      `json:"block_number"`
	OwnerID              string   `json:"owner_id"`
	CreatedBy            string   `json:"created_by"`
	CreatedAt            string   `json:"created_at"`
	PendingForDeletionAt *string  `json:"pending_for_deletion_at"`
}

func responseStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func (s *CosmosStore) Create(ctx context.Context, rec *UploadRecord) error {
	data, err := json.Marshal(uploadToCosmos(rec))
	if err != nil {
		return fmt.Errorf("marshaling upload: %w", err)
	}
	_, err = s.client.CreateItem(ctx, azcosmos.NewPartitionKeyString(cosmosPartition), data, nil)
	if err != nil {
		if responseStatus(err) == http.StatusConflict {
			return fmt.Errorf("creating upload %q: %w", rec.ID, ErrDuplicateID)
		}
		return fmt.Errorf("creating upload %q: %w", rec.ID, err)
	}
	return nil
}

func (s *CosmosStore) Get(ctx context.Context, id string) (*UploadRecord, error) {
	resp, err := s.client.ReadItem(ctx, azcosmos.NewPartitionKeyString(cosmosPartition), docIDUploadCosmos(id), nil)
	if err != nil {
		if responseStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting upload %q: %w", id, err)
	}

	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling upload: %w", err)
	}
	return cosmosToUpload(&item), nil
}

func (s *CosmosStore) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.ReadItem(ctx, azcosmos.NewPartitionKeyString(cosmosPartition), docIDUploadCosmos(id), nil)
	if err != nil {
		if responseStatus(err) == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("checking upload %q: %w", id, err)
	}
	return true, nil
}

func (s *CosmosStore) Update(ctx context.Context, rec *UploadRecord) error {
	data, err := json.Marshal(uploadToCosmos(rec))
	if err != nil {
		return fmt.Errorf("marshaling upload: %w", err)
	}
	_, err = s.client.ReplaceItem(ctx, azcosmos.NewPartitionKeyString(cosmosPartition), docIDUploadCosmos(rec.ID), data, nil)
	if err != nil {
		if responseStatus(err) == http.StatusNotFound {
			return fmt.Errorf("updating upload %q: record not found", rec.ID)
		}
		return fmt.Errorf("updating upload %q: %w", rec.ID, err)
	}
	return nil
}

func (s *CosmosStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, azcosmos.NewPartitionKeyString(cosmosPartition), docIDUploadCosmos(id), nil)
	if err != nil && responseStatus(err) != http.StatusNotFound {
		return fmt.Errorf("deleting upload %q: %w", id, err)
	}
	return nil
}

func (s *CosmosStore) ListDueForDeletion(ctx context.Context, now time.Time) ([]UploadRecord, error) {
	return s.query(ctx,
		"SELECT * FROM c WHERE c.type = 'upload' AND IS_STRING(c.pending_for_deletion_at) AND c.pending_for_deletion_at <= @now",
		[]azcosmos.QueryParameter{{Name: "@now", Value: formatTime(now)}})
}

func (s *CosmosStore) List(ctx context.Context) ([]UploadRecord, error) {
	return s.query(ctx, "SELECT * FROM c WHERE c.type = 'upload'", nil)
}

func (s *CosmosStore) query(ctx context.Context, query string, params []azcosmos.QueryParameter) ([]UploadRecord, error) {
	pager := s.client.NewQueryItemsPager(query, azcosmos.NewPartitionKeyString(cosmosPartition), &azcosmos.QueryOptions{
		QueryParameters: params,
	})

	var records []UploadRecord
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying uploads: %w", err)
		}
		for _, raw := range resp.Items {
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, fmt.Errorf("unmarshaling upload: %w", err)
			}
			records = append(records, *cosmosToUpload(&item))
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func uploadToCosmos(rec *UploadRecord) *cosmosItem {
	item := &cosmosItem{
		ID:               docIDUploadCosmos(rec.ID),
		Type:             cosmosPartition,
		UploadID:         rec.ID,
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
		CreatedAt:        formatTime(rec.CreatedAt),
	}
	if item.BlockIDs == nil {
		item.BlockIDs = []string{}
	}
	if rec.PendingForDeletionAt != nil {
		v := formatTime(*rec.PendingForDeletionAt)
		item.PendingForDeletionAt = &v
	}
	return item
}

func cosmosToUpload(item *cosmosItem) *UploadRecord {
	rec := &UploadRecord{
		ID:               item.UploadID,
		Name:             item.Name,
		Extension:        item.Extension,
		OriginalFileName: item.OriginalFileName,
		MediaType:        item.MediaType,
		CodeLanguage:     item.CodeLanguage,
		Metadata:         item.Metadata,
		Length:           item.Length,
		UploadedLength:   item.UploadedLength,
		Status:           Status(item.Status),
		ProviderUploadID: item.ProviderUploadID,
		BlockIDs:         item.BlockIDs,
		BlockNumber:      item.BlockNumber,
		OwnerID:          item.OwnerID,
		CreatedBy:        item.CreatedBy,
		CreatedAt:        parseTime(item.CreatedAt),
	}
	if len(rec.BlockIDs) == 0 {
		rec.BlockIDs = nil
	}
	if item.PendingForDeletionAt != nil {
		rec.PendingForDeletionAt = parseOptionalTime(*item.PendingForDeletionAt)
	}
	return rec
}

var _ Ledger = (*CosmosStore)(nil)
