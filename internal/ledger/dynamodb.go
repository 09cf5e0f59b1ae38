package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/honeydew/honeydew/internal/config"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStore.
type DynamoDBAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBStore keeps upload records in a single DynamoDB table keyed by
// pk = "UPLOAD#{id}", sk = "#METADATA".
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
}

func NewDynamoDBStore(ctx context.Context, cfg *config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

// NewDynamoDBStoreWithClient creates a DynamoDBStore with an injected client.
// This is used for testing with a mock DynamoDB client.
func NewDynamoDBStoreWithClient(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBStore) Close() error {
	return nil
}

func pkUpload(id string) string {
	return "UPLOAD#" + id
}

func skMetadata() string {
	return "#METADATA"
}

func (s *DynamoDBStore) itemKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pkUpload(id)},
		"sk": &types.AttributeValueMemberS{Value: skMetadata()},
	}
}

func (s *DynamoDBStore) Create(ctx context.Context, rec *UploadRecord) error {
	item, err := uploadToItem(rec)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if strings.Contains(err.Error(), "ConditionalCheckFailedException") {
			return fmt.Errorf("creating upload %q: %w", rec.ID, ErrDuplicateID)
		}
		return fmt.Errorf("creating upload %q: %w", rec.ID, err)
	}
	return nil
}

func (s *DynamoDBStore) Get(ctx context.Context, id string) (*UploadRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.itemKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting upload %q: %w", id, err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return itemToUpload(resp.Item)
}

func (s *DynamoDBStore) Exists(ctx context.Context, id string) (bool, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.tableName),
		Key:                  s.itemKey(id),
		ProjectionExpression: aws.String("pk"),
	})
	if err != nil {
		return false, fmt.Errorf("checking upload %q: %w", id, err)
	}
	return resp.Item != nil, nil
}

// Update replaces the stored item. The condition keeps a concurrent Delete
// from being undone by a late progress write.
func (s *DynamoDBStore) Update(ctx context.Context, rec *UploadRecord) error {
	item, err := uploadToItem(rec)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if strings.Contains(err.Error(), "ConditionalCheckFailedException") {
			return fmt.Errorf("updating upload %q: record not found", rec.ID)
		}
		return fmt.Errorf("updating upload %q: %w", rec.ID, err)
	}
	return nil
}

func (s *DynamoDBStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.itemKey(id),
	})
	if err != nil {
		return fmt.Errorf("deleting upload %q: %w", id, err)
	}
	return nil
}

func (s *DynamoDBStore) ListDueForDeletion(ctx context.Context, now time.Time) ([]UploadRecord, error) {
	return s.scan(ctx,
		"begins_with(pk, :prefix) AND sk = :meta AND attribute_exists(pending_for_deletion_at) AND pending_for_deletion_at <= :now",
		map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: "UPLOAD#"},
			":meta":   &types.AttributeValueMemberS{Value: skMetadata()},
			":now":    &types.AttributeValueMemberS{Value: formatTime(now)},
		})
}

func (s *DynamoDBStore) List(ctx context.Context) ([]UploadRecord, error) {
	return s.scan(ctx,
		"begins_with(pk, :prefix) AND sk = :meta",
		map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: "UPLOAD#"},
			":meta":   &types.AttributeValueMemberS{Value: skMetadata()},
		})
}

func (s *DynamoDBStore) scan(ctx context.Context, filter string, values map[string]types.AttributeValue) ([]UploadRecord, error) {
	var records []UploadRecord

	var exclusiveStartKey map[string]types.AttributeValue
	for {
		input := &dynamodb.ScanInput{
			TableName:                 aws.String(s.tableName),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeValues: values,
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scanning uploads: %w", err)
		}

		for _, item := range resp.Items {
			rec, err := itemToUpload(item)
			if err != nil {
				return nil, err
			}
			records = append(records, *rec)
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func uploadToItem(rec *UploadRecord) (map[string]types.AttributeValue, error) {
	blockIDs, err := marshalBlockIDs(rec.BlockIDs)
	if err != nil {
		return nil, err
	}
	item := map[string]types.AttributeValue{
		"pk":                 &types.AttributeValueMemberS{Value: pkUpload(rec.ID)},
		"sk":                 &types.AttributeValueMemberS{Value: skMetadata()},
		"type":               &types.AttributeValueMemberS{Value: "upload"},
		"id":                 &types.AttributeValueMemberS{Value: rec.ID},
		"name":               &types.AttributeValueMemberS{Value: rec.Name},
		"extension":          &types.AttributeValueMemberS{Value: rec.Extension},
		"original_file_name": &types.AttributeValueMemberS{Value: rec.OriginalFileName},
		"media_type":         &types.AttributeValueMemberS{Value: rec.MediaType},
		"code_language":      &types.AttributeValueMemberS{Value: rec.CodeLanguage},
		"metadata":           &types.AttributeValueMemberS{Value: rec.Metadata},
		"length":             &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Length, 10)},
		"uploaded_length":    &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.UploadedLength, 10)},
		"status":             &types.AttributeValueMemberS{Value: string(rec.Status)},
		"provider_upload_id": &types.AttributeValueMemberS{Value: rec.ProviderUploadID},
		"block_ids":          &types.AttributeValueMemberS{Value: blockIDs},
		"block_number":       &types.AttributeValueMemberN{Value: strconv.Itoa(rec.BlockNumber)},
		"owner_id":           &types.AttributeValueMemberS{Value: rec.OwnerID},
		"created_by":         &types.AttributeValueMemberS{Value: rec.CreatedBy},
		"created_at":         &types.AttributeValueMemberS{Value: formatTime(rec.CreatedAt)},
	}
	if rec.PendingForDeletionAt != nil {
		item["pending_for_deletion_at"] = &types.AttributeValueMemberS{Value: formatTime(*rec.PendingForDeletionAt)}
	}
	return item, nil
}

func itemToUpload(item map[string]types.AttributeValue) (*UploadRecord, error) {
	rec := &UploadRecord{
		ID:                   getString(item, "id"),
		Name:                 getString(item, "name"),
		Extension:            getString(item, "extension"),
		OriginalFileName:     getString(item, "original_file_name"),
		MediaType:            getString(item, "media_type"),
		CodeLanguage:         getString(item, "code_language"),
		Metadata:             getString(item, "metadata"),
		Length:               getNInt(item, "length"),
		UploadedLength:       getNInt(item, "uploaded_length"),
		Status:               Status(getString(item, "status")),
		ProviderUploadID:     getString(item, "provider_upload_id"),
		BlockNumber:          int(getNInt(item, "block_number")),
		OwnerID:              getString(item, "owner_id"),
		CreatedBy:            getString(item, "created_by"),
		CreatedAt:            parseTime(getString(item, "created_at")),
		PendingForDeletionAt: parseOptionalTime(getString(item, "pending_for_deletion_at")),
	}
	if raw := getString(item, "block_ids"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.BlockIDs); err != nil {
			return nil, fmt.Errorf("decoding block ids of %q: %w", rec.ID, err)
		}
		if len(rec.BlockIDs) == 0 {
			rec.BlockIDs = nil
		}
	}
	return rec, nil
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key]; ok {
		if sv, ok := v.(*types.AttributeValueMemberS); ok {
			return sv.Value
		}
	}
	return ""
}

func getNInt(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key]; ok {
		if nv, ok := v.(*types.AttributeValueMemberN); ok {
			n, _ := strconv.ParseInt(nv.Value, 10, 64)
			return n
		}
	}
	return 0
}

var _ Ledger = (*DynamoDBStore)(nil)
