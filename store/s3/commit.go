package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/bkd/store"
)

// ErrConcurrentModification is returned when another writer committed a new
// version first.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// IndexRef identifies one committed tree: the files holding its regions and
// the offset where the metadata region starts.
type IndexRef struct {
	MetaFile  string `json:"meta_file"`
	MetaFP    int64  `json:"meta_fp"`
	IndexFile string `json:"index_file"`
	DataFile  string `json:"data_file"`
}

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// CommitStore publishes the current tree with DynamoDB conditional writes,
// giving S3 hosted indexes the atomic pointer swap S3 itself lacks.
// Concurrent writers race on the next version number; exactly one wins.
//
// Table schema:
//   - Partition key: base_uri (string), the index location
//   - Sort key: version (number), monotonically increasing
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name bkd-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type CommitStore struct {
	client    DDBClient
	tableName string
	baseURI   string
}

// NewCommitStore creates a commit store keyed by baseURI, typically the
// "s3://bucket/prefix" the directory writes to.
func NewCommitStore(client DDBClient, tableName, baseURI string) *CommitStore {
	return &CommitStore{
		client:    client,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Commit publishes ref as the next version. It fails with
// ErrConcurrentModification when another writer got there first.
func (c *CommitStore) Commit(ctx context.Context, ref IndexRef) (uint64, error) {
	current, _, err := c.latest(ctx)
	if err != nil {
		return 0, err
	}
	next := current + 1

	payload, err := json.Marshal(ref)
	if err != nil {
		return 0, err
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]ddbtypes.AttributeValue{
			"base_uri":  &ddbtypes.AttributeValueMemberS{Value: c.baseURI},
			"version":   &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", next)},
			"index_ref": &ddbtypes.AttributeValueMemberS{Value: string(payload)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return 0, ErrConcurrentModification
		}
		return 0, fmt.Errorf("failed to commit version: %w", err)
	}
	return next, nil
}

// Current returns the latest committed reference and its version.
func (c *CommitStore) Current(ctx context.Context) (IndexRef, uint64, error) {
	version, payload, err := c.latest(ctx)
	if err != nil {
		return IndexRef{}, 0, err
	}
	if version == 0 {
		return IndexRef{}, 0, store.ErrNotFound
	}
	var ref IndexRef
	if err := json.Unmarshal([]byte(payload), &ref); err != nil {
		return IndexRef{}, 0, fmt.Errorf("failed to decode index_ref: %w", err)
	}
	return ref, version, nil
}

// Prune deletes all committed versions older than keep.
func (c *CommitStore) Prune(ctx context.Context, keep uint64) error {
	resp, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri AND version < :keep"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":uri":  &ddbtypes.AttributeValueMemberS{Value: c.baseURI},
			":keep": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", keep)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to query versions: %w", err)
	}
	for _, item := range resp.Items {
		versionAttr, ok := item["version"].(*ddbtypes.AttributeValueMemberN)
		if !ok {
			continue
		}
		_, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(c.tableName),
			Key: map[string]ddbtypes.AttributeValue{
				"base_uri": &ddbtypes.AttributeValueMemberS{Value: c.baseURI},
				"version":  &ddbtypes.AttributeValueMemberN{Value: versionAttr.Value},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete version %s: %w", versionAttr.Value, err)
		}
	}
	return nil
}

// latest returns the newest version and its payload, or (0, "") when no
// commit exists yet.
func (c *CommitStore) latest(ctx context.Context) (uint64, string, error) {
	resp, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":uri": &ddbtypes.AttributeValueMemberS{Value: c.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to query latest version: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("invalid version attribute")
	}
	refAttr, ok := item["index_ref"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("invalid index_ref attribute")
	}

	var version uint64
	if _, err := fmt.Sscanf(versionAttr.Value, "%d", &version); err != nil {
		return 0, "", fmt.Errorf("failed to parse version: %w", err)
	}
	return version, refAttr.Value, nil
}
