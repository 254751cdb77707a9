package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/noah-isme/sma-query-api/internal/models"
	"github.com/noah-isme/sma-query-api/pkg/config"
)

type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// QueryDynamoRepository stores each query as one item keyed by id. The whole record is kept in the
// "payload" attribute; "version" guards conditional writes.
type QueryDynamoRepository struct {
	client dynamoAPI
	table  string
}

const (
	dynamoTableWaitInterval = 2 * time.Second
	dynamoTableWaitRetries  = 30
)

// NewDynamoClient builds a DynamoDB client, pointing at a local endpoint with dummy credentials when
// one is configured.
func NewDynamoClient(ctx context.Context, cfg config.DynamoConfig) (*dynamodb.Client, error) {
	if cfg.Endpoint != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "dummy")),
		)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

// NewQueryDynamoRepository constructs the repository on top of an existing client.
func NewQueryDynamoRepository(client dynamoAPI, table string) *QueryDynamoRepository {
	return &QueryDynamoRepository{client: client, table: table}
}

// EnsureQueryTable creates the table when missing and waits for it to become active. Meant for local setups.
func EnsureQueryTable(ctx context.Context, client *dynamodb.Client, table string) error {
	if _, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}); err == nil {
		return nil
	}
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	for i := 0; i < dynamoTableWaitRetries; i++ {
		out, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
		if err != nil {
			return fmt.Errorf("describe table %s: %w", table, err)
		}
		if out.Table.TableStatus == types.TableStatusActive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dynamoTableWaitInterval):
		}
	}
	return fmt.Errorf("table %s creation timed out", table)
}

// Create inserts the query unless the id already exists.
func (r *QueryDynamoRepository) Create(ctx context.Context, query *models.Query) error {
	if query.ID == "" {
		query.ID = uuid.NewString()
	}
	if query.Version == 0 {
		query.Version = 1
	}
	if query.CreatedAt.IsZero() {
		query.CreatedAt = time.Now().UTC()
	}
	if query.UpdatedAt.IsZero() {
		query.UpdatedAt = query.CreatedAt
	}
	item, err := encodeQueryItem(query)
	if err != nil {
		return fmt.Errorf("create query: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return fmt.Errorf("create query: %w", err)
	}
	return nil
}

// GetByID loads one query with a strongly consistent read.
func (r *QueryDynamoRepository) GetByID(ctx context.Context, id string) (*models.Query, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get query: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, sql.ErrNoRows
	}
	q, err := decodeQueryItem(out.Item)
	if err != nil {
		return nil, fmt.Errorf("get query: %w", err)
	}
	return q, nil
}

// CompareAndSwap writes the record conditioned on the stored version.
func (r *QueryDynamoRepository) CompareAndSwap(ctx context.Context, query *models.Query, expectedVersion int64) error {
	next := query.Clone()
	next.Version = expectedVersion + 1
	item, err := encodeQueryItem(next)
	if err != nil {
		return fmt.Errorf("update query: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(id) AND version = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrVersionConflict
		}
		return fmt.Errorf("update query: %w", err)
	}
	query.Version = next.Version
	return nil
}

// Delete removes the item; missing ids report sql.ErrNoRows.
func (r *QueryDynamoRepository) Delete(ctx context.Context, id string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(r.table),
		Key:                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("delete query: %w", err)
	}
	return nil
}

// List scans the table and applies scope, filters and ordering in process.
func (r *QueryDynamoRepository) List(ctx context.Context, filter models.QueryFilter) ([]models.Query, int, error) {
	filter.Normalize()
	matched := make([]models.Query, 0)
	err := r.scan(ctx, func(q *models.Query) {
		if filter.Scope.Matches(q) && filter.MatchesAttributes(q) {
			matched = append(matched, *q)
		}
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list queries: %w", err)
	}
	return paginate(matched, filter), len(matched), nil
}

// Statistics aggregates the scoped items in one scan pass.
func (r *QueryDynamoRepository) Statistics(ctx context.Context, scope models.QueryScope) (models.QueryStatistics, error) {
	stats := models.NewQueryStatistics()
	seen := make(map[string]struct{})
	err := r.scan(ctx, func(q *models.Query) {
		if _, dup := seen[q.ID]; dup {
			return
		}
		seen[q.ID] = struct{}{}
		if scope.Matches(q) {
			stats.Add(q)
		}
	})
	if err != nil {
		return models.QueryStatistics{}, fmt.Errorf("query statistics: %w", err)
	}
	return stats, nil
}

// Ping issues a cheap read against the table.
func (r *QueryDynamoRepository) Ping(ctx context.Context) error {
	_, err := r.client.Scan(ctx, &dynamodb.ScanInput{TableName: aws.String(r.table), Limit: aws.Int32(1)})
	return err
}

func (r *QueryDynamoRepository) scan(ctx context.Context, visit func(*models.Query)) error {
	var startKey map[string]types.AttributeValue
	for {
		out, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(r.table),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return err
		}
		for _, item := range out.Items {
			q, err := decodeQueryItem(item)
			if err != nil {
				return err
			}
			visit(q)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func encodeQueryItem(q *models.Query) (map[string]types.AttributeValue, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	return map[string]types.AttributeValue{
		"id":           &types.AttributeValueMemberS{Value: q.ID},
		"version":      &types.AttributeValueMemberN{Value: strconv.FormatInt(q.Version, 10)},
		"from_user_id": &types.AttributeValueMemberS{Value: q.FromUserID},
		"assigned_to":  &types.AttributeValueMemberS{Value: q.AssignedTo},
		"status":       &types.AttributeValueMemberS{Value: string(q.Status)},
		"created_at":   &types.AttributeValueMemberS{Value: q.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"payload":      &types.AttributeValueMemberS{Value: string(payload)},
	}, nil
}

func decodeQueryItem(item map[string]types.AttributeValue) (*models.Query, error) {
	raw, ok := item["payload"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("decode query: missing payload")
	}
	var q models.Query
	if err := json.Unmarshal([]byte(raw.Value), &q); err != nil {
		return nil, fmt.Errorf("decode query: %w", err)
	}
	if v, ok := item["version"].(*types.AttributeValueMemberN); ok {
		version, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode query version: %w", err)
		}
		q.Version = version
	}
	return &q, nil
}
