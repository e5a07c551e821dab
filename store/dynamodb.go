package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const DefaultTableName = "pgraftctl-clusters"

const runRecordRangeKey = "bootstrap/run"

// DynamoDBAPI is the subset of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

type DynamoDBStore struct {
	client      DynamoDBAPI
	tableName   string
	clusterName string
	logger      log.Logger
}

func NewDynamoDBStore(client DynamoDBAPI, tableName, clusterName string, logger log.Logger) *DynamoDBStore {
	if tableName == "" {
		tableName = DefaultTableName
	}
	return &DynamoDBStore{
		client:      client,
		tableName:   tableName,
		clusterName: clusterName,
		logger:      log.With(logger, "component", "dynamodb-store"),
	}
}

// OpenDynamoDB loads the default AWS configuration, optionally pointed at a
// custom endpoint such as DynamoDB Local, and makes sure the table exists.
func OpenDynamoDB(ctx context.Context, clusterName string, opts Options, logger log.Logger) (*DynamoDBStore, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if len(opts.Endpoints) > 0 {
			o.BaseEndpoint = aws.String(opts.Endpoints[0])
		}
	})

	s := NewDynamoDBStore(client, opts.Table, clusterName, logger)
	if err := s.InitTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *DynamoDBStore) InitTable(ctx context.Context) error {
	_, err := d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.tableName),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("cluster_name"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("key"),
				KeyType:       types.KeyTypeRange,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("cluster_name"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("key"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var resourceInUse *types.ResourceInUseException
		if errors.As(err, &resourceInUse) {
			level.Debug(d.logger).Log("msg", "table already exists, skipping creation", "table", d.tableName)
			return nil
		}
		return fmt.Errorf("failed to create DynamoDB table: %w", err)
	}

	return nil
}

func (d *DynamoDBStore) itemKey() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"cluster_name": &types.AttributeValueMemberS{Value: d.clusterName},
		"key":          &types.AttributeValueMemberS{Value: runRecordRangeKey},
	}
}

func (d *DynamoDBStore) WriteRunRecord(ctx context.Context, prevUuid string, rec RunRecord) error {
	value, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}
	for k, v := range d.itemKey() {
		value[k] = v
	}

	putItemInput := dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      value,
	}
	if prevUuid != "" {
		putItemInput.ConditionExpression = aws.String("record_uuid = :prev_uuid")
		putItemInput.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev_uuid": &types.AttributeValueMemberS{Value: prevUuid},
		}
	} else {
		putItemInput.ConditionExpression = aws.String("attribute_not_exists(record_uuid)")
	}

	if _, err := d.client.PutItem(ctx, &putItemInput); err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			level.Debug(d.logger).Log("msg", "run record write condition failed", "prev_uuid", prevUuid)
			return ErrRecordConflict
		}
		return fmt.Errorf("failed to write run record: %w", err)
	}

	return nil
}

func (d *DynamoDBStore) FetchRunRecord(ctx context.Context) (*RunRecord, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.itemKey(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get run record from DynamoDB: %w", err)
	}
	if len(resp.Item) == 0 {
		return nil, nil
	}

	var rec RunRecord
	if err := attributevalue.UnmarshalMap(resp.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run record: %w", err)
	}
	return &rec, nil
}

func (d *DynamoDBStore) Close() error {
	return nil
}
