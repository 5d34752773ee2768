package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/tcmartin/stepflow/pkg/models"
)

// DynamoDBArtifactStore keeps artifacts in a DynamoDB table keyed by session id
type DynamoDBArtifactStore struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
}

// DynamoDBStoreConfig contains configuration for the DynamoDB store
type DynamoDBStoreConfig struct {
	Region      string
	AccessKey   string
	SecretKey   string
	TablePrefix string
	Endpoint    string // Optional, for local DynamoDB
}

// dynamoArtifact is the item layout. The artifact itself is kept as JSON so
// arbitrary outputs round-trip unchanged.
type dynamoArtifact struct {
	SessionID string `dynamodbav:"session_id"`
	FlowID    string `dynamodbav:"flow_id"`
	CreatedAt string `dynamodbav:"created_at"`
	Payload   string `dynamodbav:"payload"`
}

// NewDynamoDBArtifactStore creates a store using an AWS session
func NewDynamoDBArtifactStore(cfg DynamoDBStoreConfig) (*DynamoDBArtifactStore, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return NewDynamoDBArtifactStoreWithClient(dynamodb.New(sess), cfg.TablePrefix), nil
}

// NewDynamoDBArtifactStoreWithClient creates a store with a custom client
func NewDynamoDBArtifactStoreWithClient(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBArtifactStore {
	return &DynamoDBArtifactStore{client: client, tableName: tablePrefix + "artifacts"}
}

// TableName returns the table the store writes to
func (s *DynamoDBArtifactStore) TableName() string {
	return s.tableName
}

// Initialize creates the table if it doesn't exist
func (s *DynamoDBArtifactStore) Initialize(ctx context.Context) error {
	_, err := s.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("failed to describe table %s: %w", s.tableName, err)
	}

	_, err = s.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("session_id"), AttributeType: aws.String("S")},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("session_id"), KeyType: aws.String("HASH")},
		},
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.tableName, err)
	}
	return s.client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
}

func (s *DynamoDBArtifactStore) Close() error {
	return nil
}

func (s *DynamoDBArtifactStore) Save(ctx context.Context, a models.Artifact) error {
	if err := validateArtifact(a); err != nil {
		return err
	}
	data, err := encodeArtifact(a)
	if err != nil {
		return err
	}
	item, err := dynamodbattribute.MarshalMap(dynamoArtifact{
		SessionID: a.SessionID,
		FlowID:    a.FlowID,
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339Nano),
		Payload:   string(data),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save artifact for session %s: %w", a.SessionID, err)
	}
	return nil
}

func (s *DynamoDBArtifactStore) Get(ctx context.Context, sessionID string) (models.Artifact, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"session_id": {S: aws.String(sessionID)},
		},
	})
	if err != nil {
		return models.Artifact{}, fmt.Errorf("failed to get artifact for session %s: %w", sessionID, err)
	}
	if len(out.Item) == 0 {
		return models.Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, sessionID)
	}
	return unmarshalDynamoArtifact(out.Item)
}

// List scans the table page by page; the flow filter is applied to the
// scanned items
func (s *DynamoDBArtifactStore) List(ctx context.Context, flowID string, limit int) ([]models.Artifact, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.tableName)}
	out := []models.Artifact{}
	for {
		page, err := s.client.ScanWithContext(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifacts: %w", err)
		}
		for _, item := range page.Items {
			a, err := unmarshalDynamoArtifact(item)
			if err != nil {
				return nil, err
			}
			if flowID != "" && a.FlowID != flowID {
				continue
			}
			out = append(out, a)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
	return newestFirst(out, limit), nil
}

func unmarshalDynamoArtifact(item map[string]*dynamodb.AttributeValue) (models.Artifact, error) {
	var rec dynamoArtifact
	if err := dynamodbattribute.UnmarshalMap(item, &rec); err != nil {
		return models.Artifact{}, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}
	return decodeArtifact([]byte(rec.Payload))
}
