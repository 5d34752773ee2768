package storage

import (
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// MockDynamoDBAPI implements the parts of dynamodbiface.DynamoDBAPI the
// artifact store uses, keeping tables in memory
type MockDynamoDBAPI struct {
	dynamodbiface.DynamoDBAPI
	mu       sync.RWMutex
	tables   map[string]map[string]map[string]*dynamodb.AttributeValue
	pageSize int
	scans    int
}

// NewMockDynamoDBAPI creates a new mock DynamoDB client
func NewMockDynamoDBAPI() *MockDynamoDBAPI {
	return &MockDynamoDBAPI{tables: make(map[string]map[string]map[string]*dynamodb.AttributeValue)}
}

func (m *MockDynamoDBAPI) DescribeTableWithContext(_ aws.Context, input *dynamodb.DescribeTableInput, _ ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name := aws.StringValue(input.TableName)
	if _, ok := m.tables[name]; !ok {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "table not found: "+name, nil)
	}
	return &dynamodb.DescribeTableOutput{Table: &dynamodb.TableDescription{
		TableName:   aws.String(name),
		TableStatus: aws.String(dynamodb.TableStatusActive),
	}}, nil
}

func (m *MockDynamoDBAPI) CreateTableWithContext(_ aws.Context, input *dynamodb.CreateTableInput, _ ...request.Option) (*dynamodb.CreateTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := aws.StringValue(input.TableName)
	if _, ok := m.tables[name]; ok {
		return nil, awserr.New(dynamodb.ErrCodeResourceInUseException, "table already exists: "+name, nil)
	}
	m.tables[name] = make(map[string]map[string]*dynamodb.AttributeValue)
	return &dynamodb.CreateTableOutput{}, nil
}

func (m *MockDynamoDBAPI) WaitUntilTableExistsWithContext(aws.Context, *dynamodb.DescribeTableInput, ...request.WaiterOption) error {
	return nil
}

func (m *MockDynamoDBAPI) table(name string) (map[string]map[string]*dynamodb.AttributeValue, error) {
	t, ok := m.tables[name]
	if !ok {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "table not found: "+name, nil)
	}
	return t, nil
}

func (m *MockDynamoDBAPI) PutItemWithContext(_ aws.Context, input *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}
	t[aws.StringValue(input.Item["session_id"].S)] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *MockDynamoDBAPI) GetItemWithContext(_ aws.Context, input *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: t[aws.StringValue(input.Key["session_id"].S)]}, nil
}

// ScanWithContext returns items in key order, pageSize at a time when set
func (m *MockDynamoDBAPI) ScanWithContext(_ aws.Context, input *dynamodb.ScanInput, _ ...request.Option) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++
	t, err := m.table(aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if input.ExclusiveStartKey != nil {
		after := aws.StringValue(input.ExclusiveStartKey["session_id"].S)
		start = sort.SearchStrings(keys, after) + 1
	}
	end := len(keys)
	if m.pageSize > 0 && start+m.pageSize < end {
		end = start + m.pageSize
	}

	out := &dynamodb.ScanOutput{}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, t[k])
	}
	if end < len(keys) {
		out.LastEvaluatedKey = map[string]*dynamodb.AttributeValue{"session_id": {S: aws.String(keys[end-1])}}
	}
	return out, nil
}
