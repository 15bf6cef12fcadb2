package s3

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kgeflow/blobstore"
)

// mockDDBClient keeps items keyed by "base_uri:version" and honors the
// attribute_not_exists condition.
type mockDDBClient struct {
	mu    sync.RWMutex
	items map[string]map[string]types.AttributeValue
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{
		items: make(map[string]map[string]types.AttributeValue),
	}
}

func (m *mockDDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	baseURI := params.Item["base_uri"].(*types.AttributeValueMemberS).Value
	version := params.Item["version"].(*types.AttributeValueMemberN).Value
	key := baseURI + ":" + version

	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(version)" {
		if _, exists := m.items[key]; exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}

	m.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	baseURI := params.ExpressionAttributeValues[":uri"].(*types.AttributeValueMemberS).Value

	var items []map[string]types.AttributeValue
	for _, item := range m.items {
		if item["base_uri"].(*types.AttributeValueMemberS).Value == baseURI {
			items = append(items, item)
		}
	}
	version := func(item map[string]types.AttributeValue) int {
		v, _ := strconv.Atoi(item["version"].(*types.AttributeValueMemberN).Value)
		return v
	}
	slices.SortFunc(items, func(a, b map[string]types.AttributeValue) int {
		return version(b) - version(a)
	})

	if params.Limit != nil && int(*params.Limit) < len(items) {
		items = items[:*params.Limit]
	}

	return &dynamodb.QueryOutput{Items: items}, nil
}

func newTestDDBCommitStore(ddb *mockDDBClient, baseURI string) *DDBCommitStore {
	s3Store := NewStore(&MockS3Client{}, "test-bucket", "test/")
	return NewDDBCommitStore(s3Store, ddb, "kgeflow-checkpoints", baseURI)
}

func TestDDBCommitStore_FirstCommit(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	// First commit should succeed
	err := store.Put(ctx, "LATEST", []byte("step_1"))
	require.NoError(t, err)

	// Read back the pointer
	blob, err := store.Open(ctx, "LATEST")
	require.NoError(t, err)
	defer blob.Close()

	buf := make([]byte, 100)
	n, _ := blob.ReadAt(ctx, buf, 0)
	assert.Equal(t, "step_1", string(buf[:n]))
}

func TestDDBCommitStore_MultipleCommits(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	// Commit versions 1, 2, 3
	for i := 1; i <= 3; i++ {
		err := store.Put(ctx, "LATEST", []byte(fmt.Sprintf("step_%d", i)))
		require.NoError(t, err)
	}

	// Read back should get latest (version 3)
	blob, err := store.Open(ctx, "LATEST")
	require.NoError(t, err)
	defer blob.Close()

	buf := make([]byte, 100)
	n, _ := blob.ReadAt(ctx, buf, 0)
	assert.Equal(t, "step_3", string(buf[:n]))
}

func TestDDBCommitStore_ConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	// Initial commit
	err := store.Put(ctx, "LATEST", []byte("step_1"))
	require.NoError(t, err)

	// Concurrent writers
	var wg sync.WaitGroup
	successes := 0
	conflicts := 0
	var mu sync.Mutex

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := store.Put(ctx, "LATEST", []byte(fmt.Sprintf("step_%d", id+2)))
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrConcurrentModification) {
				conflicts++
			} else if err == nil {
				successes++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}

	wg.Wait()
	assert.Greater(t, successes, 0, "at least one writer should succeed")
	t.Logf("successes: %d, conflicts: %d", successes, conflicts)
}

func TestDDBCommitStore_NotFoundBeforeCommit(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	_, err := store.Open(ctx, "LATEST")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestDDBCommitStore_IsolatedNamespaces(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()

	store1 := newTestDDBCommitStore(ddb, "s3://bucket-a/path/")
	store2 := newTestDDBCommitStore(ddb, "s3://bucket-b/path/")

	// Commit to each store
	require.NoError(t, store1.Put(ctx, "LATEST", []byte("step_10")))
	require.NoError(t, store2.Put(ctx, "LATEST", []byte("step_20")))

	// Each namespace sees its own pointer
	blob1, _ := store1.Open(ctx, "LATEST")
	buf := make([]byte, 100)
	n, _ := blob1.ReadAt(ctx, buf, 0)
	assert.Equal(t, "step_10", string(buf[:n]))
	blob1.Close()

	blob2, _ := store2.Open(ctx, "LATEST")
	n, _ = blob2.ReadAt(ctx, buf, 0)
	assert.Equal(t, "step_20", string(buf[:n]))
	blob2.Close()
}

func TestDDBCommitStore_ManyVersions(t *testing.T) {
	ctx := context.Background()
	store := newTestDDBCommitStore(newMockDDBClient(), "s3://test-bucket/test/")

	for i := 1; i <= 12; i++ {
		require.NoError(t, store.Put(ctx, "LATEST", []byte(fmt.Sprintf("step_%d", i))))
	}
	got, err := blobstore.Get(ctx, store, "LATEST")
	require.NoError(t, err)
	assert.Equal(t, "step_12", string(got))

	require.NoError(t, store.Delete(ctx, "LATEST"), "pointer history is kept")
	got, err = blobstore.Get(ctx, store, "LATEST")
	require.NoError(t, err)
	assert.Equal(t, "step_12", string(got))
}
