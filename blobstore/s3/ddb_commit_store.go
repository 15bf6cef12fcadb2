package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/kgeflow/blobstore"
)

// DefaultPointerName is the blob name routed through DynamoDB.
const DefaultPointerName = "LATEST"

// ErrConcurrentModification is returned when another saver committed the
// same pointer version first.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var _ DDBClient = (*dynamodb.Client)(nil)

// DDBCommitStore stores checkpoint files in S3 and the LATEST pointer in
// DynamoDB. Each pointer write appends version n+1 under the run's base URI
// with a conditional put, so two savers racing on the same step cannot both
// win. Reads return the target of the highest version.
//
// The table is keyed by base_uri (string, HASH) and version (number, RANGE):
//
//	aws dynamodb create-table \
//	  --table-name kgeflow-checkpoints \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	objects *Store
	ddb     DDBClient
	table   string
	uri     string
	pointer string
}

var _ blobstore.BlobStore = (*DDBCommitStore)(nil)

// NewDDBCommitStore wraps objects. baseURI ("s3://bucket/prefix") is the
// partition key, so runs under different prefixes share one table.
func NewDDBCommitStore(objects *Store, ddb DDBClient, table, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		objects: objects,
		ddb:     ddb,
		table:   table,
		uri:     baseURI,
		pointer: DefaultPointerName,
	}
}

func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != s.pointer {
		return s.objects.Open(ctx, name)
	}
	head, err := s.head(ctx)
	if err != nil {
		return nil, err
	}
	if head.version == 0 {
		return nil, blobstore.ErrNotFound
	}
	return pointerBlob(head.target), nil
}

func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name != s.pointer {
		return s.objects.Put(ctx, name, data)
	}
	head, err := s.head(ctx)
	if err != nil {
		return err
	}
	return s.commit(ctx, head.version+1, string(data))
}

func (s *DDBCommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	return s.objects.Create(ctx, name)
}

// Delete removes an S3 object. Deleting the pointer is a no-op; its
// version history stays in DynamoDB.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	if name == s.pointer {
		return nil
	}
	return s.objects.Delete(ctx, name)
}

func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.objects.List(ctx, prefix)
}

type pointerItem struct {
	version uint64
	target  string
}

// head returns the newest pointer item, or the zero item if none exists.
func (s *DDBCommitStore) head(ctx context.Context) (pointerItem, error) {
	out, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.uri},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return pointerItem{}, fmt.Errorf("query %s: %w", s.table, err)
	}
	if len(out.Items) == 0 {
		return pointerItem{}, nil
	}

	item := out.Items[0]
	v, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return pointerItem{}, fmt.Errorf("%s: item for %s has no numeric version", s.table, s.uri)
	}
	tgt, ok := item["target"].(*types.AttributeValueMemberS)
	if !ok {
		return pointerItem{}, fmt.Errorf("%s: item for %s has no target", s.table, s.uri)
	}
	version, err := strconv.ParseUint(v.Value, 10, 64)
	if err != nil {
		return pointerItem{}, fmt.Errorf("%s: version %q: %w", s.table, v.Value, err)
	}
	return pointerItem{version: version, target: tgt.Value}, nil
}

func (s *DDBCommitStore) commit(ctx context.Context, version uint64, target string) error {
	_, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: s.uri},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
			"target":   &types.AttributeValueMemberS{Value: target},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	var conflict *types.ConditionalCheckFailedException
	switch {
	case errors.As(err, &conflict):
		return ErrConcurrentModification
	case err != nil:
		return fmt.Errorf("commit %s version %d: %w", s.uri, version, err)
	}
	return nil
}

// pointerBlob serves a committed pointer target.
type pointerBlob []byte

func (b pointerBlob) Close() error { return nil }

func (b pointerBlob) Size() int64 { return int64(len(b)) }

func (b pointerBlob) Bytes() ([]byte, error) { return b, nil }

func (b pointerBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
