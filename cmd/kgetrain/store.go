package main

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/kgeflow/blobstore"
	miniostore "github.com/hupe1980/kgeflow/blobstore/minio"
	s3store "github.com/hupe1980/kgeflow/blobstore/s3"
	"github.com/hupe1980/kgeflow/config"
)

// newCheckpointStore builds the blob store cfg.Store names.
func newCheckpointStore(ctx context.Context, cfg config.CheckpointConfig) (blobstore.BlobStore, error) {
	switch cfg.Store {
	case "local":
		return blobstore.NewLocalStore(cfg.Path), nil
	case "s3":
		return newS3Store(ctx, cfg.S3)
	case "minio":
		return newMinIOStore(cfg.MinIO)
	default:
		return nil, fmt.Errorf("unknown checkpoint store %q", cfg.Store)
	}
}

func newS3Store(ctx context.Context, cfg config.S3Config) (blobstore.BlobStore, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	store := s3store.NewStore(awss3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix)
	if cfg.DynamoTable == "" {
		return store, nil
	}
	return s3store.NewDDBCommitStore(store, dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable, baseURI(cfg)), nil
}

// baseURI is the DynamoDB partition key of a checkpoint prefix.
func baseURI(cfg config.S3Config) string {
	return "s3://" + strings.TrimSuffix(cfg.Bucket+"/"+strings.Trim(cfg.Prefix, "/"), "/")
}

func newMinIOStore(cfg config.MinIOConfig) (blobstore.BlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return miniostore.NewStore(client, cfg.Bucket, cfg.Prefix), nil
}
