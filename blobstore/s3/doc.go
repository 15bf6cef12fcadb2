// Package s3 provides Amazon S3 implementations of blobstore.BlobStore.
//
// # Usage
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "runs/fb15k/")
//
// Wrap the store in a DDBCommitStore when several trainers may publish
// checkpoints to the same prefix:
//
//	commits := s3.NewDDBCommitStore(store, dynamodb.NewFromConfig(cfg), "kgeflow-checkpoints", "s3://my-bucket/runs/fb15k/")
//
// # Features
//
//   - Range reads for partial fetches
//   - Multipart streaming uploads through the SDK upload manager
//   - CRC32C checksums on single-request puts
//   - Automatic pagination for listing
package s3
