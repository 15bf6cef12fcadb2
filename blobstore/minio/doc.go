// Package minio stores checkpoints in MinIO or any other S3-compatible
// object store (Ceph, Garage, SeaweedFS) through the MinIO client, without
// pulling in the AWS SDK.
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	})
//	if err != nil {
//	    return err
//	}
//	store := minioblob.NewStore(client, "checkpoints", "runs/fb15k")
//	if err := store.EnsureBucket(ctx, ""); err != nil {
//	    return err
//	}
//
// Embedding tables are streamed with multipart uploads of DefaultPartSize
// bytes; raise it with WithPartSize for very large tables. An upload that
// is aborted or fails leaves no object behind, so a step directory never
// holds a truncated table.
//
// The store has no conditional writes. Concurrent trainers sharing a prefix
// race on LATEST; use the s3 package with a DynamoDB table for that.
package minio
