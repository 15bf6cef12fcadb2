package s3

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/kgeflow/internal/hash"
)

// ErrAborted is returned by Close after Abort.
var ErrAborted = errors.New("s3 upload aborted")

// UploadConfig tunes checkpoint uploads.
type UploadConfig struct {
	// PartSize of multipart uploads. Checkpoint tables larger than one part
	// are uploaded in parallel parts.
	PartSize int64
	// Concurrency is the number of parts in flight per upload.
	Concurrency int
	// EnableChecksum sends CRC32C checksums that S3 verifies on receipt.
	EnableChecksum bool
	// LeavePartsOnError skips aborting a failed multipart upload.
	LeavePartsOnError bool
}

// DefaultUploadConfig uses 8 MiB parts, 5 in flight, with checksums.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{PartSize: 8 << 20, Concurrency: 5, EnableChecksum: true}
}

func newUploader(client Client, cfg UploadConfig) *manager.Uploader {
	return manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSize > 0 {
			u.PartSize = cfg.PartSize
		}
		if cfg.Concurrency > 0 {
			u.Concurrency = cfg.Concurrency
		}
		u.LeavePartsOnError = cfg.LeavePartsOnError
	})
}

// computeCRC32C returns the checksum in the base64 big-endian form S3 expects.
func computeCRC32C(data []byte) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], hash.CRC32C(data))
	return base64.StdEncoding.EncodeToString(b[:])
}

// putObject uploads data in a single request.
func (s *Store) putObject(ctx context.Context, key string, data []byte) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if s.upload.EnableChecksum {
		in.ChecksumCRC32C = aws.String(computeCRC32C(data))
	}
	_, err := s.client.PutObject(ctx, in)
	return err
}

// pipeUpload streams writes through a pipe into a manager upload running
// in the background. The object appears when Close returns nil.
type pipeUpload struct {
	pw   *io.PipeWriter
	done chan error

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *Store) startUpload(ctx context.Context, key string) *pipeUpload {
	pr, pw := io.Pipe()
	u := &pipeUpload{pw: pw, done: make(chan error, 1)}

	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   pr,
	}
	if s.upload.EnableChecksum {
		in.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}
	go func() {
		_, err := s.uploader.Upload(ctx, in)
		// A failed upload stops reading; fail pending writes.
		_ = pr.CloseWithError(err)
		u.done <- err
	}()
	return u
}

func (u *pipeUpload) Write(p []byte) (int, error) {
	u.mu.Lock()
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	return u.pw.Write(p)
}

// Sync is a no-op; data is committed on Close.
func (u *pipeUpload) Sync() error { return nil }

// Close ends the body and waits for the upload.
func (u *pipeUpload) Close() error {
	return u.finish(nil)
}

// Abort cancels the upload. The manager aborts any multipart upload it
// started, so no object is created.
func (u *pipeUpload) Abort() error {
	_ = u.finish(ErrAborted)
	return nil
}

func (u *pipeUpload) finish(cause error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return u.err
	}
	u.closed = true
	if cause != nil {
		_ = u.pw.CloseWithError(cause)
		<-u.done
		u.err = cause
		return u.err
	}
	_ = u.pw.Close()
	u.err = <-u.done
	return u.err
}
