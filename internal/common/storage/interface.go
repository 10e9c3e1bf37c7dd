package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStorage is the durable artifact store. Implementations must accept
// any S3-compatible backend without touching export logic.
type ObjectStorage interface {
	// PutObject uploads size bytes from reader under objectKey.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, size int64, contentType string) error

	// PresignGet mints a time-boxed download URL. downloadName, when set,
	// becomes the Content-Disposition filename.
	PresignGet(ctx context.Context, bucket, objectKey string, ttl time.Duration, downloadName string) (string, error)

	// RemoveObjects deletes keys; missing keys are not an error.
	RemoveObjects(ctx context.Context, bucket string, keys []string) error

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
