package uploader

import (
	"bytes"
	"context"
	"errors"
	"path"
	"time"

	"dataport/internal/common/storage"
	"dataport/internal/export/packager"
	appErr "dataport/pkg/errors"
	"dataport/pkg/utils/logger"

	"go.uber.org/zap"
)

// Config holds uploader dependencies and settings.
type Config struct {
	Storage   storage.ObjectStorage
	Bucket    string
	KeyPrefix string
	Timeout   time.Duration
	Now       func() time.Time
}

// Uploader stores artifacts and mints signed download URLs.
type Uploader struct {
	storage   storage.ObjectStorage
	bucket    string
	keyPrefix string
	timeout   time.Duration
	now       func() time.Time
}

// Stored describes an uploaded artifact.
type Stored struct {
	Key  string
	Name string
	Size int64
	URL  string
}

// NewUploader creates a new uploader.
func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Uploader{
		storage:   cfg.Storage,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		timeout:   cfg.Timeout,
		now:       cfg.Now,
	}, nil
}

// Key returns the object key of an artifact for a subject.
func (u *Uploader) Key(subjectID, name string) string {
	return path.Join(u.keyPrefix, subjectID, name)
}

// Upload writes the artifact, verifies the stored size and presigns a URL
// that stays valid until expiresAt.
func (u *Uploader) Upload(ctx context.Context, subjectID string, artifact *packager.Artifact, expiresAt time.Time) (*Stored, error) {
	if artifact == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("artifact is nil")
	}
	key := u.Key(subjectID, artifact.Name)

	putCtx, cancel := u.withTimeout(ctx)
	err := u.storage.PutObject(putCtx, u.bucket, key, bytes.NewReader(artifact.Data), artifact.Size(), artifact.ContentType)
	cancel()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "upload artifact failed")
	}

	statCtx, cancel := u.withTimeout(ctx)
	stat, err := u.storage.StatObject(statCtx, u.bucket, key)
	cancel()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "stat artifact failed")
	}
	if stat.SizeBytes != artifact.Size() {
		return nil, appErr.Newf(appErr.StorageError, "stored size %d does not match artifact size %d", stat.SizeBytes, artifact.Size())
	}

	url, err := u.Presign(ctx, key, artifact.Name, expiresAt)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "export artifact uploaded",
		zap.String("bucket", u.bucket),
		zap.String("object_key", key),
		zap.Int64("size_bytes", stat.SizeBytes),
	)
	return &Stored{Key: key, Name: artifact.Name, Size: stat.SizeBytes, URL: url}, nil
}

// Presign mints a download URL for key valid until expiresAt.
func (u *Uploader) Presign(ctx context.Context, key, downloadName string, expiresAt time.Time) (string, error) {
	ttl := expiresAt.Sub(u.now())
	if ttl <= 0 {
		return "", appErr.New(appErr.ExportExpired)
	}
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()
	url, err := u.storage.PresignGet(ctx, u.bucket, key, ttl, downloadName)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "presign artifact failed")
	}
	return url, nil
}

// Remove deletes the artifact; an empty key is a no-op.
func (u *Uploader) Remove(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()
	if err := u.storage.RemoveObjects(ctx, u.bucket, []string{key}); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "remove artifact failed")
	}
	return nil
}

func (u *Uploader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if u.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, u.timeout)
}
