package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dataport/internal/common/cache"
	"dataport/internal/export/model"
	appErr "dataport/pkg/errors"
)

const (
	progressKeyPrefix  = "export:progress:"
	defaultProgressTTL = time.Hour
)

// ProgressRepository stores ephemeral pipeline snapshots.
type ProgressRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewProgressRepository creates a new repository.
func NewProgressRepository(cacheClient cache.Cache, ttl time.Duration) *ProgressRepository {
	if ttl <= 0 {
		ttl = defaultProgressTTL
	}
	return &ProgressRepository{cache: cacheClient, TTL: ttl}
}

// Get returns the snapshot of requestID. A missing snapshot yields ok=false.
func (r *ProgressRepository) Get(ctx context.Context, requestID string) (model.ProgressSnapshot, bool, error) {
	if requestID == "" {
		return model.ProgressSnapshot{}, false, appErr.ValidationError("export_request_id", "required")
	}
	if r.cache == nil {
		return model.ProgressSnapshot{}, false, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, progressKeyPrefix+requestID)
	if err != nil {
		return model.ProgressSnapshot{}, false, appErr.Wrapf(err, appErr.CacheError, "load progress failed")
	}
	if val == "" {
		return model.ProgressSnapshot{}, false, nil
	}
	var snap model.ProgressSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return model.ProgressSnapshot{}, false, appErr.Wrapf(err, appErr.CacheError, "decode progress failed")
	}
	return snap, true, nil
}

// Save persists snap with the repository TTL.
func (r *ProgressRepository) Save(ctx context.Context, snap model.ProgressSnapshot) error {
	if snap.ExportRequestID == "" {
		return appErr.ValidationError("export_request_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal progress failed: %w", err)
	}
	if err := r.cache.Set(ctx, progressKeyPrefix+snap.ExportRequestID, string(data), r.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store progress failed")
	}
	return nil
}

// Delete drops the snapshot of requestID.
func (r *ProgressRepository) Delete(ctx context.Context, requestID string) error {
	if r.cache == nil {
		return nil
	}
	if err := r.cache.Del(ctx, progressKeyPrefix+requestID); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "delete progress failed")
	}
	return nil
}
