package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dataport/internal/common/cache"
	"dataport/internal/common/db"
	"dataport/internal/common/mq"
	"dataport/internal/export/metrics"
	"dataport/internal/export/model"
	"dataport/internal/export/quota"
	"dataport/internal/export/repository"
	appErr "dataport/pkg/errors"
	pkgrepo "dataport/pkg/repository"
	"dataport/pkg/utils/contextkey"
	"dataport/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	idempotencyKeyPrefix = "export:idempotency:"
	processingMarker     = "processing"

	defaultTTL                 = 24 * time.Hour
	defaultMaxDownloads        = 10
	defaultMaxDownloadsCeiling = 50
	defaultMaxRetries          = 3
	defaultIdempotencyTTL      = 10 * time.Minute

	messageCancelled = model.MessageCancelled
	messageNotQueued = "export could not be queued"
)

// ProgressStore reads and drops pipeline snapshots.
type ProgressStore interface {
	Get(ctx context.Context, requestID string) (model.ProgressSnapshot, bool, error)
	Delete(ctx context.Context, requestID string) error
}

// ArtifactSigner re-signs and removes stored artifacts.
type ArtifactSigner interface {
	Presign(ctx context.Context, key, downloadName string, expiresAt time.Time) (string, error)
	Remove(ctx context.Context, key string) error
}

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	DB      time.Duration `yaml:"db"`
	Cache   time.Duration `yaml:"cache"`
	MQ      time.Duration `yaml:"mq"`
	Storage time.Duration `yaml:"storage"`
}

// Config holds export service dependencies and settings.
type Config struct {
	Store     repository.ExportRequestRepository
	Audit     repository.AuditRepository
	Tx        db.Transactor
	Quota     *quota.Guard
	Progress  ProgressStore
	Artifacts ArtifactSigner
	Queue     mq.Producer
	// Cache backs idempotency keys; nil disables them.
	Cache   cache.Cache
	Metrics *metrics.Metrics

	Topic               string
	TTL                 time.Duration
	MaxDownloads        int
	MaxDownloadsCeiling int
	MaxRetries          int
	IdempotencyTTL      time.Duration
	Timeouts            TimeoutConfig
	Now                 func() time.Time
}

// ExportService implements the owner-scoped export operations.
type ExportService struct {
	store     repository.ExportRequestRepository
	audit     repository.AuditRepository
	tx        db.Transactor
	quota     *quota.Guard
	progress  ProgressStore
	artifacts ArtifactSigner
	queue     mq.Producer
	cache     cache.Cache
	metrics   *metrics.Metrics

	topic               string
	ttl                 time.Duration
	maxDownloads        int
	maxDownloadsCeiling int
	maxRetries          int
	idempotencyTTL      time.Duration
	timeouts            TimeoutConfig
	now                 func() time.Time
}

// NewExportService creates a new export service.
func NewExportService(cfg Config) (*ExportService, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("export store is required")
	case cfg.Audit == nil:
		return nil, fmt.Errorf("audit repository is required")
	case cfg.Tx == nil:
		return nil, fmt.Errorf("transactor is required")
	case cfg.Quota == nil:
		return nil, fmt.Errorf("quota guard is required")
	case cfg.Progress == nil:
		return nil, fmt.Errorf("progress store is required")
	case cfg.Artifacts == nil:
		return nil, fmt.Errorf("artifact signer is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("message queue is required")
	case cfg.Topic == "":
		return nil, fmt.Errorf("request topic is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxDownloadsCeiling <= 0 {
		cfg.MaxDownloadsCeiling = defaultMaxDownloadsCeiling
	}
	if cfg.MaxDownloads <= 0 {
		cfg.MaxDownloads = defaultMaxDownloads
	}
	if cfg.MaxDownloads > cfg.MaxDownloadsCeiling {
		return nil, fmt.Errorf("max downloads %d exceeds ceiling %d", cfg.MaxDownloads, cfg.MaxDownloadsCeiling)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ExportService{
		store:               cfg.Store,
		audit:               cfg.Audit,
		tx:                  cfg.Tx,
		quota:               cfg.Quota,
		progress:            cfg.Progress,
		artifacts:           cfg.Artifacts,
		queue:               cfg.Queue,
		cache:               cfg.Cache,
		metrics:             cfg.Metrics,
		topic:               cfg.Topic,
		ttl:                 cfg.TTL,
		maxDownloads:        cfg.MaxDownloads,
		maxDownloadsCeiling: cfg.MaxDownloadsCeiling,
		maxRetries:          cfg.MaxRetries,
		idempotencyTTL:      cfg.IdempotencyTTL,
		timeouts:            cfg.Timeouts,
		now:                 cfg.Now,
	}, nil
}

// CreateInput describes a new export request.
type CreateInput struct {
	SubjectID      string
	Format         model.Format
	PrivacyLevel   model.PrivacyLevel
	Categories     model.Categories
	Options        model.Options
	DateFrom       *time.Time
	DateTo         *time.Time
	MaxDownloads   int
	IdempotencyKey string
	ClientIP       string
	UserAgent      string
}

// CreateResult is the created request plus the caller's quota position.
type CreateResult struct {
	Request *ExportView   `json:"request"`
	Quota   quota.Summary `json:"quota"`
}

// Create validates input, admits it against the quota, persists a pending
// request and enqueues it. It never waits for the pipeline.
func (s *ExportService) Create(ctx context.Context, input CreateInput) (*CreateResult, error) {
	if err := s.validateCreate(&input); err != nil {
		s.metrics.IncRequest("invalid")
		return nil, err
	}

	acquired, existingID, err := s.acquireIdempotency(ctx, input.SubjectID, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existingID != "" {
		existing, err := s.owned(ctx, existingID, input.SubjectID)
		if err != nil {
			return nil, err
		}
		summary, err := s.quota.Summary(ctx, input.SubjectID)
		if err != nil {
			return nil, err
		}
		return &CreateResult{Request: NewView(existing, s.now()), Quota: summary}, nil
	}

	now := s.now()
	req := &model.ExportRequest{
		ID:           uuid.NewString(),
		SubjectID:    input.SubjectID,
		RequestedAt:  now,
		ExpiresAt:    now.Add(s.ttl),
		Status:       model.StatusPending,
		Format:       input.Format,
		PrivacyLevel: input.PrivacyLevel,
		Categories:   input.Categories,
		Options:      input.Options,
		DateFrom:     input.DateFrom,
		DateTo:       input.DateTo,
		MaxDownloads: input.MaxDownloads,
		MaxRetries:   s.maxRetries,
		RequestIP:    input.ClientIP,
		UserAgent:    input.UserAgent,
	}

	ctxDB := withTimeout(ctx, s.timeouts.DB)
	summary, err := s.quota.Admit(ctxDB.ctx, input.SubjectID, func(tx db.Transaction) error {
		if err := s.store.Create(ctxDB.ctx, tx, req); err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "create export request failed")
		}
		return s.audit.Append(ctxDB.ctx, tx, s.entry(req, model.ActivityRequested, input.ClientIP, input.UserAgent, map[string]any{
			"format":        string(req.Format),
			"privacy_level": string(req.PrivacyLevel),
			"categories":    req.Categories.Effective(req.PrivacyLevel),
		}))
	})
	ctxDB.cancel()
	if err != nil {
		s.releaseIdempotency(ctx, input.SubjectID, input.IdempotencyKey, acquired)
		if appErr.Is(err, appErr.ExportQuotaExceeded) {
			s.metrics.IncRequest("quota_exceeded")
			logger.Info(ctx, "export request rejected by quota", zap.String("subject_id", input.SubjectID), zap.Int("used", summary.Used))
			return nil, err
		}
		s.metrics.IncRequest("error")
		return nil, err
	}

	if err := s.enqueue(ctx, req); err != nil {
		s.markNotQueued(ctx, req, err)
		s.releaseIdempotency(ctx, input.SubjectID, input.IdempotencyKey, acquired)
		s.metrics.IncRequest("error")
		return nil, err
	}
	s.finalizeIdempotency(ctx, input.SubjectID, input.IdempotencyKey, req.ID, acquired)
	s.metrics.IncRequest("accepted")
	logger.Info(ctx, "export request created",
		zap.String("request_id", req.ID),
		zap.String("subject_id", req.SubjectID),
		zap.String("format", string(req.Format)),
		zap.String("privacy_level", string(req.PrivacyLevel)),
	)
	return &CreateResult{Request: NewView(req, now), Quota: summary}, nil
}

func (s *ExportService) validateCreate(input *CreateInput) error {
	input.SubjectID = strings.TrimSpace(input.SubjectID)
	if input.SubjectID == "" {
		return appErr.New(appErr.Unauthorized)
	}
	if input.Format == "" {
		input.Format = model.FormatJSON
	}
	if !input.Format.Valid() {
		return appErr.ValidationError("format", "must be one of json, csv, both")
	}
	if input.PrivacyLevel == "" {
		input.PrivacyLevel = model.PrivacyFull
	}
	if !input.PrivacyLevel.Valid() {
		return appErr.ValidationError("privacy_level", "must be one of full, anonymized, minimal")
	}
	if !input.Categories.Any() {
		return appErr.ValidationError("categories", "at least one category is required")
	}
	if len(input.Categories.Effective(input.PrivacyLevel)) == 0 {
		return appErr.ValidationError("categories", "no selected category is exportable at the minimal privacy level")
	}
	if input.DateFrom != nil && input.DateTo != nil && input.DateFrom.After(*input.DateTo) {
		return appErr.ValidationError("date_from", "must not be after date_to")
	}
	if input.MaxDownloads == 0 {
		input.MaxDownloads = s.maxDownloads
	}
	if err := s.checkMaxDownloads(input.MaxDownloads, 0); err != nil {
		return err
	}
	return nil
}

func (s *ExportService) checkMaxDownloads(value, used int) error {
	if value < 1 || value > s.maxDownloadsCeiling {
		return appErr.ValidationError("max_downloads", fmt.Sprintf("must be between 1 and %d", s.maxDownloadsCeiling))
	}
	if value < used {
		return appErr.ValidationError("max_downloads", "must not be lower than the downloads already used")
	}
	return nil
}

// GetStatus returns the projection of an owned request.
func (s *ExportService) GetStatus(ctx context.Context, id, subjectID string) (*ExportView, error) {
	req, err := s.owned(ctx, id, subjectID)
	if err != nil {
		return nil, err
	}
	return NewView(req, s.now()), nil
}

// GetProgress reports the pipeline position. Active requests without a
// snapshot are reported as queued.
func (s *ExportService) GetProgress(ctx context.Context, id, subjectID string) (*ProgressView, error) {
	req, err := s.owned(ctx, id, subjectID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	switch req.Status {
	case model.StatusCompleted, model.StatusExpired:
		started := now
		if req.StartedAt != nil {
			started = *req.StartedAt
		}
		updated := now
		if req.CompletedAt != nil {
			updated = *req.CompletedAt
		}
		return newProgressView(req.Status, model.NewProgressSnapshot(req.ID, model.StageDone, started, updated)), nil
	case model.StatusFailed:
		return newProgressView(req.Status, model.QueuedSnapshot(req.ID, now)), nil
	}

	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	snap, ok, err := s.progress.Get(ctxCache.ctx, req.ID)
	if err != nil {
		logger.Warn(ctx, "load export progress failed", zap.String("request_id", req.ID), zap.Error(err))
		ok = false
	}
	if !ok {
		snap = model.QueuedSnapshot(req.ID, now)
	}
	return newProgressView(req.Status, snap), nil
}

// HistoryResult is one page of a subject's requests plus the quota summary.
type HistoryResult struct {
	Items  []*ExportView `json:"items"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
	Quota  quota.Summary `json:"quota"`
}

// ListHistory returns the subject's requests newest first.
func (s *ExportService) ListHistory(ctx context.Context, subjectID string, opts pkgrepo.ListOptions) (*HistoryResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "%s", err.Error())
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	reqs, total, err := s.store.ListBySubject(ctxDB.ctx, subjectID, opts)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list export requests failed")
	}
	summary, err := s.quota.Summary(ctxDB.ctx, subjectID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	items := make([]*ExportView, len(reqs))
	for i, req := range reqs {
		items[i] = NewView(req, now)
	}
	return &HistoryResult{Items: items, Total: total, Limit: opts.Limit, Offset: opts.Offset, Quota: summary}, nil
}

// owned loads id and hides requests of other subjects behind NotFound.
func (s *ExportService) owned(ctx context.Context, id, subjectID string) (*model.ExportRequest, error) {
	if strings.TrimSpace(id) == "" {
		return nil, appErr.ValidationError("id", "required")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	req, err := s.store.GetByID(ctxDB.ctx, nil, id)
	if err != nil {
		if pkgrepo.IsNotFoundError(err) {
			return nil, appErr.New(appErr.ExportNotFound)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load export request failed")
	}
	if req.SubjectID != subjectID {
		return nil, appErr.New(appErr.ExportNotFound)
	}
	return req, nil
}

func (s *ExportService) enqueue(ctx context.Context, req *model.ExportRequest) error {
	payload, err := json.Marshal(model.JobMessage{RequestID: req.ID, SubjectID: req.SubjectID, EnqueuedAt: s.now()})
	if err != nil {
		return fmt.Errorf("marshal job message failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = req.ID
	if traceID, ok := ctx.Value(contextkey.TraceID).(string); ok && traceID != "" {
		message.SetHeader(mq.HeaderTraceID, traceID)
	}
	ctxMQ := withTimeout(ctx, s.timeouts.MQ)
	defer ctxMQ.cancel()
	if err := s.queue.Publish(ctxMQ.ctx, s.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "enqueue export request failed")
	}
	return nil
}

// markNotQueued fails a request whose job message was never published so
// the owner can retry it.
func (s *ExportService) markNotQueued(ctx context.Context, req *model.ExportRequest, cause error) {
	logger.Error(ctx, "enqueue export request failed", zap.String("request_id", req.ID), zap.Error(cause))
	message := messageNotQueued
	err := s.transition(ctx, req.ID, repository.StatusUpdate{
		From:         []model.Status{model.StatusPending},
		To:           model.StatusFailed,
		ErrorMessage: &message,
	}, s.entry(req, model.ActivityFailed, "", model.ActorSystem, map[string]any{"reason": "enqueue"}))
	if err != nil {
		logger.Error(ctx, "mark unqueued export failed", zap.String("request_id", req.ID), zap.Error(err))
	}
}

// transition applies update and appends entry in one transaction, mapping
// store sentinels to coded errors.
func (s *ExportService) transition(ctx context.Context, id string, update repository.StatusUpdate, entry *model.AuditEntry) error {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	err := s.tx.Transaction(ctxDB.ctx, func(tx db.Transaction) error {
		if err := s.store.Transition(ctxDB.ctx, tx, id, update); err != nil {
			return err
		}
		return s.audit.Append(ctxDB.ctx, tx, entry)
	})
	switch {
	case err == nil:
		return nil
	case pkgrepo.IsNotFoundError(err):
		return appErr.New(appErr.ExportNotFound)
	case pkgrepo.IsConflictError(err):
		return appErr.New(appErr.ExportInvalidState)
	default:
		return appErr.Wrapf(err, appErr.DatabaseError, "update export request failed")
	}
}

func (s *ExportService) entry(req *model.ExportRequest, activity model.Activity, ip, userAgent string, payload map[string]any) *model.AuditEntry {
	return &model.AuditEntry{
		ID:              uuid.NewString(),
		ExportRequestID: req.ID,
		SubjectID:       req.SubjectID,
		Activity:        activity,
		OccurredAt:      s.now(),
		IP:              ip,
		UserAgent:       userAgent,
		Payload:         payload,
	}
}

func (s *ExportService) acquireIdempotency(ctx context.Context, subjectID, key string) (bool, string, error) {
	key = strings.TrimSpace(key)
	if key == "" || s.cache == nil {
		return false, "", nil
	}
	cacheKey := idempotencyKeyPrefix + subjectID + ":" + key
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	existing, err := s.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}
	ok, err := s.cache.SetNX(ctxCache.ctx, cacheKey, processingMarker, s.idempotencyTTL)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "reserve idempotency key failed")
	}
	if ok {
		return true, "", nil
	}
	existing, err = s.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}
	return false, "", appErr.New(appErr.TooManyRequests).WithMessage("request is processing")
}

func (s *ExportService) finalizeIdempotency(ctx context.Context, subjectID, key, requestID string, acquired bool) {
	if !acquired {
		return
	}
	cacheKey := idempotencyKeyPrefix + subjectID + ":" + strings.TrimSpace(key)
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Set(ctxCache.ctx, cacheKey, requestID, s.idempotencyTTL); err != nil {
		logger.Warn(ctx, "update idempotency key failed", zap.Error(err))
	}
}

func (s *ExportService) releaseIdempotency(ctx context.Context, subjectID, key string, acquired bool) {
	if !acquired {
		return
	}
	cacheKey := idempotencyKeyPrefix + subjectID + ":" + strings.TrimSpace(key)
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Del(ctxCache.ctx, cacheKey); err != nil {
		logger.Warn(ctx, "release idempotency key failed", zap.Error(err))
	}
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
