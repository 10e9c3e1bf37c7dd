package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dataport/internal/common/db"
	"dataport/internal/common/mq"
	"dataport/internal/export/generator"
	"dataport/internal/export/metrics"
	"dataport/internal/export/model"
	"dataport/internal/export/packager"
	"dataport/internal/export/repository"
	"dataport/internal/export/uploader"
	appErr "dataport/pkg/errors"
	"dataport/pkg/utils/contextkey"
	"dataport/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Collector gathers the bundle of a request.
type Collector interface {
	Collect(ctx context.Context, req *model.ExportRequest) (*model.Bundle, error)
}

// ArtifactStore stores artifacts and removes them on expiry.
type ArtifactStore interface {
	Upload(ctx context.Context, subjectID string, artifact *packager.Artifact, expiresAt time.Time) (*uploader.Stored, error)
	Remove(ctx context.Context, key string) error
}

// ProgressWriter records pipeline snapshots.
type ProgressWriter interface {
	Save(ctx context.Context, snap model.ProgressSnapshot) error
	Delete(ctx context.Context, requestID string) error
}

// Topics names the queue topics the worker uses.
type Topics struct {
	Requests   string
	Retry      string
	DeadLetter string
	Completed  string
}

// Config holds worker dependencies and settings.
type Config struct {
	Store     repository.ExportRequestRepository
	Audit     repository.AuditRepository
	Tx        db.Transactor
	Progress  ProgressWriter
	Collector Collector
	Generator *generator.Generator
	Packager  *packager.Packager
	Artifacts ArtifactStore
	Queue     mq.MessageQueue
	Topics    Topics
	Subscribe mq.SubscribeOptions
	Metrics   *metrics.Metrics

	AutoRetryMax  int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	StuckAfter    time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	DBTimeout     time.Duration
	JobTimeout    time.Duration
	Now           func() time.Time
}

// Worker drains the export queue and runs the pipeline.
type Worker struct {
	store     repository.ExportRequestRepository
	audit     repository.AuditRepository
	tx        db.Transactor
	progress  ProgressWriter
	collector Collector
	generator *generator.Generator
	packager  *packager.Packager
	artifacts ArtifactStore
	queue     mq.MessageQueue
	topics    Topics
	subscribe mq.SubscribeOptions
	metrics   *metrics.Metrics
	requeue   RequeuePolicy

	stuckAfter    time.Duration
	sweepInterval time.Duration
	sweepBatch    int
	dbTimeout     time.Duration
	jobTimeout    time.Duration
	now           func() time.Time
}

const (
	defaultStuckAfter    = 2 * time.Hour
	defaultSweepInterval = time.Minute
	defaultSweepBatch    = 100

	messageTimedOut = "export processing timed out"
)

// stageMessages are the user-safe failure messages per stage.
var stageMessages = map[model.Stage]string{
	model.StageInit:     "export could not be started",
	model.StageCollect:  "failed to collect export data",
	model.StageGenerate: "failed to generate export files",
	model.StagePackage:  "failed to package export files",
	model.StageUpload:   "failed to store export artifact",
}

// NewWorker creates a new worker.
func NewWorker(cfg Config) (*Worker, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("export store is required")
	case cfg.Audit == nil:
		return nil, errors.New("audit repository is required")
	case cfg.Tx == nil:
		return nil, errors.New("transactor is required")
	case cfg.Progress == nil:
		return nil, errors.New("progress writer is required")
	case cfg.Collector == nil:
		return nil, errors.New("collector is required")
	case cfg.Generator == nil:
		return nil, errors.New("generator is required")
	case cfg.Packager == nil:
		return nil, errors.New("packager is required")
	case cfg.Artifacts == nil:
		return nil, errors.New("artifact store is required")
	case cfg.Queue == nil:
		return nil, errors.New("queue is required")
	case cfg.Topics.Requests == "":
		return nil, errors.New("request topic is required")
	}
	w := &Worker{
		store:     cfg.Store,
		audit:     cfg.Audit,
		tx:        cfg.Tx,
		progress:  cfg.Progress,
		collector: cfg.Collector,
		generator: cfg.Generator,
		packager:  cfg.Packager,
		artifacts: cfg.Artifacts,
		queue:     cfg.Queue,
		topics:    cfg.Topics,
		subscribe: cfg.Subscribe,
		metrics:   cfg.Metrics,
		requeue: RequeuePolicy{
			Queue:      cfg.Queue,
			RetryTopic: cfg.Topics.Retry,
			DeadLetter: cfg.Topics.DeadLetter,
			Max:        cfg.AutoRetryMax,
			BaseDelay:  cfg.BaseDelay,
			MaxDelay:   cfg.MaxDelay,
		},
		stuckAfter:    cfg.StuckAfter,
		sweepInterval: cfg.SweepInterval,
		sweepBatch:    cfg.SweepBatch,
		dbTimeout:     cfg.DBTimeout,
		jobTimeout:    cfg.JobTimeout,
		now:           cfg.Now,
	}
	if w.stuckAfter <= 0 {
		w.stuckAfter = defaultStuckAfter
	}
	if w.sweepInterval <= 0 {
		w.sweepInterval = defaultSweepInterval
	}
	if w.sweepBatch <= 0 {
		w.sweepBatch = defaultSweepBatch
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w, nil
}

// HandleMessage processes a first-delivery job message.
func (w *Worker) HandleMessage(ctx context.Context, msg *mq.Message) error {
	job, err := decodeJob(msg)
	if err != nil {
		return err
	}
	return w.run(ctx, job, msg)
}

// HandleRetry processes an automatically requeued job message. The failed
// request is returned to pending before the regular claim, but only while it
// is still in the failure the message was requeued for: an owner retry, a
// cancel or the end of the download window in between leave it alone.
func (w *Worker) HandleRetry(ctx context.Context, msg *mq.Message) error {
	job, err := decodeJob(msg)
	if err != nil {
		return err
	}
	attempt := ParseAttempt(msg.Headers)
	now := w.now()
	cancelled := model.MessageCancelled
	update := repository.StatusUpdate{
		From:               []model.Status{model.StatusFailed},
		To:                 model.StatusPending,
		ClearTimestamps:    true,
		ClearError:         true,
		UnlessErrorMessage: &cancelled,
		UnexpiredAt:        &now,
	}
	if state, ok := ParseFailureState(msg.Headers); ok {
		update.ExpectRetryCount = &state.RetryCount
		update.ExpectUserRetryCount = &state.UserRetryCount
	}
	err = w.transition(ctx, job.RequestID, update, &model.AuditEntry{
		ExportRequestID: job.RequestID,
		SubjectID:       job.SubjectID,
		Activity:        model.ActivityRetried,
		Payload:         map[string]any{"automatic": true, "attempt": attempt},
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrStatusConflict), errors.Is(err, repository.ErrExportNotFound):
		// Retried by the owner, cancelled, expired or gone; only a pending
		// request is claimed below.
		logger.Info(ctx, "automatic retry not applied", zap.String("request_id", job.RequestID), zap.Int("attempt", attempt))
	default:
		return err
	}
	return w.run(ctx, job, msg)
}

func decodeJob(msg *mq.Message) (model.JobMessage, error) {
	var job model.JobMessage
	if msg == nil {
		return job, appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return job, appErr.Wrapf(err, appErr.InvalidParams, "decode message failed")
	}
	if job.RequestID == "" {
		return job, appErr.New(appErr.InvalidParams).WithMessage("message missing request_id")
	}
	return job, nil
}

func (w *Worker) run(ctx context.Context, job model.JobMessage, msg *mq.Message) error {
	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}
	start := w.now()
	outcome, req, err := w.process(jobCtx, job.RequestID)
	if err != nil {
		return err
	}
	w.metrics.ObserveJob(string(outcome), w.now().Sub(start))
	if outcome == OutcomeFailed {
		state := FailureState{RetryCount: req.RetryCount, UserRetryCount: req.UserRetryCount}
		if _, err := w.requeue.Requeue(ctx, WithFailureState(msg, state)); err != nil {
			logger.Error(ctx, "requeue export job failed", zap.String("request_id", job.RequestID), zap.Error(err))
			return err
		}
	}
	return nil
}

// Outcome is the result of one pipeline run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped means another worker owns the request or it left pending.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeCancelled means the owner cancelled while the pipeline ran.
	OutcomeCancelled Outcome = "cancelled"
)

// Process claims requestID and runs the pipeline. A non-nil error means the
// outcome could not be persisted and the message should be redelivered.
func (w *Worker) Process(ctx context.Context, requestID string) (Outcome, error) {
	outcome, _, err := w.process(ctx, requestID)
	return outcome, err
}

// process is Process that also returns the claimed request as last written
// by this run.
func (w *Worker) process(ctx context.Context, requestID string) (Outcome, *model.ExportRequest, error) {
	ctx = context.WithValue(ctx, contextkey.ExportID, requestID)
	startedAt := w.now()
	req, err := w.claim(ctx, requestID, startedAt)
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) || errors.Is(err, repository.ErrExportNotFound) {
			logger.Info(ctx, "export job skipped, request not pending", zap.String("request_id", requestID))
			return OutcomeSkipped, nil, nil
		}
		return "", nil, err
	}
	logger.Info(ctx, "export job started", zap.String("request_id", req.ID), zap.String("subject_id", req.SubjectID))
	w.saveProgress(ctx, req.ID, model.StageInit, startedAt)

	stage, stageErr := w.pipeline(ctx, req, startedAt)
	if stageErr == nil {
		return stage.outcome, req, nil
	}
	outcome, err := w.fail(ctx, req, stage.stage, stageErr)
	return outcome, req, err
}

type stageResult struct {
	stage   model.Stage
	outcome Outcome
}

func (w *Worker) pipeline(ctx context.Context, req *model.ExportRequest, startedAt time.Time) (stageResult, error) {
	w.saveProgress(ctx, req.ID, model.StageCollect, startedAt)
	bundle, err := w.collector.Collect(ctx, req)
	if err != nil {
		return stageResult{stage: model.StageCollect}, err
	}

	w.saveProgress(ctx, req.ID, model.StageGenerate, startedAt)
	out, err := w.generator.Generate(bundle)
	if err != nil {
		return stageResult{stage: model.StageGenerate}, err
	}

	w.saveProgress(ctx, req.ID, model.StagePackage, startedAt)
	artifact, err := w.packager.Package(out)
	if err != nil {
		return stageResult{stage: model.StagePackage}, err
	}

	if cancelled, err := w.cancelled(ctx, req.ID); err != nil {
		return stageResult{stage: model.StageUpload}, err
	} else if cancelled {
		logger.Info(ctx, "export cancelled before upload", zap.String("request_id", req.ID))
		_ = w.progress.Delete(ctx, req.ID)
		return stageResult{outcome: OutcomeCancelled}, nil
	}

	w.saveProgress(ctx, req.ID, model.StageUpload, startedAt)
	stored, err := w.artifacts.Upload(ctx, req.SubjectID, artifact, req.ExpiresAt)
	if err != nil {
		return stageResult{stage: model.StageUpload}, err
	}

	completedAt := w.now()
	size := stored.Size
	checksum := artifact.Checksum
	err = w.transition(ctx, req.ID, repository.StatusUpdate{
		From:             []model.Status{model.StatusProcessing},
		To:               model.StatusCompleted,
		CompletedAt:      &completedAt,
		ArtifactKey:      &stored.Key,
		ArtifactName:     &stored.Name,
		ArtifactChecksum: &checksum,
		ArtifactSize:     &size,
		ArtifactURL:      &stored.URL,
	}, &model.AuditEntry{
		ExportRequestID: req.ID,
		SubjectID:       req.SubjectID,
		Activity:        model.ActivityCompleted,
		Payload: map[string]any{
			"artifact_name": stored.Name,
			"size_bytes":    size,
			"checksum":      checksum,
			"records":       out.RecordCounts,
		},
	})
	if errors.Is(err, repository.ErrStatusConflict) {
		// Cancelled or force-failed meanwhile; the terminal state stands.
		logger.Warn(ctx, "export finished after leaving processing, discarding artifact", zap.String("request_id", req.ID))
		if rmErr := w.artifacts.Remove(ctx, stored.Key); rmErr != nil {
			logger.Error(ctx, "remove discarded artifact failed", zap.String("request_id", req.ID), zap.Error(rmErr))
		}
		_ = w.progress.Delete(ctx, req.ID)
		return stageResult{outcome: OutcomeCancelled}, nil
	}
	if err != nil {
		return stageResult{stage: model.StageUpload}, err
	}

	w.saveProgress(ctx, req.ID, model.StageNotify, startedAt)
	w.notify(ctx, req, completedAt)
	w.saveProgress(ctx, req.ID, model.StageDone, startedAt)
	logger.Info(ctx, "export job completed",
		zap.String("request_id", req.ID),
		zap.String("artifact", stored.Name),
		zap.Int64("size_bytes", size),
		zap.Duration("elapsed", completedAt.Sub(startedAt)),
	)
	return stageResult{stage: model.StageDone, outcome: OutcomeCompleted}, nil
}

func (w *Worker) claim(ctx context.Context, requestID string, startedAt time.Time) (*model.ExportRequest, error) {
	var req *model.ExportRequest
	err := w.withDB(ctx, func(ctx context.Context) error {
		return w.tx.Transaction(ctx, func(tx db.Transaction) error {
			current, err := w.store.GetByID(ctx, tx, requestID)
			if err != nil {
				return err
			}
			if err := w.store.Transition(ctx, tx, requestID, repository.StatusUpdate{
				From:      []model.Status{model.StatusPending},
				To:        model.StatusProcessing,
				StartedAt: &startedAt,
			}); err != nil {
				return err
			}
			if err := w.audit.Append(ctx, tx, w.entry(&model.AuditEntry{
				ExportRequestID: requestID,
				SubjectID:       current.SubjectID,
				Activity:        model.ActivityStarted,
			})); err != nil {
				return err
			}
			repository.StatusUpdate{To: model.StatusProcessing, StartedAt: &startedAt}.Apply(current)
			req = current
			return nil
		})
	})
	return req, err
}

func (w *Worker) cancelled(ctx context.Context, requestID string) (bool, error) {
	var status model.Status
	err := w.withDB(ctx, func(ctx context.Context) error {
		req, err := w.store.GetByID(ctx, nil, requestID)
		if err != nil {
			return err
		}
		status = req.Status
		return nil
	})
	if err != nil {
		return false, err
	}
	return status != model.StatusProcessing, nil
}

func (w *Worker) fail(ctx context.Context, req *model.ExportRequest, stage model.Stage, cause error) (Outcome, error) {
	// The job deadline may be what failed the stage.
	ctx = context.WithoutCancel(ctx)
	message, ok := stageMessages[stage]
	if !ok {
		message = appErr.ExportProcessingFailed.Message()
	}
	if appErr.Is(cause, appErr.ExportArtifactTooLarge) {
		message = appErr.ExportArtifactTooLarge.Message()
	}
	logger.Error(ctx, "export job failed",
		zap.String("request_id", req.ID),
		zap.String("stage", string(stage)),
		zap.Error(cause),
	)

	update := repository.StatusUpdate{
		From:           []model.Status{model.StatusProcessing},
		To:             model.StatusFailed,
		ErrorMessage:   &message,
		IncrementRetry: true,
	}
	err := w.transition(ctx, req.ID, update, &model.AuditEntry{
		ExportRequestID: req.ID,
		SubjectID:       req.SubjectID,
		Activity:        model.ActivityFailed,
		Payload: map[string]any{
			"stage":      string(stage),
			"error_code": int(appErr.GetCode(cause)),
			"message":    message,
		},
	})
	_ = w.progress.Delete(ctx, req.ID)
	if errors.Is(err, repository.ErrStatusConflict) || errors.Is(err, repository.ErrExportNotFound) {
		logger.Warn(ctx, "export failure not recorded, request left processing", zap.String("request_id", req.ID))
		return OutcomeCancelled, nil
	}
	if err != nil {
		return "", fmt.Errorf("record export failure: %w", err)
	}
	update.Apply(req)
	return OutcomeFailed, nil
}

func (w *Worker) notify(ctx context.Context, req *model.ExportRequest, completedAt time.Time) {
	if w.topics.Completed == "" {
		return
	}
	payload, err := json.Marshal(model.CompletedEvent{
		RequestID:   req.ID,
		SubjectID:   req.SubjectID,
		Status:      model.StatusCompleted,
		ExpiresAt:   req.ExpiresAt,
		CompletedAt: completedAt,
	})
	if err != nil {
		logger.Error(ctx, "marshal completion event failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	message := mq.NewMessage(payload)
	message.ID = req.ID
	if err := w.queue.Publish(ctx, w.topics.Completed, message); err != nil {
		logger.Error(ctx, "publish completion event failed", zap.String("request_id", req.ID), zap.Error(err))
	}
}

// transition applies update and appends entry in one transaction.
func (w *Worker) transition(ctx context.Context, requestID string, update repository.StatusUpdate, entry *model.AuditEntry) error {
	return w.withDB(ctx, func(ctx context.Context) error {
		return w.tx.Transaction(ctx, func(tx db.Transaction) error {
			if err := w.store.Transition(ctx, tx, requestID, update); err != nil {
				return err
			}
			return w.audit.Append(ctx, tx, w.entry(entry))
		})
	})
}

func (w *Worker) entry(e *model.AuditEntry) *model.AuditEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = w.now()
	}
	if e.UserAgent == "" {
		e.UserAgent = model.ActorSystem
	}
	return e
}

func (w *Worker) saveProgress(ctx context.Context, requestID string, stage model.Stage, startedAt time.Time) {
	snap := model.NewProgressSnapshot(requestID, stage, startedAt, w.now())
	logger.Debug(ctx, "export stage", zap.String("request_id", requestID), zap.String("stage", string(stage)), zap.Int("percentage", snap.Percentage))
	if err := w.progress.Save(ctx, snap); err != nil {
		logger.Warn(ctx, "save export progress failed", zap.String("request_id", requestID), zap.String("stage", string(stage)), zap.Error(err))
	}
}

func (w *Worker) withDB(ctx context.Context, fn func(ctx context.Context) error) error {
	if w.dbTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, w.dbTimeout)
	defer cancel()
	return fn(ctx)
}
