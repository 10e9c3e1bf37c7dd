package worker

import (
	"context"
	"errors"
	"time"

	"dataport/internal/export/model"
	"dataport/internal/export/repository"
	"dataport/pkg/utils/logger"

	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run subscribes the job handlers and drives the periodic sweeps until ctx
// is done.
func (w *Worker) Run(ctx context.Context) error {
	opts := w.subscribe
	if err := w.queue.SubscribeWithOptions(ctx, w.topics.Requests, w.HandleMessage, &opts); err != nil {
		return err
	}
	if w.topics.Retry != "" {
		retryOpts := w.subscribe
		if retryOpts.ConsumerGroup != "" {
			retryOpts.ConsumerGroup += "-retry"
		}
		if err := w.queue.SubscribeWithOptions(ctx, w.topics.Retry, w.HandleRetry, &retryOpts); err != nil {
			return err
		}
	}
	if err := w.queue.Start(); err != nil {
		return err
	}
	logger.Info(ctx, "export worker started",
		zap.String("topic", w.topics.Requests),
		zap.String("retry_topic", w.topics.Retry),
		zap.Duration("sweep_interval", w.sweepInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.sweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return w.queue.Stop()
	})
	return g.Wait()
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			threading.RunSafe(func() {
				if _, _, err := w.Sweep(ctx); err != nil {
					logger.Error(ctx, "export sweep failed", zap.Error(err))
				}
			})
		}
	}
}

// Sweep force-fails stuck processing requests and expires requests past
// their TTL. It returns how many of each it changed.
func (w *Worker) Sweep(ctx context.Context) (stuck, expired int, err error) {
	stuck, stuckErr := w.SweepStuck(ctx)
	expired, expiredErr := w.SweepExpired(ctx)
	return stuck, expired, errors.Join(stuckErr, expiredErr)
}

// SweepStuck fails requests that stayed processing longer than stuckAfter.
func (w *Worker) SweepStuck(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.stuckAfter)
	var found []*model.ExportRequest
	err := w.withDB(ctx, func(ctx context.Context) error {
		var err error
		found, err = w.store.FindStuck(ctx, cutoff, w.sweepBatch)
		return err
	})
	if err != nil {
		return 0, err
	}

	message := messageTimedOut
	changed := 0
	for _, req := range found {
		err := w.transition(ctx, req.ID, repository.StatusUpdate{
			From:           []model.Status{model.StatusProcessing},
			To:             model.StatusFailed,
			ErrorMessage:   &message,
			IncrementRetry: true,
		}, &model.AuditEntry{
			ExportRequestID: req.ID,
			SubjectID:       req.SubjectID,
			Activity:        model.ActivityFailed,
			Payload:         map[string]any{"reason": model.ReasonTimeout, "stuck_after_seconds": int64(w.stuckAfter / time.Second)},
		})
		if errors.Is(err, repository.ErrStatusConflict) || errors.Is(err, repository.ErrExportNotFound) {
			continue
		}
		if err != nil {
			return changed, err
		}
		_ = w.progress.Delete(ctx, req.ID)
		changed++
		logger.Warn(ctx, "stuck export force-failed", zap.String("request_id", req.ID))
	}
	w.metrics.AddSwept("stuck", changed)
	return changed, nil
}

// SweepExpired moves completed or failed requests past expires_at to
// expired, removing their artifacts and signed URLs.
func (w *Worker) SweepExpired(ctx context.Context) (int, error) {
	now := w.now()
	var found []*model.ExportRequest
	err := w.withDB(ctx, func(ctx context.Context) error {
		var err error
		found, err = w.store.FindExpired(ctx, now, w.sweepBatch)
		return err
	})
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, req := range found {
		if err := w.artifacts.Remove(ctx, req.ArtifactKey); err != nil {
			logger.Error(ctx, "remove expired artifact failed", zap.String("request_id", req.ID), zap.Error(err))
		}
		err := w.transition(ctx, req.ID, repository.StatusUpdate{
			From:             []model.Status{model.StatusCompleted, model.StatusFailed},
			To:               model.StatusExpired,
			ClearArtifactURL: true,
		}, &model.AuditEntry{
			ExportRequestID: req.ID,
			SubjectID:       req.SubjectID,
			Activity:        model.ActivityDeleted,
			Payload:         map[string]any{"reason": model.ReasonExpired, "expires_at": req.ExpiresAt},
		})
		if errors.Is(err, repository.ErrStatusConflict) || errors.Is(err, repository.ErrExportNotFound) {
			continue
		}
		if err != nil {
			return changed, err
		}
		changed++
	}
	w.metrics.AddSwept("expired", changed)
	if changed > 0 {
		logger.Info(ctx, "expired exports swept", zap.Int("count", changed))
	}
	return changed, nil
}
