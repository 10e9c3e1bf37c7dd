package service

import (
	"context"

	"dataport/internal/export/model"
	"dataport/internal/export/repository"
	appErr "dataport/pkg/errors"
	"dataport/pkg/utils/logger"

	"go.uber.org/zap"
)

// ActionInput identifies an owner action on one request.
type ActionInput struct {
	ID        string
	SubjectID string
	ClientIP  string
	UserAgent string
}

// Cancel stops a pending or processing request. The request ends failed
// with a cancellation message; a running worker notices the change and
// discards its output.
func (s *ExportService) Cancel(ctx context.Context, input ActionInput) (*ExportView, error) {
	req, err := s.owned(ctx, input.ID, input.SubjectID)
	if err != nil {
		return nil, err
	}
	if !req.Status.Active() {
		return nil, appErr.New(appErr.ExportInvalidState).WithDetail("status", string(req.Status))
	}
	message := messageCancelled
	update := repository.StatusUpdate{
		From:         []model.Status{model.StatusPending, model.StatusProcessing},
		To:           model.StatusFailed,
		ErrorMessage: &message,
	}
	entry := s.entry(req, model.ActivityFailed, input.ClientIP, input.UserAgent, map[string]any{
		"reason":  model.ReasonCancelled,
		"from":    string(req.Status),
		"message": message,
	})
	if err := s.transition(ctx, req.ID, update, entry); err != nil {
		return nil, err
	}
	update.Apply(req)
	s.dropProgress(ctx, req.ID)
	logger.Info(ctx, "export request cancelled", zap.String("request_id", req.ID))
	return NewView(req, s.now()), nil
}

// Delete withdraws a finished request: the artifact is removed and the row
// is kept as expired for the audit trail.
func (s *ExportService) Delete(ctx context.Context, input ActionInput) error {
	req, err := s.owned(ctx, input.ID, input.SubjectID)
	if err != nil {
		return err
	}
	if req.Status != model.StatusCompleted && req.Status != model.StatusFailed {
		return appErr.New(appErr.ExportInvalidState).WithDetail("status", string(req.Status))
	}
	entry := s.entry(req, model.ActivityDeleted, input.ClientIP, input.UserAgent, map[string]any{"from": string(req.Status)})
	err = s.transition(ctx, req.ID, repository.StatusUpdate{
		From:             []model.Status{model.StatusCompleted, model.StatusFailed},
		To:               model.StatusExpired,
		ClearArtifactURL: true,
	}, entry)
	if err != nil {
		return err
	}
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	if err := s.artifacts.Remove(ctxStorage.ctx, req.ArtifactKey); err != nil {
		logger.Error(ctx, "remove deleted artifact failed", zap.String("request_id", req.ID), zap.Error(err))
	}
	logger.Info(ctx, "export request deleted", zap.String("request_id", req.ID))
	return nil
}

// Retry re-queues a failed request while the owner's retry budget lasts.
func (s *ExportService) Retry(ctx context.Context, input ActionInput) (*ExportView, error) {
	req, err := s.owned(ctx, input.ID, input.SubjectID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if req.Expired(now) {
		return nil, appErr.New(appErr.ExportExpired)
	}
	if err := req.CheckRetry(); err != nil {
		return nil, err
	}
	update := repository.StatusUpdate{
		From:               []model.Status{model.StatusFailed},
		To:                 model.StatusPending,
		ClearTimestamps:    true,
		ClearError:         true,
		IncrementUserRetry: true,
	}
	entry := s.entry(req, model.ActivityRetried, input.ClientIP, input.UserAgent, map[string]any{
		"automatic":        false,
		"user_retry_count": req.UserRetryCount + 1,
	})
	if err := s.transition(ctx, req.ID, update, entry); err != nil {
		return nil, err
	}
	update.Apply(req)

	if err := s.enqueue(ctx, req); err != nil {
		s.markNotQueued(ctx, req, err)
		return nil, err
	}
	logger.Info(ctx, "export request retried",
		zap.String("request_id", req.ID),
		zap.Int("user_retry_count", req.UserRetryCount),
	)
	return NewView(req, now), nil
}

func (s *ExportService) dropProgress(ctx context.Context, id string) {
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.progress.Delete(ctxCache.ctx, id); err != nil {
		logger.Warn(ctx, "delete export progress failed", zap.String("request_id", id), zap.Error(err))
	}
}
