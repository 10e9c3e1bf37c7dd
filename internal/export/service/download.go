package service

import (
	"context"
	"errors"

	"dataport/internal/export/model"
	"dataport/internal/export/repository"
	appErr "dataport/pkg/errors"
	"dataport/pkg/utils/logger"

	"go.uber.org/zap"
)

// suspiciousIPThreshold is the number of distinct IPs already in the log
// beyond which a download from an unknown IP is flagged.
const suspiciousIPThreshold = 3

// DownloadInput identifies a download attempt.
type DownloadInput struct {
	ID        string
	SubjectID string
	ClientIP  string
	UserAgent string
}

// DownloadResult carries the signed URL the caller is redirected to.
type DownloadResult struct {
	URL        string `json:"url"`
	Name       string `json:"name"`
	Remaining  int    `json:"downloads_remaining"`
	Suspicious bool   `json:"-"`
}

// Download consumes one download of a completed request and returns its
// signed URL. The counter is incremented atomically against the ceiling.
func (s *ExportService) Download(ctx context.Context, input DownloadInput) (*DownloadResult, error) {
	req, err := s.owned(ctx, input.ID, input.SubjectID)
	if err != nil {
		s.metrics.IncDownload("not_found")
		return nil, err
	}
	now := s.now()
	if err := req.CheckDownload(now); err != nil {
		s.metrics.IncDownload(downloadResult(err))
		return nil, err
	}

	ctxDB := withTimeout(ctx, s.timeouts.DB)
	err = s.store.RecordDownload(ctxDB.ctx, req.ID, model.DownloadEntry{IP: input.ClientIP, At: now})
	ctxDB.cancel()
	if err != nil {
		if errors.Is(err, repository.ErrDownloadRejected) || errors.Is(err, repository.ErrExportNotFound) {
			// The row changed between read and increment; report the current guard.
			current, loadErr := s.owned(ctx, input.ID, input.SubjectID)
			if loadErr != nil {
				return nil, loadErr
			}
			guardErr := current.CheckDownload(s.now())
			if guardErr == nil {
				guardErr = appErr.New(appErr.ExportDownloadLimitReached).WithDetail("max_downloads", current.MaxDownloads)
			}
			s.metrics.IncDownload(downloadResult(guardErr))
			return nil, guardErr
		}
		s.metrics.IncDownload("error")
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "record download failed")
	}

	suspicious := isSuspicious(req, input.ClientIP)
	entry := s.entry(req, model.ActivityDownloaded, input.ClientIP, input.UserAgent, map[string]any{
		"download_count": req.DownloadCount + 1,
		"max_downloads":  req.MaxDownloads,
	})
	entry.Suspicious = suspicious
	ctxAudit := withTimeout(ctx, s.timeouts.DB)
	if err := s.audit.Append(ctxAudit.ctx, nil, entry); err != nil {
		logger.Error(ctx, "append download audit failed", zap.String("request_id", req.ID), zap.Error(err))
	}
	ctxAudit.cancel()
	if suspicious {
		logger.Warn(ctx, "suspicious export download",
			zap.String("request_id", req.ID),
			zap.String("ip", input.ClientIP),
			zap.Int("distinct_ips", req.DistinctDownloadIPs()),
		)
	}

	s.metrics.IncDownload("ok")
	return &DownloadResult{
		URL:        *req.ArtifactURL,
		Name:       req.ArtifactName,
		Remaining:  max(req.MaxDownloads-req.DownloadCount-1, 0),
		Suspicious: suspicious,
	}, nil
}

func isSuspicious(req *model.ExportRequest, ip string) bool {
	if ip == "" || ip == req.RequestIP {
		return false
	}
	for _, entry := range req.DownloadLog {
		if entry.IP == ip {
			return false
		}
	}
	return req.DistinctDownloadIPs() >= suspiciousIPThreshold
}

func downloadResult(err error) string {
	switch appErr.GetCode(err) {
	case appErr.ExportExpired:
		return "expired"
	case appErr.ExportNotCompleted:
		return "not_completed"
	case appErr.ExportDownloadLimitReached:
		return "limit_reached"
	case appErr.ExportNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// UpdateInput changes owner-adjustable settings of a completed request.
type UpdateInput struct {
	ID           string
	SubjectID    string
	MaxDownloads *int
	ExtendExpiry bool
	ClientIP     string
	UserAgent    string
}

// Update adjusts the download ceiling and optionally extends the expiry
// once by the configured TTL, re-signing the artifact URL to match.
func (s *ExportService) Update(ctx context.Context, input UpdateInput) (*ExportView, error) {
	if input.MaxDownloads == nil && !input.ExtendExpiry {
		return nil, appErr.ValidationError("body", "nothing to update")
	}
	req, err := s.owned(ctx, input.ID, input.SubjectID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if req.Expired(now) {
		return nil, appErr.New(appErr.ExportExpired)
	}
	if req.Status != model.StatusCompleted {
		return nil, appErr.New(appErr.ExportInvalidState).WithDetail("status", string(req.Status))
	}

	update := repository.SettingsUpdate{ExpectStatus: model.StatusCompleted}
	payload := map[string]any{}
	if input.MaxDownloads != nil {
		if err := s.checkMaxDownloads(*input.MaxDownloads, req.DownloadCount); err != nil {
			return nil, err
		}
		update.MaxDownloads = input.MaxDownloads
		payload["max_downloads"] = *input.MaxDownloads
	}
	if input.ExtendExpiry {
		if req.ExpiryExtended {
			return nil, appErr.New(appErr.ExportInvalidState).WithMessage("expiry was already extended")
		}
		expiresAt := req.ExpiresAt.Add(s.ttl)
		ctxStorage := withTimeout(ctx, s.timeouts.Storage)
		url, err := s.artifacts.Presign(ctxStorage.ctx, req.ArtifactKey, req.ArtifactName, expiresAt)
		ctxStorage.cancel()
		if err != nil {
			return nil, err
		}
		update.ExpiresAt = &expiresAt
		update.ArtifactURL = &url
		payload["expires_at"] = expiresAt
	}

	ctxDB := withTimeout(ctx, s.timeouts.DB)
	err = s.store.UpdateSettings(ctxDB.ctx, req.ID, update)
	ctxDB.cancel()
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) || errors.Is(err, repository.ErrExportNotFound) {
			return nil, appErr.New(appErr.ExportInvalidState)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "update export settings failed")
	}
	update.Apply(req)

	ctxAudit := withTimeout(ctx, s.timeouts.DB)
	if err := s.audit.Append(ctxAudit.ctx, nil, s.entry(req, model.ActivityUpdated, input.ClientIP, input.UserAgent, payload)); err != nil {
		logger.Error(ctx, "append update audit failed", zap.String("request_id", req.ID), zap.Error(err))
	}
	ctxAudit.cancel()
	return NewView(req, now), nil
}
