package service

import (
	"time"

	"dataport/internal/export/model"
)

// ExportView is the owner-facing projection of a request. The signed URL is
// present only while the artifact may be downloaded.
type ExportView struct {
	ID                string             `json:"id"`
	Status            model.Status       `json:"status"`
	Format            model.Format       `json:"format"`
	PrivacyLevel      model.PrivacyLevel `json:"privacy_level"`
	Categories        []model.Category   `json:"categories"`
	Options           model.Options      `json:"options"`
	DateFrom          *time.Time         `json:"date_from,omitempty"`
	DateTo            *time.Time         `json:"date_to,omitempty"`
	RequestedAt       time.Time          `json:"requested_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
	ExpiresAt         time.Time          `json:"expires_at"`
	ArtifactName      string             `json:"artifact_name,omitempty"`
	ArtifactSizeBytes *int64             `json:"artifact_size_bytes,omitempty"`
	ArtifactChecksum  string             `json:"artifact_checksum,omitempty"`
	ArtifactURL       *string            `json:"artifact_url,omitempty"`
	DownloadCount     int                `json:"download_count"`
	MaxDownloads      int                `json:"max_downloads"`
	DownloadsLeft     int                `json:"downloads_remaining"`
	ErrorMessage      *string            `json:"error_message,omitempty"`
	RetryCount        int                `json:"retry_count"`
	UserRetryCount    int                `json:"user_retry_count"`
	MaxRetries        int                `json:"max_retries"`
	CanRetry          bool               `json:"can_retry"`
	ExpiryExtended    bool               `json:"expiry_extended"`
}

// NewView projects req as seen at now.
func NewView(req *model.ExportRequest, now time.Time) *ExportView {
	view := &ExportView{
		ID:             req.ID,
		Status:         req.Status,
		Format:         req.Format,
		PrivacyLevel:   req.PrivacyLevel,
		Categories:     req.Categories.Effective(req.PrivacyLevel),
		Options:        req.Options,
		DateFrom:       req.DateFrom,
		DateTo:         req.DateTo,
		RequestedAt:    req.RequestedAt,
		StartedAt:      req.StartedAt,
		CompletedAt:    req.CompletedAt,
		ExpiresAt:      req.ExpiresAt,
		ArtifactURL:    req.VisibleArtifactURL(now),
		DownloadCount:  req.DownloadCount,
		MaxDownloads:   req.MaxDownloads,
		DownloadsLeft:  max(req.MaxDownloads-req.DownloadCount, 0),
		ErrorMessage:   req.ErrorMessage,
		RetryCount:     req.RetryCount,
		UserRetryCount: req.UserRetryCount,
		MaxRetries:     req.MaxRetries,
		CanRetry:       req.CheckRetry() == nil && !req.Expired(now),
		ExpiryExtended: req.ExpiryExtended,
	}
	if req.Status == model.StatusCompleted {
		view.ArtifactName = req.ArtifactName
		view.ArtifactSizeBytes = req.ArtifactSizeBytes
		view.ArtifactChecksum = req.ArtifactChecksum
	}
	return view
}

// ProgressView is the pipeline position of a request.
type ProgressView struct {
	RequestID           string       `json:"request_id"`
	Status              model.Status `json:"status"`
	Step                model.Stage  `json:"step"`
	Current             int          `json:"current"`
	Total               int          `json:"total"`
	Percent             int          `json:"percent"`
	StartedAt           time.Time    `json:"started_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	EstimatedCompletion *time.Time   `json:"estimated_completion,omitempty"`
}

func newProgressView(status model.Status, snap model.ProgressSnapshot) *ProgressView {
	return &ProgressView{
		RequestID:           snap.ExportRequestID,
		Status:              status,
		Step:                snap.Step,
		Current:             snap.Current,
		Total:               snap.Total,
		Percent:             snap.Percentage,
		StartedAt:           snap.StartedAt,
		UpdatedAt:           snap.UpdatedAt,
		EstimatedCompletion: snap.EstimatedCompletion(),
	}
}
