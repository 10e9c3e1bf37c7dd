package model

import (
	"time"

	appErr "dataport/pkg/errors"
)

// Status is the lifecycle state of an export request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// transitions is the complete lifecycle graph. Anything absent is rejected.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusExpired},
	StatusFailed:     {StatusPending, StatusExpired},
	StatusExpired:    nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether the request still awaits or undergoes processing.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// MessageCancelled is the error message left on a request its owner cancelled.
const MessageCancelled = "cancelled by owner"

// Format selects the serializations produced for an export.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatBoth Format = "both"
)

func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatCSV, FormatBoth:
		return true
	}
	return false
}

// IncludesJSON reports whether a JSON document is produced.
func (f Format) IncludesJSON() bool { return f == FormatJSON || f == FormatBoth }

// IncludesCSV reports whether per-category CSV files are produced.
func (f Format) IncludesCSV() bool { return f == FormatCSV || f == FormatBoth }

// PrivacyLevel controls how sensitive data is treated.
type PrivacyLevel string

const (
	// PrivacyFull exports everything, subject to Options.IncludeSensitive.
	PrivacyFull PrivacyLevel = "full"
	// PrivacyAnonymized replaces PII through the privacy transformer.
	PrivacyAnonymized PrivacyLevel = "anonymized"
	// PrivacyMinimal drops sensitive categories entirely.
	PrivacyMinimal PrivacyLevel = "minimal"
)

func (p PrivacyLevel) Valid() bool {
	switch p {
	case PrivacyFull, PrivacyAnonymized, PrivacyMinimal:
		return true
	}
	return false
}

// Options are the per-request toggles orthogonal to privacy level.
type Options struct {
	// IncludeSensitive keeps sensitive fields under PrivacyFull.
	IncludeSensitive bool `json:"include_sensitive"`
	// Anonymize forces PII replacement regardless of privacy level.
	Anonymize bool `json:"anonymize"`
	// MaskTaxID shows only the trailing 4 characters of tax and VAT ids.
	MaskTaxID bool `json:"mask_tax_id"`
}

// DownloadEntry is one successful artifact download.
type DownloadEntry struct {
	IP string    `json:"ip"`
	At time.Time `json:"at"`
}

// ExportRequest is the durable export entity.
type ExportRequest struct {
	ID          string
	SubjectID   string
	RequestedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiresAt   time.Time

	Status       Status
	Format       Format
	PrivacyLevel PrivacyLevel
	Categories   Categories
	Options      Options
	DateFrom     *time.Time
	DateTo       *time.Time

	ArtifactKey       string
	ArtifactName      string
	ArtifactSizeBytes *int64
	ArtifactURL       *string
	ArtifactChecksum  string

	DownloadCount int
	MaxDownloads  int
	DownloadLog   []DownloadEntry

	ErrorMessage *string
	// RetryCount counts pipeline failures.
	RetryCount int
	MaxRetries int
	// UserRetryCount counts owner-initiated retries, bounded by MaxRetries.
	UserRetryCount int
	ExpiryExtended bool

	RequestIP string
	UserAgent string
}

// Expired reports whether the TTL has elapsed at now.
func (r *ExportRequest) Expired(now time.Time) bool {
	return r.Status == StatusExpired || !now.Before(r.ExpiresAt)
}

// VisibleArtifactURL returns the signed URL only while it may be used.
func (r *ExportRequest) VisibleArtifactURL(now time.Time) *string {
	if r.Status != StatusCompleted || r.Expired(now) {
		return nil
	}
	return r.ArtifactURL
}

// CheckDownload evaluates the download guards without mutating r.
func (r *ExportRequest) CheckDownload(now time.Time) error {
	if r.Expired(now) {
		return appErr.New(appErr.ExportExpired)
	}
	if r.Status != StatusCompleted || r.ArtifactURL == nil {
		return appErr.New(appErr.ExportNotCompleted).WithDetail("status", string(r.Status))
	}
	if r.DownloadCount >= r.MaxDownloads {
		return appErr.New(appErr.ExportDownloadLimitReached).WithDetail("max_downloads", r.MaxDownloads)
	}
	return nil
}

// CheckRetry evaluates whether the owner may retry r.
func (r *ExportRequest) CheckRetry() error {
	if r.Status != StatusFailed {
		return appErr.New(appErr.ExportInvalidState).WithDetail("status", string(r.Status))
	}
	if r.UserRetryCount >= r.MaxRetries {
		return appErr.New(appErr.ExportRetryExhausted).WithDetail("max_retries", r.MaxRetries)
	}
	return nil
}

// DistinctDownloadIPs counts distinct IPs in the download log.
func (r *ExportRequest) DistinctDownloadIPs() int {
	seen := make(map[string]struct{}, len(r.DownloadLog))
	for _, entry := range r.DownloadLog {
		seen[entry.IP] = struct{}{}
	}
	return len(seen)
}
