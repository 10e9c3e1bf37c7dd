package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dataport/internal/common/db"
	"dataport/internal/export/model"
	"dataport/pkg/repository"
)

var (
	ErrExportNotFound   = fmt.Errorf("export request: %w", repository.ErrNotFound)
	ErrStatusConflict   = fmt.Errorf("export request status changed: %w", repository.ErrConflict)
	ErrDownloadRejected = fmt.Errorf("export download rejected: %w", repository.ErrConflict)
)

// StatusUpdate is a compare-and-swap lifecycle transition. The row moves to
// To only while its status is one of From; the optional fields are written
// in the same statement.
type StatusUpdate struct {
	From []model.Status
	To   model.Status

	StartedAt   *time.Time
	CompletedAt *time.Time
	// ClearTimestamps resets started_at and completed_at.
	ClearTimestamps bool

	ErrorMessage *string
	ClearError   bool

	ArtifactKey      *string
	ArtifactName     *string
	ArtifactChecksum *string
	ArtifactSize     *int64
	ArtifactURL      *string
	ClearArtifactURL bool

	IncrementRetry     bool
	IncrementUserRetry bool

	// Extra preconditions checked in the same statement as From.
	ExpectRetryCount     *int
	ExpectUserRetryCount *int
	// UnlessErrorMessage rejects rows carrying exactly this error message.
	UnlessErrorMessage *string
	// UnexpiredAt requires expires_at to lie after it.
	UnexpiredAt *time.Time
}

// Validate rejects updates that leave the lifecycle graph.
func (u StatusUpdate) Validate() error {
	if len(u.From) == 0 {
		return errors.New("from status is required")
	}
	for _, from := range u.From {
		if !from.CanTransitionTo(u.To) {
			return fmt.Errorf("transition %s -> %s is not allowed", from, u.To)
		}
	}
	return nil
}

// Matches reports whether status satisfies the CAS precondition.
func (u StatusUpdate) Matches(status model.Status) bool {
	for _, from := range u.From {
		if from == status {
			return true
		}
	}
	return false
}

// Holds reports whether r satisfies every precondition of the update.
func (u StatusUpdate) Holds(r *model.ExportRequest) bool {
	if !u.Matches(r.Status) {
		return false
	}
	if u.ExpectRetryCount != nil && r.RetryCount != *u.ExpectRetryCount {
		return false
	}
	if u.ExpectUserRetryCount != nil && r.UserRetryCount != *u.ExpectUserRetryCount {
		return false
	}
	if u.UnlessErrorMessage != nil && r.ErrorMessage != nil && *r.ErrorMessage == *u.UnlessErrorMessage {
		return false
	}
	if u.UnexpiredAt != nil && !r.ExpiresAt.After(*u.UnexpiredAt) {
		return false
	}
	return true
}

// Apply mutates r as the database statement would.
func (u StatusUpdate) Apply(r *model.ExportRequest) {
	r.Status = u.To
	if u.ClearTimestamps {
		r.StartedAt = nil
		r.CompletedAt = nil
	}
	if u.StartedAt != nil {
		r.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		r.CompletedAt = u.CompletedAt
	}
	if u.ClearError {
		r.ErrorMessage = nil
	}
	if u.ErrorMessage != nil {
		r.ErrorMessage = u.ErrorMessage
	}
	if u.ArtifactKey != nil {
		r.ArtifactKey = *u.ArtifactKey
	}
	if u.ArtifactName != nil {
		r.ArtifactName = *u.ArtifactName
	}
	if u.ArtifactChecksum != nil {
		r.ArtifactChecksum = *u.ArtifactChecksum
	}
	if u.ArtifactSize != nil {
		r.ArtifactSizeBytes = u.ArtifactSize
	}
	if u.ClearArtifactURL {
		r.ArtifactURL = nil
	}
	if u.ArtifactURL != nil {
		r.ArtifactURL = u.ArtifactURL
	}
	if u.IncrementRetry {
		r.RetryCount++
	}
	if u.IncrementUserRetry {
		r.UserRetryCount++
	}
}

// SettingsUpdate changes owner-adjustable settings while the request is
// still in ExpectStatus.
type SettingsUpdate struct {
	ExpectStatus model.Status
	MaxDownloads *int
	// ExpiresAt extends the window once; the update fails if it was already extended.
	ExpiresAt   *time.Time
	ArtifactURL *string
}

// Matches reports whether r satisfies the update's precondition.
func (u SettingsUpdate) Matches(r *model.ExportRequest) bool {
	if r.Status != u.ExpectStatus {
		return false
	}
	if u.ExpiresAt != nil && r.ExpiryExtended {
		return false
	}
	return true
}

// Apply mutates r as the database statement would.
func (u SettingsUpdate) Apply(r *model.ExportRequest) {
	if u.MaxDownloads != nil {
		r.MaxDownloads = *u.MaxDownloads
	}
	if u.ExpiresAt != nil {
		r.ExpiresAt = *u.ExpiresAt
		r.ExpiryExtended = true
	}
	if u.ArtifactURL != nil {
		r.ArtifactURL = u.ArtifactURL
	}
}

// ExportRequestRepository persists export requests and their lifecycle.
type ExportRequestRepository interface {
	Create(ctx context.Context, tx db.Transaction, req *model.ExportRequest) error
	GetByID(ctx context.Context, tx db.Transaction, id string) (*model.ExportRequest, error)
	ListBySubject(ctx context.Context, subjectID string, opts repository.ListOptions) ([]*model.ExportRequest, int64, error)
	// LockSubject serializes quota checks of one subject inside tx.
	LockSubject(ctx context.Context, tx db.Transaction, subjectID string) error
	// CountRequestedSince returns the number of requests at or after since
	// and the oldest such requested_at.
	CountRequestedSince(ctx context.Context, tx db.Transaction, subjectID string, since time.Time) (int, *time.Time, error)
	Transition(ctx context.Context, tx db.Transaction, id string, update StatusUpdate) error
	// RecordDownload increments download_count and appends entry only while
	// the request is completed, unexpired at entry.At and under its ceiling.
	RecordDownload(ctx context.Context, id string, entry model.DownloadEntry) error
	UpdateSettings(ctx context.Context, id string, update SettingsUpdate) error
	FindStuck(ctx context.Context, startedBefore time.Time, limit int) ([]*model.ExportRequest, error)
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*model.ExportRequest, error)
}

// MySQLExportRequestRepository implements ExportRequestRepository with MySQL.
type MySQLExportRequestRepository struct {
	db db.Database
}

// NewExportRequestRepository creates a MySQL-backed repository.
func NewExportRequestRepository(database db.Database) *MySQLExportRequestRepository {
	return &MySQLExportRequestRepository{db: database}
}

const exportRequestColumns = "id, subject_id, requested_at, started_at, completed_at, expires_at, status, format, privacy_level, " +
	"categories, options, date_from, date_to, artifact_key, artifact_name, artifact_size_bytes, artifact_url, artifact_checksum, " +
	"download_count, max_downloads, download_ip_log, error_message, retry_count, max_retries, user_retry_count, expiry_extended, " +
	"request_ip, user_agent"

// Create inserts a pending request.
func (r *MySQLExportRequestRepository) Create(ctx context.Context, tx db.Transaction, req *model.ExportRequest) error {
	if req == nil {
		return errors.New("export request is nil")
	}
	if req.ID == "" {
		return errors.New("id is required")
	}
	if req.SubjectID == "" {
		return errors.New("subjectID is required")
	}
	if req.ExpiresAt.Before(req.RequestedAt) {
		return errors.New("expiresAt precedes requestedAt")
	}
	categories, err := json.Marshal(req.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories failed: %w", err)
	}
	options, err := json.Marshal(req.Options)
	if err != nil {
		return fmt.Errorf("marshal options failed: %w", err)
	}

	query := `
		INSERT INTO export_requests
		(id, subject_id, requested_at, expires_at, status, format, privacy_level, categories, options,
		 date_from, date_to, download_count, max_downloads, download_ip_log, retry_count, max_retries,
		 user_retry_count, expiry_extended, request_ip, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, JSON_ARRAY(), 0, ?, 0, 0, ?, ?)
	`
	_, err = db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		req.ID,
		req.SubjectID,
		req.RequestedAt.UTC(),
		req.ExpiresAt.UTC(),
		string(req.Status),
		string(req.Format),
		string(req.PrivacyLevel),
		categories,
		options,
		utcPtr(req.DateFrom),
		utcPtr(req.DateTo),
		req.MaxDownloads,
		req.MaxRetries,
		req.RequestIP,
		req.UserAgent,
	)
	if key, dup := db.UniqueViolation(err); dup {
		return fmt.Errorf("export request %s duplicates key %s: %w", req.ID, key, repository.ErrConflict)
	}
	return err
}

// GetByID loads one request.
func (r *MySQLExportRequestRepository) GetByID(ctx context.Context, tx db.Transaction, id string) (*model.ExportRequest, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	query := "SELECT " + exportRequestColumns + " FROM export_requests WHERE id = ? LIMIT 1"
	req, err := scanExportRequest(db.GetQuerier(r.db, tx).QueryRow(ctx, query, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrExportNotFound
		}
		return nil, err
	}
	return req, nil
}

// ListBySubject returns the subject's requests, newest first, and the total count.
func (r *MySQLExportRequestRepository) ListBySubject(ctx context.Context, subjectID string, opts repository.ListOptions) ([]*model.ExportRequest, int64, error) {
	if subjectID == "" {
		return nil, 0, errors.New("subjectID is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, 0, err
	}
	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM export_requests WHERE subject_id = ?", subjectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := "SELECT " + exportRequestColumns + " FROM export_requests WHERE subject_id = ? ORDER BY requested_at DESC, id DESC LIMIT ? OFFSET ?"
	items, err := r.queryList(ctx, query, subjectID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// LockSubject takes the per-subject quota row lock for the rest of tx.
func (r *MySQLExportRequestRepository) LockSubject(ctx context.Context, tx db.Transaction, subjectID string) error {
	if tx == nil {
		return errors.New("transaction is required")
	}
	_, err := tx.Exec(ctx, "INSERT INTO export_quota_locks (subject_id) VALUES (?) ON DUPLICATE KEY UPDATE subject_id = subject_id", subjectID)
	return err
}

// CountRequestedSince counts the subject's requests in the window.
func (r *MySQLExportRequestRepository) CountRequestedSince(ctx context.Context, tx db.Transaction, subjectID string, since time.Time) (int, *time.Time, error) {
	query := "SELECT COUNT(*), MIN(requested_at) FROM export_requests WHERE subject_id = ? AND requested_at >= ?"
	var count int
	var oldest *time.Time
	if err := db.GetQuerier(r.db, tx).QueryRow(ctx, query, subjectID, since.UTC()).Scan(&count, &oldest); err != nil {
		return 0, nil, err
	}
	return count, oldest, nil
}

// Transition applies update when the current status matches.
func (r *MySQLExportRequestRepository) Transition(ctx context.Context, tx db.Transaction, id string, update StatusUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	sets := []string{"status = ?"}
	args := []any{string(update.To)}
	if update.ClearTimestamps {
		sets = append(sets, "started_at = NULL", "completed_at = NULL")
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC())
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	} else if update.ClearError {
		sets = append(sets, "error_message = NULL")
	}
	if update.ArtifactKey != nil {
		sets = append(sets, "artifact_key = ?")
		args = append(args, *update.ArtifactKey)
	}
	if update.ArtifactName != nil {
		sets = append(sets, "artifact_name = ?")
		args = append(args, *update.ArtifactName)
	}
	if update.ArtifactChecksum != nil {
		sets = append(sets, "artifact_checksum = ?")
		args = append(args, *update.ArtifactChecksum)
	}
	if update.ArtifactSize != nil {
		sets = append(sets, "artifact_size_bytes = ?")
		args = append(args, *update.ArtifactSize)
	}
	if update.ArtifactURL != nil {
		sets = append(sets, "artifact_url = ?")
		args = append(args, *update.ArtifactURL)
	} else if update.ClearArtifactURL {
		sets = append(sets, "artifact_url = NULL")
	}
	if update.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	if update.IncrementUserRetry {
		sets = append(sets, "user_retry_count = user_retry_count + 1")
	}

	query := "UPDATE export_requests SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND status IN (" + db.Placeholders(len(update.From)) + ")"
	args = append(args, id)
	for _, from := range update.From {
		args = append(args, string(from))
	}
	if update.ExpectRetryCount != nil {
		query += " AND retry_count = ?"
		args = append(args, *update.ExpectRetryCount)
	}
	if update.ExpectUserRetryCount != nil {
		query += " AND user_retry_count = ?"
		args = append(args, *update.ExpectUserRetryCount)
	}
	if update.UnlessErrorMessage != nil {
		query += " AND (error_message IS NULL OR error_message <> ?)"
		args = append(args, *update.UnlessErrorMessage)
	}
	if update.UnexpiredAt != nil {
		query += " AND expires_at > ?"
		args = append(args, update.UnexpiredAt.UTC())
	}
	res, err := db.GetQuerier(r.db, tx).Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	return r.checkAffected(ctx, tx, id, res, ErrStatusConflict)
}

// RecordDownload performs the conditional increment and log append.
func (r *MySQLExportRequestRepository) RecordDownload(ctx context.Context, id string, entry model.DownloadEntry) error {
	query := `
		UPDATE export_requests
		SET download_count = download_count + 1,
		    download_ip_log = JSON_ARRAY_APPEND(COALESCE(download_ip_log, JSON_ARRAY()), '$', JSON_OBJECT('ip', ?, 'at', ?))
		WHERE id = ? AND status = ? AND artifact_url IS NOT NULL AND expires_at > ? AND download_count < max_downloads
	`
	res, err := r.db.Exec(
		ctx,
		query,
		entry.IP,
		entry.At.UTC().Format(time.RFC3339Nano),
		id,
		string(model.StatusCompleted),
		entry.At.UTC(),
	)
	if err != nil {
		return err
	}
	return r.checkAffected(ctx, nil, id, res, ErrDownloadRejected)
}

// UpdateSettings applies owner-adjustable settings.
func (r *MySQLExportRequestRepository) UpdateSettings(ctx context.Context, id string, update SettingsUpdate) error {
	var sets []string
	var args []any
	if update.MaxDownloads != nil {
		sets = append(sets, "max_downloads = ?")
		args = append(args, *update.MaxDownloads)
	}
	if update.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?", "expiry_extended = 1")
		args = append(args, update.ExpiresAt.UTC())
	}
	if update.ArtifactURL != nil {
		sets = append(sets, "artifact_url = ?")
		args = append(args, *update.ArtifactURL)
	}
	if len(sets) == 0 {
		return nil
	}
	query := "UPDATE export_requests SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status = ?"
	args = append(args, id, string(update.ExpectStatus))
	if update.ExpiresAt != nil {
		query += " AND expiry_extended = 0"
	}
	res, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	return r.checkAffected(ctx, nil, id, res, ErrStatusConflict)
}

// FindStuck returns processing requests started before the cutoff.
func (r *MySQLExportRequestRepository) FindStuck(ctx context.Context, startedBefore time.Time, limit int) ([]*model.ExportRequest, error) {
	query := "SELECT " + exportRequestColumns + " FROM export_requests WHERE status = ? AND started_at < ? ORDER BY started_at LIMIT ?"
	return r.queryList(ctx, query, string(model.StatusProcessing), startedBefore.UTC(), limit)
}

// FindExpired returns completed or failed requests past their expiry.
func (r *MySQLExportRequestRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*model.ExportRequest, error) {
	query := "SELECT " + exportRequestColumns + " FROM export_requests WHERE status IN (?, ?) AND expires_at <= ? ORDER BY expires_at LIMIT ?"
	return r.queryList(ctx, query, string(model.StatusCompleted), string(model.StatusFailed), now.UTC(), limit)
}

func (r *MySQLExportRequestRepository) queryList(ctx context.Context, query string, args ...any) ([]*model.ExportRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ExportRequest
	for rows.Next() {
		req, err := scanExportRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// checkAffected distinguishes a lost race from a missing row.
func (r *MySQLExportRequestRepository) checkAffected(ctx context.Context, tx db.Transaction, id string, res db.Result, conflict error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var exists int
	err = db.GetQuerier(r.db, tx).QueryRow(ctx, "SELECT 1 FROM export_requests WHERE id = ? LIMIT 1", id).Scan(&exists)
	if err != nil {
		if db.IsNoRows(err) {
			return ErrExportNotFound
		}
		return err
	}
	return conflict
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExportRequest(row scanner) (*model.ExportRequest, error) {
	req := &model.ExportRequest{}
	var (
		status, format, privacy   string
		categories, options, dlog []byte
	)
	if err := row.Scan(
		&req.ID,
		&req.SubjectID,
		&req.RequestedAt,
		&req.StartedAt,
		&req.CompletedAt,
		&req.ExpiresAt,
		&status,
		&format,
		&privacy,
		&categories,
		&options,
		&req.DateFrom,
		&req.DateTo,
		&req.ArtifactKey,
		&req.ArtifactName,
		&req.ArtifactSizeBytes,
		&req.ArtifactURL,
		&req.ArtifactChecksum,
		&req.DownloadCount,
		&req.MaxDownloads,
		&dlog,
		&req.ErrorMessage,
		&req.RetryCount,
		&req.MaxRetries,
		&req.UserRetryCount,
		&req.ExpiryExtended,
		&req.RequestIP,
		&req.UserAgent,
	); err != nil {
		return nil, err
	}
	req.Status = model.Status(status)
	req.Format = model.Format(format)
	req.PrivacyLevel = model.PrivacyLevel(privacy)
	if !req.Status.Valid() {
		return nil, fmt.Errorf("unknown export status %q", status)
	}
	if len(categories) > 0 {
		if err := json.Unmarshal(categories, &req.Categories); err != nil {
			return nil, fmt.Errorf("decode categories failed: %w", err)
		}
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &req.Options); err != nil {
			return nil, fmt.Errorf("decode options failed: %w", err)
		}
	}
	if len(dlog) > 0 {
		if err := json.Unmarshal(dlog, &req.DownloadLog); err != nil {
			return nil, fmt.Errorf("decode download log failed: %w", err)
		}
	}
	return req, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
