package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"dataport/internal/common/db"
	"dataport/internal/export/model"
)

// AuditRepository is the append-only activity log.
type AuditRepository interface {
	Append(ctx context.Context, tx db.Transaction, entry *model.AuditEntry) error
	ListByRequest(ctx context.Context, requestID string) ([]model.AuditEntry, error)
}

// MySQLAuditRepository implements AuditRepository with MySQL.
type MySQLAuditRepository struct {
	db db.Database
}

// NewAuditRepository creates a MySQL-backed audit repository.
func NewAuditRepository(database db.Database) *MySQLAuditRepository {
	return &MySQLAuditRepository{db: database}
}

// Append inserts one entry.
func (r *MySQLAuditRepository) Append(ctx context.Context, tx db.Transaction, entry *model.AuditEntry) error {
	if entry == nil {
		return errors.New("audit entry is nil")
	}
	if entry.ID == "" || entry.ExportRequestID == "" {
		return errors.New("id and exportRequestID are required")
	}
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload failed: %w", err)
	}
	query := `
		INSERT INTO export_audit_entries
		(id, export_request_id, subject_id, activity_type, occurred_at, ip, user_agent, payload, suspicious)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		entry.ID,
		entry.ExportRequestID,
		entry.SubjectID,
		string(entry.Activity),
		entry.OccurredAt.UTC(),
		entry.IP,
		entry.UserAgent,
		payload,
		entry.Suspicious,
	)
	return err
}

// ListByRequest returns entries of one request in occurrence order.
func (r *MySQLAuditRepository) ListByRequest(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	query := `
		SELECT id, export_request_id, subject_id, activity_type, occurred_at, ip, user_agent, payload, suspicious
		FROM export_audit_entries WHERE export_request_id = ? ORDER BY occurred_at, id
	`
	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			entry    model.AuditEntry
			activity string
			payload  []byte
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.ExportRequestID,
			&entry.SubjectID,
			&activity,
			&entry.OccurredAt,
			&entry.IP,
			&entry.UserAgent,
			&payload,
			&entry.Suspicious,
		); err != nil {
			return nil, err
		}
		entry.Activity = model.Activity(activity)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload failed: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
