package model

import "time"

// Activity is the kind of lifecycle event recorded in the audit trail.
type Activity string

const (
	ActivityRequested  Activity = "requested"
	ActivityStarted    Activity = "started"
	ActivityCompleted  Activity = "completed"
	ActivityFailed     Activity = "failed"
	ActivityDownloaded Activity = "downloaded"
	ActivityUpdated    Activity = "updated"
	ActivityDeleted    Activity = "deleted"
	ActivityRetried    Activity = "retried"
)

// Reasons carried in the payload of failed and deleted entries that were
// not produced by a pipeline failure or an owner delete.
const (
	ReasonCancelled = "cancelled"
	ReasonExpired   = "expired"
	ReasonTimeout   = "timeout"
)

// ActorSystem marks audit entries produced by the worker or sweeps.
const ActorSystem = "system"

// AuditEntry is one append-only activity record.
type AuditEntry struct {
	ID              string
	ExportRequestID string
	SubjectID       string
	Activity        Activity
	OccurredAt      time.Time
	IP              string
	UserAgent       string
	Payload         map[string]any
	Suspicious      bool
}
