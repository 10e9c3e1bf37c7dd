package model

import "time"

// JobMessage is the queue payload that asks a worker to process a request.
type JobMessage struct {
	RequestID  string    `json:"request_id"`
	SubjectID  string    `json:"subject_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// CompletedEvent is published once an artifact is available.
type CompletedEvent struct {
	RequestID   string    `json:"request_id"`
	SubjectID   string    `json:"subject_id"`
	Status      Status    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
	CompletedAt time.Time `json:"completed_at"`
}
