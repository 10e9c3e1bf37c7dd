package model

import "time"

// Stage is one step of the export pipeline.
type Stage string

const (
	StageQueued   Stage = "queued"
	StageInit     Stage = "init"
	StageCollect  Stage = "collect"
	StageGenerate Stage = "generate"
	StagePackage  Stage = "package"
	StageUpload   Stage = "upload"
	StageNotify   Stage = "notify"
	StageDone     Stage = "done"
)

// PipelineStages is the ordered stage list reported by the worker.
var PipelineStages = []Stage{StageInit, StageCollect, StageGenerate, StagePackage, StageUpload, StageNotify, StageDone}

// Ordinal returns the 1-based position of s, or 0 for queued/unknown.
func (s Stage) Ordinal() int {
	for i, stage := range PipelineStages {
		if stage == s {
			return i + 1
		}
	}
	return 0
}

// ProgressSnapshot is the ephemeral, non-authoritative pipeline position.
type ProgressSnapshot struct {
	ExportRequestID string    `json:"export_request_id"`
	Step            Stage     `json:"step"`
	Current         int       `json:"current"`
	Total           int       `json:"total"`
	Percentage      int       `json:"percentage"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewProgressSnapshot builds a snapshot for stage with a derived percentage.
func NewProgressSnapshot(requestID string, stage Stage, startedAt, now time.Time) ProgressSnapshot {
	total := len(PipelineStages)
	current := stage.Ordinal()
	return ProgressSnapshot{
		ExportRequestID: requestID,
		Step:            stage,
		Current:         current,
		Total:           total,
		Percentage:      current * 100 / total,
		StartedAt:       startedAt,
		UpdatedAt:       now,
	}
}

// QueuedSnapshot is reported when no snapshot exists for an active request.
func QueuedSnapshot(requestID string, now time.Time) ProgressSnapshot {
	return ProgressSnapshot{
		ExportRequestID: requestID,
		Step:            StageQueued,
		Total:           len(PipelineStages),
		UpdatedAt:       now,
	}
}

// EstimatedCompletion extrapolates the finish time from the average stage
// duration so far. It returns nil before the first stage completes or once done.
func (p ProgressSnapshot) EstimatedCompletion() *time.Time {
	if p.Current <= 0 || p.Current >= p.Total || p.StartedAt.IsZero() {
		return nil
	}
	elapsed := p.UpdatedAt.Sub(p.StartedAt)
	if elapsed <= 0 {
		return nil
	}
	perStage := elapsed / time.Duration(p.Current)
	eta := p.UpdatedAt.Add(perStage * time.Duration(p.Total-p.Current))
	return &eta
}
