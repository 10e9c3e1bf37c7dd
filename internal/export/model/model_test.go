package model

import (
	"testing"
	"time"

	appErr "dataport/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	all := []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusProcessing}:  true,
		{StatusPending, StatusFailed}:      true,
		{StatusProcessing, StatusCompleted}: true,
		{StatusProcessing, StatusFailed}:   true,
		{StatusCompleted, StatusExpired}:   true,
		{StatusFailed, StatusPending}:      true,
		{StatusFailed, StatusExpired}:      true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			assert.Equalf(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
	assert.False(t, Status("bogus").Valid())
}

func completedRequest(now time.Time) *ExportRequest {
	url := "https://objects.example/signed"
	return &ExportRequest{
		ID:           "req-1",
		SubjectID:    "subj-1",
		Status:       StatusCompleted,
		RequestedAt:  now.Add(-time.Hour),
		ExpiresAt:    now.Add(23 * time.Hour),
		ArtifactURL:  &url,
		MaxDownloads: 10,
		MaxRetries:   3,
	}
}

func TestCheckDownload(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		mutate func(r *ExportRequest)
		want   appErr.ErrorCode
	}{
		{"ok", func(r *ExportRequest) {}, appErr.Success},
		{"expired by clock", func(r *ExportRequest) { r.ExpiresAt = now }, appErr.ExportExpired},
		{"expired status", func(r *ExportRequest) { r.Status = StatusExpired }, appErr.ExportExpired},
		{"processing", func(r *ExportRequest) { r.Status = StatusProcessing; r.ArtifactURL = nil }, appErr.ExportNotCompleted},
		{"limit reached", func(r *ExportRequest) { r.DownloadCount = 10 }, appErr.ExportDownloadLimitReached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := completedRequest(now)
			tt.mutate(r)
			assert.Equal(t, tt.want, appErr.GetCode(r.CheckDownload(now)))
		})
	}
}

func TestVisibleArtifactURLHiddenAfterExpiry(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	r := completedRequest(now)
	require.NotNil(t, r.VisibleArtifactURL(now))
	assert.Nil(t, r.VisibleArtifactURL(r.ExpiresAt.Add(time.Second)))
}

func TestCheckRetry(t *testing.T) {
	r := &ExportRequest{Status: StatusFailed, MaxRetries: 3}
	for i := 0; i < 3; i++ {
		require.NoError(t, r.CheckRetry())
		r.UserRetryCount++
	}
	assert.True(t, appErr.Is(r.CheckRetry(), appErr.ExportRetryExhausted))

	r = &ExportRequest{Status: StatusCompleted, MaxRetries: 3}
	assert.True(t, appErr.Is(r.CheckRetry(), appErr.ExportInvalidState))
}

func TestEffectiveCategories(t *testing.T) {
	c := Categories{Profile: true, Queries: true, Calculations: true, FAQ: true, EInvoices: true}

	assert.Equal(t,
		[]Category{CategoryProfile, CategoryQueries, CategoryCalculations, CategoryEInvoices, CategoryFAQ},
		c.Effective(PrivacyFull))
	assert.Equal(t,
		[]Category{CategoryCalculations, CategoryFAQ},
		c.Effective(PrivacyMinimal))
	assert.True(t, c.Any())
	assert.False(t, Categories{}.Any())
}

func TestProgressSnapshot(t *testing.T) {
	start := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	snap := NewProgressSnapshot("req-1", StageGenerate, start, start.Add(30*time.Second))
	assert.Equal(t, 3, snap.Current)
	assert.Equal(t, 7, snap.Total)
	assert.Equal(t, 42, snap.Percentage)

	eta := snap.EstimatedCompletion()
	require.NotNil(t, eta)
	assert.Equal(t, start.Add(70*time.Second), *eta)

	done := NewProgressSnapshot("req-1", StageDone, start, start.Add(time.Minute))
	assert.Equal(t, 100, done.Percentage)
	assert.Nil(t, done.EstimatedCompletion())

	queued := QueuedSnapshot("req-1", start)
	assert.Equal(t, 0, queued.Percentage)
	assert.Equal(t, StageQueued, queued.Step)
}

func TestColumnsMatchRecordFields(t *testing.T) {
	for _, category := range AllCategories {
		cols := Columns(category)
		require.NotEmptyf(t, cols, "category %s", category)
	}
	assert.Equal(t, []string{"id", "query", "searched_at", "results"}, Columns(CategoryKBSearches))
}
