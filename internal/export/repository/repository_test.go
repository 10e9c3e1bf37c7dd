package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"dataport/internal/common/cache"
	"dataport/internal/common/db"
	"dataport/internal/export/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	query string
	args  []any
}

type recordingDB struct {
	execs    []execCall
	affected int64
	exists   bool
}

func (d *recordingDB) Query(ctx context.Context, query string, args ...any) (db.Rows, error) {
	return nil, sql.ErrConnDone
}

func (d *recordingDB) QueryRow(ctx context.Context, query string, args ...any) db.Row {
	return existsRow{exists: d.exists}
}

func (d *recordingDB) Exec(ctx context.Context, query string, args ...any) (db.Result, error) {
	d.execs = append(d.execs, execCall{query: query, args: args})
	return result(d.affected), nil
}

func (d *recordingDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return fn(nil)
}

func (d *recordingDB) Ping(ctx context.Context) error { return nil }
func (d *recordingDB) Close() error                   { return nil }

type existsRow struct{ exists bool }

func (r existsRow) Scan(dest ...any) error {
	if !r.exists {
		return sql.ErrNoRows
	}
	*(dest[0].(*int)) = 1
	return nil
}

type result int64

func (r result) LastInsertId() (int64, error) { return 0, nil }
func (r result) RowsAffected() (int64, error) { return int64(r), nil }

func TestStatusUpdateValidate(t *testing.T) {
	claim := StatusUpdate{From: []model.Status{model.StatusPending}, To: model.StatusProcessing}
	require.NoError(t, claim.Validate())

	bad := StatusUpdate{From: []model.Status{model.StatusCompleted}, To: model.StatusProcessing}
	assert.Error(t, bad.Validate())
	assert.Error(t, StatusUpdate{To: model.StatusFailed}.Validate())
}

func TestStatusUpdateApplyRetry(t *testing.T) {
	started := time.Now()
	msg := "boom"
	req := &model.ExportRequest{Status: model.StatusFailed, StartedAt: &started, ErrorMessage: &msg, RetryCount: 1}

	StatusUpdate{
		From:               []model.Status{model.StatusFailed},
		To:                 model.StatusPending,
		ClearTimestamps:    true,
		ClearError:         true,
		IncrementUserRetry: true,
	}.Apply(req)

	assert.Equal(t, model.StatusPending, req.Status)
	assert.Nil(t, req.StartedAt)
	assert.Nil(t, req.ErrorMessage)
	assert.Equal(t, 1, req.RetryCount)
	assert.Equal(t, 1, req.UserRetryCount)
}

func TestTransitionBuildsCompareAndSwap(t *testing.T) {
	fake := &recordingDB{affected: 1}
	repo := NewExportRequestRepository(fake)
	msg := "export generation failed"

	err := repo.Transition(context.Background(), nil, "req-1", StatusUpdate{
		From:           []model.Status{model.StatusPending, model.StatusProcessing},
		To:             model.StatusFailed,
		ErrorMessage:   &msg,
		IncrementRetry: true,
	})
	require.NoError(t, err)
	require.Len(t, fake.execs, 1)
	call := fake.execs[0]
	assert.Contains(t, call.query, "status = ?, error_message = ?, retry_count = retry_count + 1")
	assert.Contains(t, call.query, "WHERE id = ? AND status IN (?, ?)")
	assert.Equal(t, []any{"failed", msg, "req-1", "pending", "processing"}, call.args)
}

func TestTransitionPinsAutomaticRetry(t *testing.T) {
	fake := &recordingDB{affected: 1}
	repo := NewExportRequestRepository(fake)
	retries, userRetries := 1, 0
	cancelled := model.MessageCancelled
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	err := repo.Transition(context.Background(), nil, "req-1", StatusUpdate{
		From:                 []model.Status{model.StatusFailed},
		To:                   model.StatusPending,
		ClearError:           true,
		ExpectRetryCount:     &retries,
		ExpectUserRetryCount: &userRetries,
		UnlessErrorMessage:   &cancelled,
		UnexpiredAt:          &now,
	})
	require.NoError(t, err)
	call := fake.execs[0]
	assert.Contains(t, call.query, "WHERE id = ? AND status IN (?) AND retry_count = ? AND user_retry_count = ?"+
		" AND (error_message IS NULL OR error_message <> ?) AND expires_at > ?")
	assert.Equal(t, []any{"pending", "req-1", "failed", 1, 0, cancelled, now}, call.args)
}

func TestStatusUpdateHolds(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	failed := "failed to collect export data"
	cancelled := model.MessageCancelled
	retries, userRetries := 1, 0
	update := StatusUpdate{
		From:                 []model.Status{model.StatusFailed},
		To:                   model.StatusPending,
		ExpectRetryCount:     &retries,
		ExpectUserRetryCount: &userRetries,
		UnlessErrorMessage:   &cancelled,
		UnexpiredAt:          &now,
	}
	req := func() *model.ExportRequest {
		return &model.ExportRequest{Status: model.StatusFailed, ErrorMessage: &failed, RetryCount: 1, ExpiresAt: now.Add(time.Hour)}
	}

	assert.True(t, update.Holds(req()))

	ownerRetried := req()
	ownerRetried.UserRetryCount = 1
	assert.False(t, update.Holds(ownerRetried))

	ownerCancelled := req()
	ownerCancelled.ErrorMessage = &cancelled
	assert.False(t, update.Holds(ownerCancelled))

	failedAgain := req()
	failedAgain.RetryCount = 2
	assert.False(t, update.Holds(failedAgain))

	expired := req()
	expired.ExpiresAt = now
	assert.False(t, update.Holds(expired))

	pending := req()
	pending.Status = model.StatusPending
	assert.False(t, update.Holds(pending))
}

func TestUpdateSettingsUnchangedValueIsNotConflict(t *testing.T) {
	// With clientFoundRows the driver reports the matched row even when
	// the stored value already equals the new one.
	fake := &recordingDB{affected: 1, exists: true}
	limit := 10

	err := NewExportRequestRepository(fake).UpdateSettings(context.Background(), "req-1", SettingsUpdate{
		ExpectStatus: model.StatusCompleted,
		MaxDownloads: &limit,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{10, "req-1", "completed"}, fake.execs[0].args)
}

func TestTransitionConflictAndNotFound(t *testing.T) {
	claim := StatusUpdate{From: []model.Status{model.StatusPending}, To: model.StatusProcessing}

	lost := &recordingDB{affected: 0, exists: true}
	err := NewExportRequestRepository(lost).Transition(context.Background(), nil, "req-1", claim)
	assert.ErrorIs(t, err, ErrStatusConflict)

	missing := &recordingDB{affected: 0, exists: false}
	err = NewExportRequestRepository(missing).Transition(context.Background(), nil, "req-1", claim)
	assert.ErrorIs(t, err, ErrExportNotFound)
}

func TestRecordDownloadIsConditional(t *testing.T) {
	fake := &recordingDB{affected: 0, exists: true}
	repo := NewExportRequestRepository(fake)

	err := repo.RecordDownload(context.Background(), "req-1", model.DownloadEntry{IP: "10.0.0.1", At: time.Now()})
	assert.ErrorIs(t, err, ErrDownloadRejected)
	require.Len(t, fake.execs, 1)
	assert.Contains(t, fake.execs[0].query, "download_count < max_downloads")
	assert.Contains(t, fake.execs[0].query, "expires_at > ?")
}

func TestUpdateSettingsExtendOnce(t *testing.T) {
	fake := &recordingDB{affected: 1}
	repo := NewExportRequestRepository(fake)
	expires := time.Now().Add(48 * time.Hour)

	err := repo.UpdateSettings(context.Background(), "req-1", SettingsUpdate{ExpectStatus: model.StatusCompleted, ExpiresAt: &expires})
	require.NoError(t, err)
	assert.Contains(t, fake.execs[0].query, "expiry_extended = 0")

	req := &model.ExportRequest{Status: model.StatusCompleted, ExpiryExtended: true}
	assert.False(t, SettingsUpdate{ExpectStatus: model.StatusCompleted, ExpiresAt: &expires}.Matches(req))
	limit := 20
	assert.True(t, SettingsUpdate{ExpectStatus: model.StatusCompleted, MaxDownloads: &limit}.Matches(req))
}

func TestProgressRepository(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	require.NoError(t, err)
	repo := NewProgressRepository(client, time.Hour)
	ctx := context.Background()

	_, ok, err := repo.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, ok)

	start := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	snap := model.NewProgressSnapshot("req-1", model.StageCollect, start, start.Add(time.Second))
	require.NoError(t, repo.Save(ctx, snap))

	got, ok, err := repo.Get(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StageCollect, got.Step)
	assert.Equal(t, 28, got.Percentage)
	assert.True(t, start.Equal(got.StartedAt))

	mr.FastForward(2 * time.Hour)
	_, ok, err = repo.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
