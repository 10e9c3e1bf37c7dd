package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"dataport/internal/common/mq"
	"dataport/internal/export/collector"
	"dataport/internal/export/exporttest"
	"dataport/internal/export/generator"
	"dataport/internal/export/model"
	"dataport/internal/export/packager"
	"dataport/internal/export/repository"
	"dataport/internal/export/uploader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var topics = Topics{
	Requests:   "export.requests",
	Retry:      "export.requests.retry",
	DeadLetter: "export.requests.dlq",
	Completed:  "export.completed",
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	worker   *Worker
	store    *exporttest.MemoryStore
	audit    *exporttest.MemoryAudit
	storage  *exporttest.MemoryStorage
	queue    *exporttest.MemoryQueue
	progress *exporttest.MemoryProgress
	reads    *exporttest.StaticReadModel
	clock    *clock
}

type option func(*Config)

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)}
	f := &fixture{
		store:    exporttest.NewMemoryStore(),
		audit:    exporttest.NewMemoryAudit(),
		storage:  exporttest.NewMemoryStorage(),
		queue:    exporttest.NewMemoryQueue(),
		progress: exporttest.NewMemoryProgress(),
		reads:    exporttest.SampleReadModel(clk.Now()),
		clock:    clk,
	}
	coll, err := collector.NewCollector(f.reads, collector.Config{Now: clk.Now})
	require.NoError(t, err)
	formatter, err := generator.NewFormatter("it", "UTC")
	require.NoError(t, err)
	gen, err := generator.NewGenerator(formatter)
	require.NoError(t, err)
	up, err := uploader.NewUploader(uploader.Config{Storage: f.storage, Bucket: "exports", KeyPrefix: "gdpr", Now: clk.Now})
	require.NoError(t, err)

	cfg := Config{
		Store:     f.store,
		Audit:     f.audit,
		Tx:        exporttest.NewTransactor(f.store, f.audit),
		Progress:  f.progress,
		Collector: coll,
		Generator: gen,
		Packager:  packager.NewPackager(packager.Config{Now: clk.Now}),
		Artifacts: up,
		Queue:     f.queue,
		Topics:    topics,
		Now:       clk.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.worker, err = NewWorker(cfg)
	require.NoError(t, err)
	require.NoError(t, f.worker.Run(canceledContext()))
	return f
}

func canceledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func (f *fixture) pending(id string) *model.ExportRequest {
	now := f.clock.Now()
	req := &model.ExportRequest{
		ID:           id,
		SubjectID:    "subj-1",
		RequestedAt:  now,
		ExpiresAt:    now.Add(24 * time.Hour),
		Status:       model.StatusPending,
		Format:       model.FormatBoth,
		PrivacyLevel: model.PrivacyAnonymized,
		Categories:   model.Categories{Profile: true, Queries: true, Calculations: true},
		MaxDownloads: 10,
		MaxRetries:   3,
	}
	f.store.Put(req)
	return req
}

func jobMessage(t *testing.T, id string) *mq.Message {
	t.Helper()
	body, err := json.Marshal(model.JobMessage{RequestID: id, SubjectID: "subj-1"})
	require.NoError(t, err)
	msg := mq.NewMessage(body)
	msg.ID = id
	return msg
}

func TestProcessCompletesRequest(t *testing.T) {
	f := newFixture(t)
	f.pending("req-1")

	require.NoError(t, f.queue.Deliver(context.Background(), topics.Requests, jobMessage(t, "req-1")))

	got := f.store.Get("req-1")
	require.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ArtifactURL)
	assert.Contains(t, *got.ArtifactURL, "https://storage.test/exports/gdpr/subj-1/")
	assert.Equal(t, "gdpr/subj-1/"+got.ArtifactName, got.ArtifactKey)
	assert.Len(t, got.ArtifactChecksum, 64)

	data, ok := f.storage.Object("exports", got.ArtifactKey)
	require.True(t, ok)
	assert.Equal(t, *got.ArtifactSizeBytes, int64(len(data)))
	assert.NotContains(t, string(data), "mario.rossi@example.com")

	assert.Equal(t, []model.Activity{model.ActivityStarted, model.ActivityCompleted}, f.audit.Activities("req-1"))
	assert.Equal(t, model.PipelineStages, f.progress.Steps("req-1"))
	snap, ok, err := f.progress.Get(context.Background(), "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100, snap.Percentage)

	events := f.queue.Published(topics.Completed)
	require.Len(t, events, 1)
	var event model.CompletedEvent
	require.NoError(t, json.Unmarshal(events[0].Body, &event))
	assert.Equal(t, "req-1", event.RequestID)
	assert.Equal(t, model.StatusCompleted, event.Status)
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	f.pending("req-1")

	outcome, err := f.worker.Process(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)

	outcome, err = f.worker.Process(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Len(t, f.audit.Activities("req-1"), 2)
	assert.Len(t, f.queue.Published(topics.Completed), 1)
}

func TestConcurrentClaimsRunOnce(t *testing.T) {
	f := newFixture(t)
	f.pending("req-1")

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = f.worker.Process(context.Background(), "req-1")
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, o := range outcomes {
		if o == OutcomeCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, model.StatusCompleted, f.store.Get("req-1").Status)
}

func TestClaimAuditFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	f.pending("req-1")
	f.audit.AppendErr = errors.New("audit table unavailable")

	_, err := f.worker.Process(context.Background(), "req-1")
	require.Error(t, err)

	got := f.store.Get("req-1")
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Empty(t, f.audit.Activities("req-1"))

	f.audit.AppendErr = nil
	outcome, err := f.worker.Process(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}

func TestFailureRecordsSafeMessageAndDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.pending("req-1")
	f.reads.Err = errors.New("dial tcp 10.0.0.7:3306: connection refused")

	require.NoError(t, f.queue.Deliver(context.Background(), topics.Requests, jobMessage(t, "req-1")))

	got := f.store.Get("req-1")
	require.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "failed to collect export data", *got.ErrorMessage)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, []model.Activity{model.ActivityStarted, model.ActivityFailed}, f.audit.Activities("req-1"))

	_, ok, _ := f.progress.Get(context.Background(), "req-1")
	assert.False(t, ok)
	assert.Empty(t, f.queue.Published(topics.Retry))
	require.Len(t, f.queue.Published(topics.DeadLetter), 1)
}

func TestAutomaticRequeueThenSuccess(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutoRetryMax = 1 })
	f.pending("req-1")
	f.reads.Err = errors.New("timeout")

	require.NoError(t, f.queue.Deliver(context.Background(), topics.Requests, jobMessage(t, "req-1")))
	retries := f.queue.Published(topics.Retry)
	require.Len(t, retries, 1)
	assert.Equal(t, 1, ParseAttempt(retries[0].Headers))
	state, ok := ParseFailureState(retries[0].Headers)
	require.True(t, ok)
	assert.Equal(t, FailureState{RetryCount: 1, UserRetryCount: 0}, state)
	assert.Equal(t, model.StatusFailed, f.store.Get("req-1").Status)

	f.reads.Err = nil
	require.NoError(t, f.queue.Deliver(context.Background(), topics.Retry, retries[0]))

	got := f.store.Get("req-1")
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 0, got.UserRetryCount)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, []model.Activity{
		model.ActivityStarted, model.ActivityFailed, model.ActivityRetried, model.ActivityStarted, model.ActivityCompleted,
	}, f.audit.Activities("req-1"))
}

func TestAutomaticRetryKeepsOwnerCancellation(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutoRetryMax = 1 })
	f.pending("req-1")
	f.reads.Err = errors.New("timeout")

	require.NoError(t, f.queue.Deliver(context.Background(), topics.Requests, jobMessage(t, "req-1")))
	retries := f.queue.Published(topics.Retry)
	require.Len(t, retries, 1)

	// The owner retries and then cancels while the requeue waits out its backoff.
	ctx := context.Background()
	require.NoError(t, f.store.Transition(ctx, nil, "req-1", repository.StatusUpdate{
		From: []model.Status{model.StatusFailed}, To: model.StatusPending,
		ClearTimestamps: true, ClearError: true, IncrementUserRetry: true,
	}))
	cancelled := model.MessageCancelled
	require.NoError(t, f.store.Transition(ctx, nil, "req-1", repository.StatusUpdate{
		From: []model.Status{model.StatusPending}, To: model.StatusFailed, ErrorMessage: &cancelled,
	}))

	f.reads.Err = nil
	require.NoError(t, f.queue.Deliver(ctx, topics.Retry, retries[0]))

	got := f.store.Get("req-1")
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, model.MessageCancelled, *got.ErrorMessage)
	assert.Nil(t, got.ArtifactURL)
	assert.Equal(t, []model.Activity{model.ActivityStarted, model.ActivityFailed}, f.audit.Activities("req-1"))
	assert.Empty(t, f.queue.Published(topics.Completed))
}

func TestAutomaticRetryIgnoresOtherFailure(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutoRetryMax = 1 })
	f.pending("req-1")
	f.reads.Err = errors.New("timeout")

	require.NoError(t, f.queue.Deliver(context.Background(), topics.Requests, jobMessage(t, "req-1")))
	stale := f.queue.Published(topics.Retry)[0]

	// An owner retry that failed again leaves a newer failure behind.
	req := f.store.Get("req-1")
	req.UserRetryCount = 1
	req.RetryCount = 2
	f.store.Put(req)

	f.reads.Err = nil
	require.NoError(t, f.queue.Deliver(context.Background(), topics.Retry, stale))

	got := f.store.Get("req-1")
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, []model.Activity{model.ActivityStarted, model.ActivityFailed}, f.audit.Activities("req-1"))
}

func TestAutomaticRetrySkipsExpiredRequest(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutoRetryMax = 1 })
	f.pending("req-1")
	f.reads.Err = errors.New("timeout")

	require.NoError(t, f.queue.Deliver(context.Background(), topics.Requests, jobMessage(t, "req-1")))
	retry := f.queue.Published(topics.Retry)[0]

	f.clock.Advance(25 * time.Hour)
	f.reads.Err = nil
	require.NoError(t, f.queue.Deliver(context.Background(), topics.Retry, retry))

	assert.Equal(t, model.StatusFailed, f.store.Get("req-1").Status)
	assert.Equal(t, []model.Activity{model.ActivityStarted, model.ActivityFailed}, f.audit.Activities("req-1"))
}

func TestAutomaticRequeueBudgetExhausted(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutoRetryMax = 1 })
	f.pending("req-1")
	f.reads.Err = errors.New("timeout")

	require.NoError(t, f.queue.Deliver(context.Background(), topics.Requests, jobMessage(t, "req-1")))
	retry := f.queue.Published(topics.Retry)[0]
	require.NoError(t, f.queue.Deliver(context.Background(), topics.Retry, retry))

	got := f.store.Get("req-1")
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Len(t, f.queue.Published(topics.Retry), 1)
	assert.Len(t, f.queue.Published(topics.DeadLetter), 1)
}

func TestArtifactTooLargeFailsJob(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Packager = packager.NewPackager(packager.Config{MaxBytes: 64}) })
	f.pending("req-1")

	outcome, err := f.worker.Process(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	got := f.store.Get("req-1")
	assert.Equal(t, "Export artifact exceeds the maximum allowed size", *got.ErrorMessage)
}

type cancellingCollector struct {
	inner Collector
	store *exporttest.MemoryStore
}

func (c cancellingCollector) Collect(ctx context.Context, req *model.ExportRequest) (*model.Bundle, error) {
	msg := model.MessageCancelled
	if err := c.store.Transition(ctx, nil, req.ID, repository.StatusUpdate{
		From: []model.Status{model.StatusProcessing}, To: model.StatusFailed, ErrorMessage: &msg,
	}); err != nil {
		return nil, err
	}
	return c.inner.Collect(ctx, req)
}

func TestCancelDuringProcessingIsNotOverwritten(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Collector = cancellingCollector{inner: c.Collector, store: c.Store.(*exporttest.MemoryStore)}
	})
	f.pending("req-1")

	outcome, err := f.worker.Process(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	got := f.store.Get("req-1")
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "cancelled by owner", *got.ErrorMessage)
	assert.Nil(t, got.ArtifactURL)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, f.queue.Published(topics.Completed))
}

type cancellingUploader struct {
	inner ArtifactStore
	store *exporttest.MemoryStore
}

func (u cancellingUploader) Upload(ctx context.Context, subjectID string, a *packager.Artifact, expiresAt time.Time) (*uploader.Stored, error) {
	stored, err := u.inner.Upload(ctx, subjectID, a, expiresAt)
	if err != nil {
		return nil, err
	}
	msg := model.MessageCancelled
	_ = u.store.Transition(ctx, nil, "req-1", repository.StatusUpdate{
		From: []model.Status{model.StatusProcessing}, To: model.StatusFailed, ErrorMessage: &msg,
	})
	return stored, nil
}

func (u cancellingUploader) Remove(ctx context.Context, key string) error {
	return u.inner.Remove(ctx, key)
}

func TestCancelAfterUploadDiscardsArtifact(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Artifacts = cancellingUploader{inner: c.Artifacts, store: c.Store.(*exporttest.MemoryStore)}
	})
	f.pending("req-1")

	outcome, err := f.worker.Process(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	got := f.store.Get("req-1")
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Empty(t, got.ArtifactKey)
	assert.Empty(t, f.queue.Published(topics.Completed))
	assert.Equal(t, []model.Activity{model.ActivityStarted}, f.audit.Activities("req-1"))
}

func TestSweepStuck(t *testing.T) {
	f := newFixture(t)
	req := f.pending("req-1")
	started := f.clock.Now().Add(-3 * time.Hour)
	req.Status = model.StatusProcessing
	req.StartedAt = &started
	f.store.Put(req)

	fresh := f.pending("req-2")
	recent := f.clock.Now().Add(-time.Minute)
	fresh.Status = model.StatusProcessing
	fresh.StartedAt = &recent
	f.store.Put(fresh)

	stuck, expired, err := f.worker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stuck)
	assert.Equal(t, 0, expired)

	got := f.store.Get("req-1")
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "export processing timed out", *got.ErrorMessage)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, model.StatusProcessing, f.store.Get("req-2").Status)
}

func TestSweepExpiredRemovesArtifact(t *testing.T) {
	f := newFixture(t)
	f.pending("req-1")
	_, err := f.worker.Process(context.Background(), "req-1")
	require.NoError(t, err)
	key := f.store.Get("req-1").ArtifactKey

	f.clock.Advance(24 * time.Hour)
	n, err := f.worker.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.store.Get("req-1")
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Nil(t, got.ArtifactURL)
	_, ok := f.storage.Object("exports", key)
	assert.False(t, ok)
	entries, err := f.audit.ListByRequest(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, model.ActivityDeleted, entries[2].Activity)
	assert.Equal(t, model.ReasonExpired, entries[2].Payload["reason"])
	assert.Equal(t, model.ActorSystem, entries[2].UserAgent)

	n, err = f.worker.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHandleMessageRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)
	err := f.worker.HandleMessage(context.Background(), mq.NewMessage([]byte("{")))
	assert.Error(t, err)
}
