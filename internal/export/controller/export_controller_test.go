package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dataport/internal/common/http/middleware"
	"dataport/internal/export/exporttest"
	"dataport/internal/export/model"
	"dataport/internal/export/quota"
	"dataport/internal/export/service"
	"dataport/internal/export/uploader"
	appErr "dataport/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
	Details map[string]any   `json:"details"`
}

type harness struct {
	router  *gin.Engine
	store   *exporttest.MemoryStore
	storage *exporttest.MemoryStorage
	queue   *exporttest.MemoryQueue
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	h := &harness{
		store:   exporttest.NewMemoryStore(),
		storage: exporttest.NewMemoryStorage(),
		queue:   exporttest.NewMemoryQueue(),
		now:     now,
	}
	up, err := uploader.NewUploader(uploader.Config{Storage: h.storage, Bucket: "exports", KeyPrefix: "gdpr", Now: clock})
	require.NoError(t, err)
	audit := exporttest.NewMemoryAudit()
	tx := exporttest.NewTransactor(h.store, audit)
	guard, err := quota.NewGuard(tx, h.store, quota.Config{Now: clock})
	require.NoError(t, err)
	svc, err := service.NewExportService(service.Config{
		Store:     h.store,
		Audit:     audit,
		Tx:        tx,
		Quota:     guard,
		Progress:  exporttest.NewMemoryProgress(),
		Artifacts: up,
		Queue:     h.queue,
		Topic:     "export.requests",
		Now:       clock,
	})
	require.NoError(t, err)

	h.router = gin.New()
	h.router.Use(middleware.TraceContextMiddleware())
	group := h.router.Group("/api/v1/exports", middleware.SubjectAuth(middleware.SubjectAuthConfig{TrustUserIDHeader: true}))
	NewExportController(svc).Register(group)
	return h
}

func (h *harness) do(t *testing.T, method, path, subject string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set("X-User-Id", subject)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (h *harness) completed(t *testing.T, id string) {
	t.Helper()
	url := "https://storage.test/exports/gdpr/subj-1/" + id + ".zip"
	h.store.Put(&model.ExportRequest{
		ID:           id,
		SubjectID:    "subj-1",
		RequestedAt:  h.now.Add(-time.Hour),
		ExpiresAt:    h.now.Add(23 * time.Hour),
		Status:       model.StatusCompleted,
		Format:       model.FormatJSON,
		PrivacyLevel: model.PrivacyFull,
		Categories:   model.Categories{Profile: true},
		ArtifactKey:  "gdpr/subj-1/" + id + ".zip",
		ArtifactName: id + ".zip",
		ArtifactURL:  &url,
		MaxDownloads: 1,
		MaxRetries:   3,
	})
}

func TestCreateReturnsAccepted(t *testing.T) {
	h := newHarness(t)

	rec, env := h.do(t, http.MethodPost, "/api/v1/exports", "subj-1", map[string]any{
		"format":        "BOTH",
		"privacy_level": "anonymized",
		"categories":    map[string]bool{"profile": true, "queries": true},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res service.CreateResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, model.StatusPending, res.Request.Status)
	assert.Equal(t, model.FormatBoth, res.Request.Format)
	assert.Equal(t, 4, res.Quota.Remaining)
	assert.Len(t, h.queue.Published("export.requests"), 1)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-Id"))
}

func TestCreateRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodPost, "/api/v1/exports", "subj-1", "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := h.do(t, http.MethodPost, "/api/v1/exports", "subj-1", map[string]any{"format": "json"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, appErr.ValidationFailed, env.Code)
	assert.Equal(t, "categories", env.Details["field"])
}

func TestQuotaExceededReturns429(t *testing.T) {
	h := newHarness(t)
	body := map[string]any{"categories": map[string]bool{"calculations": true}}
	for i := 0; i < 5; i++ {
		rec, _ := h.do(t, http.MethodPost, "/api/v1/exports", "subj-1", body)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec, env := h.do(t, http.MethodPost, "/api/v1/exports", "subj-1", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, appErr.ExportQuotaExceeded, env.Code)
}

func TestAnonymousCallerIsRejected(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, http.MethodGet, "/api/v1/exports", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDownloadRedirectsThenLimits(t *testing.T) {
	h := newHarness(t)
	h.completed(t, "req-1")

	rec, _ := h.do(t, http.MethodGet, "/api/v1/exports/req-1/download", "subj-1", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://storage.test/exports/gdpr/subj-1/req-1.zip", rec.Header().Get("Location"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec, env := h.do(t, http.MethodGet, "/api/v1/exports/req-1/download", "subj-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, appErr.ExportDownloadLimitReached, env.Code)
}

func TestOtherSubjectGetsNotFound(t *testing.T) {
	h := newHarness(t)
	h.completed(t, "req-1")

	for _, path := range []string{"/api/v1/exports/req-1", "/api/v1/exports/req-1/download", "/api/v1/exports/req-1/progress"} {
		rec, env := h.do(t, http.MethodGet, path, "subj-2", nil)
		assert.Equalf(t, http.StatusNotFound, rec.Code, "path %s", path)
		assert.Equal(t, appErr.ExportNotFound, env.Code)
	}
	assert.Zero(t, h.store.Get("req-1").DownloadCount)
}

func TestHistoryPaging(t *testing.T) {
	h := newHarness(t)
	h.completed(t, "req-1")

	rec, env := h.do(t, http.MethodGet, "/api/v1/exports?limit=5&offset=0", "subj-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res service.HistoryResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, int64(1), res.Total)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "req-1", res.Items[0].ID)
	assert.Equal(t, 1, res.Quota.Used)

	rec, _ = h.do(t, http.MethodGet, "/api/v1/exports?limit=abc", "subj-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLifecycleEndpoints(t *testing.T) {
	h := newHarness(t)
	rec, env := h.do(t, http.MethodPost, "/api/v1/exports", "subj-1", map[string]any{"categories": map[string]bool{"faq": true}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created service.CreateResult
	require.NoError(t, json.Unmarshal(env.Data, &created))
	base := "/api/v1/exports/" + created.Request.ID

	rec, env = h.do(t, http.MethodPost, base+"/retry", "subj-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, appErr.ExportInvalidState, env.Code)

	rec, _ = h.do(t, http.MethodPost, base+"/cancel", "subj-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = h.do(t, http.MethodPost, base+"/retry", "subj-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var retried service.ExportView
	require.NoError(t, json.Unmarshal(env.Data, &retried))
	assert.Equal(t, model.StatusPending, retried.Status)
	assert.Equal(t, 1, retried.UserRetryCount)

	rec, _ = h.do(t, http.MethodDelete, base, "subj-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateAndDelete(t *testing.T) {
	h := newHarness(t)
	h.completed(t, "req-1")
	require.NoError(t, h.storage.PutObject(context.Background(), "exports", "gdpr/subj-1/req-1.zip", bytes.NewReader([]byte("zip")), 3, "application/zip"))

	rec, env := h.do(t, http.MethodPatch, "/api/v1/exports/req-1", "subj-1", map[string]any{"max_downloads": 5, "extend_expiry": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view service.ExportView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, 5, view.MaxDownloads)
	assert.True(t, view.ExpiryExtended)
	assert.Equal(t, h.now.Add(47*time.Hour), view.ExpiresAt)

	rec, _ = h.do(t, http.MethodDelete, "/api/v1/exports/req-1", "subj-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StatusExpired, h.store.Get("req-1").Status)
	_, ok := h.storage.Object("exports", "gdpr/subj-1/req-1.zip")
	assert.False(t, ok)

	rec, env = h.do(t, http.MethodGet, "/api/v1/exports/req-1/download", "subj-1", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, appErr.ExportExpired, env.Code)
}
