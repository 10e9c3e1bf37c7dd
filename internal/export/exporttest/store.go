// Package exporttest provides in-memory implementations of the export ports
// for package tests.
package exporttest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"dataport/internal/common/db"
	"dataport/internal/export/model"
	"dataport/internal/export/repository"
	pkgrepo "dataport/pkg/repository"
)

// MemoryStore implements repository.ExportRequestRepository.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*model.ExportRequest

	// TransitionErr, when set, fails every Transition.
	TransitionErr error
}

var _ repository.ExportRequestRepository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*model.ExportRequest)}
}

// Put stores a copy of req, replacing any existing row.
func (s *MemoryStore) Put(req *model.ExportRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[req.ID] = clone(req)
}

// Get returns a copy of the row or nil.
func (s *MemoryStore) Get(id string) *model.ExportRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.items[id]; ok {
		return clone(req)
	}
	return nil
}

// Len returns the number of rows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *MemoryStore) Create(ctx context.Context, tx db.Transaction, req *model.ExportRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[req.ID]; ok {
		return errors.New("duplicate export request id")
	}
	s.items[req.ID] = clone(req)
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, tx db.Transaction, id string) (*model.ExportRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.items[id]
	if !ok {
		return nil, repository.ErrExportNotFound
	}
	return clone(req), nil
}

func (s *MemoryStore) ListBySubject(ctx context.Context, subjectID string, opts pkgrepo.ListOptions) ([]*model.ExportRequest, int64, error) {
	if err := opts.Validate(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	var all []*model.ExportRequest
	for _, req := range s.items {
		if req.SubjectID == subjectID {
			all = append(all, clone(req))
		}
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].RequestedAt.Equal(all[j].RequestedAt) {
			return all[i].RequestedAt.After(all[j].RequestedAt)
		}
		return all[i].ID > all[j].ID
	})
	total := int64(len(all))
	if opts.Offset >= len(all) {
		return nil, total, nil
	}
	end := min(opts.Offset+opts.Limit, len(all))
	return all[opts.Offset:end], total, nil
}

func (s *MemoryStore) LockSubject(ctx context.Context, tx db.Transaction, subjectID string) error {
	return nil
}

func (s *MemoryStore) CountRequestedSince(ctx context.Context, tx db.Transaction, subjectID string, since time.Time) (int, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	var oldest *time.Time
	for _, req := range s.items {
		if req.SubjectID != subjectID || req.RequestedAt.Before(since) {
			continue
		}
		count++
		if oldest == nil || req.RequestedAt.Before(*oldest) {
			at := req.RequestedAt
			oldest = &at
		}
	}
	return count, oldest, nil
}

func (s *MemoryStore) Transition(ctx context.Context, tx db.Transaction, id string, update repository.StatusUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TransitionErr != nil {
		return s.TransitionErr
	}
	req, ok := s.items[id]
	if !ok {
		return repository.ErrExportNotFound
	}
	if !update.Holds(req) {
		return repository.ErrStatusConflict
	}
	update.Apply(req)
	return nil
}

func (s *MemoryStore) RecordDownload(ctx context.Context, id string, entry model.DownloadEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.items[id]
	if !ok {
		return repository.ErrExportNotFound
	}
	if req.Status != model.StatusCompleted || req.ArtifactURL == nil ||
		!entry.At.Before(req.ExpiresAt) || req.DownloadCount >= req.MaxDownloads {
		return repository.ErrDownloadRejected
	}
	req.DownloadCount++
	req.DownloadLog = append(req.DownloadLog, entry)
	return nil
}

func (s *MemoryStore) UpdateSettings(ctx context.Context, id string, update repository.SettingsUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.items[id]
	if !ok {
		return repository.ErrExportNotFound
	}
	if !update.Matches(req) {
		return repository.ErrStatusConflict
	}
	update.Apply(req)
	return nil
}

func (s *MemoryStore) FindStuck(ctx context.Context, startedBefore time.Time, limit int) ([]*model.ExportRequest, error) {
	return s.filter(limit, func(req *model.ExportRequest) bool {
		return req.Status == model.StatusProcessing && req.StartedAt != nil && req.StartedAt.Before(startedBefore)
	}), nil
}

func (s *MemoryStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*model.ExportRequest, error) {
	return s.filter(limit, func(req *model.ExportRequest) bool {
		return (req.Status == model.StatusCompleted || req.Status == model.StatusFailed) && !now.Before(req.ExpiresAt)
	}), nil
}

func (s *MemoryStore) filter(limit int, keep func(*model.ExportRequest) bool) []*model.ExportRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ExportRequest
	for _, req := range s.items {
		if keep(req) {
			out = append(out, clone(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) snapshot() map[string]*model.ExportRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.ExportRequest, len(s.items))
	for id, req := range s.items {
		out[id] = clone(req)
	}
	return out
}

func (s *MemoryStore) restore(items map[string]*model.ExportRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
}

func clone(req *model.ExportRequest) *model.ExportRequest {
	c := *req
	c.DownloadLog = append([]model.DownloadEntry(nil), req.DownloadLog...)
	return &c
}

// MemoryAudit implements repository.AuditRepository.
type MemoryAudit struct {
	mu      sync.Mutex
	entries []model.AuditEntry

	// AppendErr, when set, fails every Append.
	AppendErr error
}

var _ repository.AuditRepository = (*MemoryAudit)(nil)

func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{}
}

func (a *MemoryAudit) Append(ctx context.Context, tx db.Transaction, entry *model.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.AppendErr != nil {
		return a.AppendErr
	}
	a.entries = append(a.entries, *entry)
	return nil
}

func (a *MemoryAudit) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func (a *MemoryAudit) truncate(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = a.entries[:n]
}

func (a *MemoryAudit) ListByRequest(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.AuditEntry
	for _, e := range a.entries {
		if e.ExportRequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Activities returns the recorded activity types of requestID in order.
func (a *MemoryAudit) Activities(requestID string) []model.Activity {
	entries, _ := a.ListByRequest(context.Background(), requestID)
	out := make([]model.Activity, len(entries))
	for i, e := range entries {
		out[i] = e.Activity
	}
	return out
}

// Transactor serializes transactions with a mutex, standing in for the
// row lock the MySQL store takes. When fn fails, the rows of Store and the
// entries of Audit are put back as they were before fn ran. Writes made
// outside a transaction while fn runs are rolled back with it.
type Transactor struct {
	mu    sync.Mutex
	Store *MemoryStore
	Audit *MemoryAudit
}

// NewTransactor returns a Transactor that rolls back store and audit.
func NewTransactor(store *MemoryStore, audit *MemoryAudit) *Transactor {
	return &Transactor{Store: store, Audit: audit}
}

func (t *Transactor) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var (
		items   map[string]*model.ExportRequest
		entries int
	)
	if t.Store != nil {
		items = t.Store.snapshot()
	}
	if t.Audit != nil {
		entries = t.Audit.size()
	}
	if err := fn(noopTx{}); err != nil {
		if t.Store != nil {
			t.Store.restore(items)
		}
		if t.Audit != nil {
			t.Audit.truncate(entries)
		}
		return err
	}
	return nil
}

var errNoSQL = errors.New("exporttest: SQL is not supported")

type noopTx struct{}

func (noopTx) Query(ctx context.Context, query string, args ...any) (db.Rows, error) {
	return nil, errNoSQL
}

func (noopTx) QueryRow(ctx context.Context, query string, args ...any) db.Row {
	return errRow{}
}

func (noopTx) Exec(ctx context.Context, query string, args ...any) (db.Result, error) {
	return nil, errNoSQL
}

func (noopTx) Commit() error   { return nil }
func (noopTx) Rollback() error { return nil }

type errRow struct{}

func (errRow) Scan(dest ...any) error { return errNoSQL }
