package exporttest

import (
	"context"
	"sync"
	"time"

	"dataport/internal/export/collector"
	"dataport/internal/export/model"
)

// StaticReadModel implements collector.ReadModel over fixed records.
// Date filtering applies to the record's primary timestamp.
type StaticReadModel struct {
	ProfileRec   *model.ProfileRecord
	QueryRecs    []model.QueryRecord
	DocumentRecs []model.DocumentRecord
	CalcRecs     []model.CalculationRecord
	SubRecs      []model.SubscriptionRecord
	InvoiceRecs  []model.InvoiceRecord
	EInvoiceRecs []model.EInvoiceRecord
	UsageRecs    []model.UsageStatRecord
	FAQRecs      []model.FAQRecord
	KBSearchRecs []model.KBSearchRecord

	// Err, when set, fails every read.
	Err error

	mu    sync.Mutex
	calls map[model.Category]int
}

var _ collector.ReadModel = (*StaticReadModel)(nil)

// Calls returns how often category was read.
func (m *StaticReadModel) Calls(category model.Category) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[category]
}

func (m *StaticReadModel) record(category model.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[model.Category]int)
	}
	m.calls[category]++
	return m.Err
}

func inRange(q collector.Query, at time.Time) bool {
	if q.From != nil && at.Before(*q.From) {
		return false
	}
	if q.To != nil && at.After(*q.To) {
		return false
	}
	return true
}

func filter[T any](q collector.Query, items []T, at func(T) time.Time) []T {
	var out []T
	for _, item := range items {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		if inRange(q, at(item)) {
			out = append(out, item)
		}
	}
	return out
}

func (m *StaticReadModel) Profile(ctx context.Context, subjectID string) (*model.ProfileRecord, error) {
	if err := m.record(model.CategoryProfile); err != nil {
		return nil, err
	}
	if m.ProfileRec == nil {
		return nil, nil
	}
	p := *m.ProfileRec
	return &p, nil
}

func (m *StaticReadModel) Queries(ctx context.Context, q collector.Query) ([]model.QueryRecord, error) {
	if err := m.record(model.CategoryQueries); err != nil {
		return nil, err
	}
	return filter(q, m.QueryRecs, func(r model.QueryRecord) time.Time { return r.AskedAt }), nil
}

func (m *StaticReadModel) Documents(ctx context.Context, q collector.Query) ([]model.DocumentRecord, error) {
	if err := m.record(model.CategoryDocuments); err != nil {
		return nil, err
	}
	return filter(q, m.DocumentRecs, func(r model.DocumentRecord) time.Time { return r.UploadedAt }), nil
}

func (m *StaticReadModel) Calculations(ctx context.Context, q collector.Query) ([]model.CalculationRecord, error) {
	if err := m.record(model.CategoryCalculations); err != nil {
		return nil, err
	}
	return filter(q, m.CalcRecs, func(r model.CalculationRecord) time.Time { return r.CreatedAt }), nil
}

func (m *StaticReadModel) Subscriptions(ctx context.Context, q collector.Query) ([]model.SubscriptionRecord, error) {
	if err := m.record(model.CategorySubscriptions); err != nil {
		return nil, err
	}
	return filter(q, m.SubRecs, func(r model.SubscriptionRecord) time.Time { return r.StartedOn.Time }), nil
}

func (m *StaticReadModel) Invoices(ctx context.Context, q collector.Query) ([]model.InvoiceRecord, error) {
	if err := m.record(model.CategoryInvoices); err != nil {
		return nil, err
	}
	return filter(q, m.InvoiceRecs, func(r model.InvoiceRecord) time.Time { return r.IssuedOn.Time }), nil
}

func (m *StaticReadModel) EInvoices(ctx context.Context, q collector.Query) ([]model.EInvoiceRecord, error) {
	if err := m.record(model.CategoryEInvoices); err != nil {
		return nil, err
	}
	return filter(q, m.EInvoiceRecs, func(r model.EInvoiceRecord) time.Time {
		if r.SentAt != nil {
			return *r.SentAt
		}
		return time.Time{}
	}), nil
}

func (m *StaticReadModel) UsageStats(ctx context.Context, q collector.Query) ([]model.UsageStatRecord, error) {
	if err := m.record(model.CategoryUsageStats); err != nil {
		return nil, err
	}
	return append([]model.UsageStatRecord(nil), m.UsageRecs...), nil
}

func (m *StaticReadModel) FAQ(ctx context.Context, q collector.Query) ([]model.FAQRecord, error) {
	if err := m.record(model.CategoryFAQ); err != nil {
		return nil, err
	}
	return filter(q, m.FAQRecs, func(r model.FAQRecord) time.Time { return r.ViewedAt }), nil
}

func (m *StaticReadModel) KBSearches(ctx context.Context, q collector.Query) ([]model.KBSearchRecord, error) {
	if err := m.record(model.CategoryKBSearches); err != nil {
		return nil, err
	}
	return filter(q, m.KBSearchRecs, func(r model.KBSearchRecord) time.Time { return r.SearchedAt }), nil
}

// SampleReadModel returns a read model with one record in every category.
func SampleReadModel(at time.Time) *StaticReadModel {
	helpful := true
	sent := at.Add(time.Hour)
	return &StaticReadModel{
		ProfileRec: &model.ProfileRecord{
			SubjectID: "subj-1",
			FullName:  "Mario Rossi",
			Email:     "mario.rossi@example.com",
			Phone:     "+39 333 1234567",
			TaxID:     "RSSMRA85T10A562S",
			VATID:     "12345678903",
			Address:   "Via Roma 12, Milano",
			Locale:    "it",
			CreatedAt: at.AddDate(-1, 0, 0),
		},
		QueryRecs: []model.QueryRecord{
			{ID: "q-1", AskedAt: at, Topic: "iva", Question: "Contact mario.rossi@example.com", Answer: "Risposta per Mario Rossi"},
		},
		DocumentRecs: []model.DocumentRecord{
			{ID: "d-1", Title: "Dichiarazione 2025", FileName: "730.pdf", MimeType: "application/pdf", SizeBytes: 2048, UploadedAt: at},
		},
		CalcRecs: []model.CalculationRecord{
			{ID: "c-1", Kind: "irpef", CreatedAt: at, Summary: "Reddito 2025", Result: model.Money{Cents: 123456, Currency: "EUR"}},
		},
		SubRecs: []model.SubscriptionRecord{
			{ID: "s-1", Plan: "pro", Status: "active", Interval: "month", Amount: model.Money{Cents: 1999, Currency: "EUR"}, StartedOn: model.Date{Time: at}},
		},
		InvoiceRecs: []model.InvoiceRecord{
			{
				ID: "i-1", Number: "2025/001", IssuedOn: model.Date{Time: at}, Status: "paid",
				Net: model.Money{Cents: 1639, Currency: "EUR"}, VAT: model.Money{Cents: 360, Currency: "EUR"},
				Total: model.Money{Cents: 1999, Currency: "EUR"}, BillingName: "Mario Rossi",
				BillingTaxID: "RSSMRA85T10A562S", BillingVATID: "12345678903",
			},
		},
		EInvoiceRecs: []model.EInvoiceRecord{
			{InvoiceID: "i-1", TransmissionID: "tx-1", Channel: "sdi", RecipientCode: "ABC1234", Status: "delivered", SentAt: &sent},
		},
		UsageRecs: []model.UsageStatRecord{
			{Month: at.Format("2006-01"), Queries: 3, Documents: 1, Calculations: 1},
		},
		FAQRecs: []model.FAQRecord{
			{ID: "f-1", Question: "Come funziona?", ViewedAt: at, Helpful: &helpful},
		},
		KBSearchRecs: []model.KBSearchRecord{
			{ID: "k-1", Query: "detrazioni mario rossi", SearchedAt: at, Results: 4},
		},
	}
}
