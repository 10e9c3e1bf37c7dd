package collector

import (
	"context"
	"errors"
	"time"

	"dataport/internal/common/db"
	"dataport/internal/export/model"
)

// Query bounds one category read.
type Query struct {
	SubjectID string
	From      *time.Time
	To        *time.Time
	Limit     int
}

// ReadModel is the read side of the business domains an export spans.
type ReadModel interface {
	Profile(ctx context.Context, subjectID string) (*model.ProfileRecord, error)
	Queries(ctx context.Context, q Query) ([]model.QueryRecord, error)
	Documents(ctx context.Context, q Query) ([]model.DocumentRecord, error)
	Calculations(ctx context.Context, q Query) ([]model.CalculationRecord, error)
	Subscriptions(ctx context.Context, q Query) ([]model.SubscriptionRecord, error)
	Invoices(ctx context.Context, q Query) ([]model.InvoiceRecord, error)
	EInvoices(ctx context.Context, q Query) ([]model.EInvoiceRecord, error)
	UsageStats(ctx context.Context, q Query) ([]model.UsageStatRecord, error)
	FAQ(ctx context.Context, q Query) ([]model.FAQRecord, error)
	KBSearches(ctx context.Context, q Query) ([]model.KBSearchRecord, error)
}

// MySQLReadModel reads the domain tables of the main database.
type MySQLReadModel struct {
	db db.Database
}

// NewMySQLReadModel creates a read model over database.
func NewMySQLReadModel(database db.Database) *MySQLReadModel {
	return &MySQLReadModel{db: database}
}

// dateRange appends the optional bounds on column to where/args.
func dateRange(column string, q Query, where string, args []any) (string, []any) {
	if q.From != nil {
		where += " AND " + column + " >= ?"
		args = append(args, q.From.UTC())
	}
	if q.To != nil {
		where += " AND " + column + " <= ?"
		args = append(args, q.To.UTC())
	}
	return where, args
}

func queryRows[T any](ctx context.Context, database db.Database, query string, args []any, scan func(db.Rows) (T, error)) ([]T, error) {
	rows, err := database.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (m *MySQLReadModel) Profile(ctx context.Context, subjectID string) (*model.ProfileRecord, error) {
	query := `
		SELECT user_id, full_name, email, COALESCE(phone, ''), COALESCE(tax_id, ''), COALESCE(vat_id, ''),
		       COALESCE(company_name, ''), COALESCE(address, ''), locale, marketing_consent, created_at
		FROM user_profiles WHERE user_id = ? LIMIT 1
	`
	p := &model.ProfileRecord{}
	err := m.db.QueryRow(ctx, query, subjectID).Scan(
		&p.SubjectID, &p.FullName, &p.Email, &p.Phone, &p.TaxID, &p.VATID,
		&p.CompanyName, &p.Address, &p.Locale, &p.MarketingConsent, &p.CreatedAt,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (m *MySQLReadModel) Queries(ctx context.Context, q Query) ([]model.QueryRecord, error) {
	where, args := dateRange("asked_at", q, "WHERE user_id = ?", []any{q.SubjectID})
	query := "SELECT id, asked_at, COALESCE(topic, ''), question, COALESCE(answer, '') FROM user_queries " +
		where + " ORDER BY asked_at LIMIT ?"
	return queryRows(ctx, m.db, query, append(args, q.Limit), func(r db.Rows) (model.QueryRecord, error) {
		var rec model.QueryRecord
		err := r.Scan(&rec.ID, &rec.AskedAt, &rec.Topic, &rec.Question, &rec.Answer)
		return rec, err
	})
}

func (m *MySQLReadModel) Documents(ctx context.Context, q Query) ([]model.DocumentRecord, error) {
	where, args := dateRange("uploaded_at", q, "WHERE owner_id = ? AND deleted_at IS NULL", []any{q.SubjectID})
	query := "SELECT id, title, file_name, mime_type, size_bytes, uploaded_at FROM documents " +
		where + " ORDER BY uploaded_at LIMIT ?"
	return queryRows(ctx, m.db, query, append(args, q.Limit), func(r db.Rows) (model.DocumentRecord, error) {
		var rec model.DocumentRecord
		err := r.Scan(&rec.ID, &rec.Title, &rec.FileName, &rec.MimeType, &rec.SizeBytes, &rec.UploadedAt)
		return rec, err
	})
}

func (m *MySQLReadModel) Calculations(ctx context.Context, q Query) ([]model.CalculationRecord, error) {
	where, args := dateRange("created_at", q, "WHERE user_id = ?", []any{q.SubjectID})
	query := "SELECT id, kind, created_at, COALESCE(summary, ''), result_cents, currency FROM calculations " +
		where + " ORDER BY created_at LIMIT ?"
	return queryRows(ctx, m.db, query, append(args, q.Limit), func(r db.Rows) (model.CalculationRecord, error) {
		var rec model.CalculationRecord
		err := r.Scan(&rec.ID, &rec.Kind, &rec.CreatedAt, &rec.Summary, &rec.Result.Cents, &rec.Result.Currency)
		return rec, err
	})
}

func (m *MySQLReadModel) Subscriptions(ctx context.Context, q Query) ([]model.SubscriptionRecord, error) {
	where, args := dateRange("started_on", q, "WHERE user_id = ?", []any{q.SubjectID})
	query := "SELECT id, plan, status, billing_interval, amount_cents, currency, started_on, ends_on FROM subscriptions " +
		where + " ORDER BY started_on LIMIT ?"
	return queryRows(ctx, m.db, query, append(args, q.Limit), func(r db.Rows) (model.SubscriptionRecord, error) {
		var rec model.SubscriptionRecord
		err := r.Scan(&rec.ID, &rec.Plan, &rec.Status, &rec.Interval, &rec.Amount.Cents, &rec.Amount.Currency,
			&rec.StartedOn.Time, &rec.EndsOn)
		return rec, err
	})
}

func (m *MySQLReadModel) Invoices(ctx context.Context, q Query) ([]model.InvoiceRecord, error) {
	where, args := dateRange("issued_on", q, "WHERE user_id = ?", []any{q.SubjectID})
	query := `SELECT id, number, issued_on, status, net_cents, vat_cents, total_cents, currency,
		COALESCE(billing_name, ''), COALESCE(billing_tax_id, ''), COALESCE(billing_vat_id, '') FROM invoices ` +
		where + " ORDER BY issued_on LIMIT ?"
	return queryRows(ctx, m.db, query, append(args, q.Limit), func(r db.Rows) (model.InvoiceRecord, error) {
		var rec model.InvoiceRecord
		var currency string
		err := r.Scan(&rec.ID, &rec.Number, &rec.IssuedOn.Time, &rec.Status, &rec.Net.Cents, &rec.VAT.Cents,
			&rec.Total.Cents, &currency, &rec.BillingName, &rec.BillingTaxID, &rec.BillingVATID)
		rec.Net.Currency, rec.VAT.Currency, rec.Total.Currency = currency, currency, currency
		return rec, err
	})
}

func (m *MySQLReadModel) EInvoices(ctx context.Context, q Query) ([]model.EInvoiceRecord, error) {
	where, args := dateRange("t.created_at", q, "WHERE i.user_id = ?", []any{q.SubjectID})
	query := `SELECT t.invoice_id, t.transmission_id, t.channel, COALESCE(t.recipient_code, ''), t.status, t.sent_at
		FROM einvoice_transmissions t JOIN invoices i ON i.id = t.invoice_id ` +
		where + " ORDER BY t.created_at LIMIT ?"
	return queryRows(ctx, m.db, query, append(args, q.Limit), func(r db.Rows) (model.EInvoiceRecord, error) {
		var rec model.EInvoiceRecord
		err := r.Scan(&rec.InvoiceID, &rec.TransmissionID, &rec.Channel, &rec.RecipientCode, &rec.Status, &rec.SentAt)
		return rec, err
	})
}

func (m *MySQLReadModel) UsageStats(ctx context.Context, q Query) ([]model.UsageStatRecord, error) {
	where, args := dateRange("month_start", q, "WHERE user_id = ?", []any{q.SubjectID})
	query := "SELECT DATE_FORMAT(month_start, '%Y-%m'), queries, documents, calculations, last_active_at FROM usage_monthly " +
		where + " ORDER BY month_start LIMIT ?"
	return queryRows(ctx, m.db, query, append(args, q.Limit), func(r db.Rows) (model.UsageStatRecord, error) {
		var rec model.UsageStatRecord
		err := r.Scan(&rec.Month, &rec.Queries, &rec.Documents, &rec.Calculations, &rec.LastActiveAt)
		return rec, err
	})
}

func (m *MySQLReadModel) FAQ(ctx context.Context, q Query) ([]model.FAQRecord, error) {
	where, args := dateRange("v.viewed_at", q, "WHERE v.user_id = ?", []any{q.SubjectID})
	query := "SELECT f.id, f.question, v.viewed_at, v.helpful FROM faq_views v JOIN faq_entries f ON f.id = v.faq_id " +
		where + " ORDER BY v.viewed_at LIMIT ?"
	return queryRows(ctx, m.db, query, append(args, q.Limit), func(r db.Rows) (model.FAQRecord, error) {
		var rec model.FAQRecord
		err := r.Scan(&rec.ID, &rec.Question, &rec.ViewedAt, &rec.Helpful)
		return rec, err
	})
}

func (m *MySQLReadModel) KBSearches(ctx context.Context, q Query) ([]model.KBSearchRecord, error) {
	where, args := dateRange("searched_at", q, "WHERE user_id = ?", []any{q.SubjectID})
	query := "SELECT id, query, searched_at, results FROM kb_searches " + where + " ORDER BY searched_at LIMIT ?"
	return queryRows(ctx, m.db, query, append(args, q.Limit), func(r db.Rows) (model.KBSearchRecord, error) {
		var rec model.KBSearchRecord
		err := r.Scan(&rec.ID, &rec.Query, &rec.SearchedAt, &rec.Results)
		return rec, err
	})
}

var errNoReadModel = errors.New("read model is nil")
