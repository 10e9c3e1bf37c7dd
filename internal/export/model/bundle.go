package model

import "time"

// Money is an amount in minor units.
type Money struct {
	Cents    int64  `json:"cents"`
	Currency string `json:"currency"`
}

// Date is a calendar date rendered without a time of day.
type Date struct {
	time.Time
}

// Field is one named scalar of a record. Value is one of string, int,
// int64, bool, *bool, time.Time, *time.Time, Date, Money or nil.
type Field struct {
	Name  string
	Value any
}

// Record is a row of an exported category.
type Record interface {
	Fields() []Field
}

// ProfileRecord is the account profile of the subject.
type ProfileRecord struct {
	SubjectID        string
	FullName         string
	Email            string
	Phone            string
	TaxID            string
	VATID            string
	CompanyName      string
	Address          string
	Locale           string
	MarketingConsent bool
	CreatedAt        time.Time
}

func (p ProfileRecord) Fields() []Field {
	return []Field{
		{"subject_id", p.SubjectID},
		{"full_name", p.FullName},
		{"email", p.Email},
		{"phone", p.Phone},
		{"tax_id", p.TaxID},
		{"vat_id", p.VATID},
		{"company_name", p.CompanyName},
		{"address", p.Address},
		{"locale", p.Locale},
		{"marketing_consent", p.MarketingConsent},
		{"created_at", p.CreatedAt},
	}
}

// QueryRecord is one question asked by the subject and its answer.
type QueryRecord struct {
	ID       string
	AskedAt  time.Time
	Topic    string
	Question string
	Answer   string
}

func (q QueryRecord) Fields() []Field {
	return []Field{
		{"id", q.ID},
		{"asked_at", q.AskedAt},
		{"topic", q.Topic},
		{"question", q.Question},
		{"answer", q.Answer},
	}
}

// DocumentRecord is document metadata. File content is never exported.
type DocumentRecord struct {
	ID         string
	Title      string
	FileName   string
	MimeType   string
	SizeBytes  int64
	UploadedAt time.Time
}

func (d DocumentRecord) Fields() []Field {
	return []Field{
		{"id", d.ID},
		{"title", d.Title},
		{"file_name", d.FileName},
		{"mime_type", d.MimeType},
		{"size_bytes", d.SizeBytes},
		{"uploaded_at", d.UploadedAt},
	}
}

// CalculationRecord is a saved tax or financial calculation.
type CalculationRecord struct {
	ID        string
	Kind      string
	CreatedAt time.Time
	Summary   string
	Result    Money
}

func (c CalculationRecord) Fields() []Field {
	return []Field{
		{"id", c.ID},
		{"kind", c.Kind},
		{"created_at", c.CreatedAt},
		{"summary", c.Summary},
		{"result", c.Result},
	}
}

// SubscriptionRecord is a plan subscription.
type SubscriptionRecord struct {
	ID        string
	Plan      string
	Status    string
	Interval  string
	Amount    Money
	StartedOn Date
	EndsOn    *time.Time
}

func (s SubscriptionRecord) Fields() []Field {
	var ends any
	if s.EndsOn != nil {
		ends = Date{*s.EndsOn}
	}
	return []Field{
		{"id", s.ID},
		{"plan", s.Plan},
		{"status", s.Status},
		{"interval", s.Interval},
		{"amount", s.Amount},
		{"started_on", s.StartedOn},
		{"ends_on", ends},
	}
}

// InvoiceRecord is an issued invoice.
type InvoiceRecord struct {
	ID           string
	Number       string
	IssuedOn     Date
	Status       string
	Net          Money
	VAT          Money
	Total        Money
	BillingName  string
	BillingTaxID string
	BillingVATID string
}

func (i InvoiceRecord) Fields() []Field {
	return []Field{
		{"id", i.ID},
		{"number", i.Number},
		{"issued_on", i.IssuedOn},
		{"status", i.Status},
		{"net", i.Net},
		{"vat", i.VAT},
		{"total", i.Total},
		{"billing_name", i.BillingName},
		{"billing_tax_id", i.BillingTaxID},
		{"billing_vat_id", i.BillingVATID},
	}
}

// EInvoiceRecord is transmission metadata of an electronic invoice.
type EInvoiceRecord struct {
	InvoiceID      string
	TransmissionID string
	Channel        string
	RecipientCode  string
	Status         string
	SentAt         *time.Time
}

func (e EInvoiceRecord) Fields() []Field {
	return []Field{
		{"invoice_id", e.InvoiceID},
		{"transmission_id", e.TransmissionID},
		{"channel", e.Channel},
		{"recipient_code", e.RecipientCode},
		{"status", e.Status},
		{"sent_at", e.SentAt},
	}
}

// UsageStatRecord aggregates activity for one month.
type UsageStatRecord struct {
	Month        string
	Queries      int
	Documents    int
	Calculations int
	LastActiveAt *time.Time
}

func (u UsageStatRecord) Fields() []Field {
	return []Field{
		{"month", u.Month},
		{"queries", u.Queries},
		{"documents", u.Documents},
		{"calculations", u.Calculations},
		{"last_active_at", u.LastActiveAt},
	}
}

// FAQRecord is a FAQ entry the subject viewed or rated.
type FAQRecord struct {
	ID       string
	Question string
	ViewedAt time.Time
	Helpful  *bool
}

func (f FAQRecord) Fields() []Field {
	return []Field{
		{"id", f.ID},
		{"question", f.Question},
		{"viewed_at", f.ViewedAt},
		{"helpful", f.Helpful},
	}
}

// KBSearchRecord is one knowledge-base search.
type KBSearchRecord struct {
	ID         string
	Query      string
	SearchedAt time.Time
	Results    int
}

func (k KBSearchRecord) Fields() []Field {
	return []Field{
		{"id", k.ID},
		{"query", k.Query},
		{"searched_at", k.SearchedAt},
		{"results", k.Results},
	}
}

// ExportMetadata describes the export itself.
type ExportMetadata struct {
	RequestID    string
	SubjectID    string
	RequestedAt  time.Time
	GeneratedAt  time.Time
	ExpiresAt    time.Time
	DateFrom     *time.Time
	DateTo       *time.Time
	PrivacyLevel PrivacyLevel
	Format       Format
	Categories   []Category
	Anonymized   bool
	Version      string
}

// ComplianceInfo is the legal notice shipped with every export.
type ComplianceInfo struct {
	Regulation string
	Notice     string
	Controller string
	Contact    string
}

// Bundle is the collected export content, keyed by category.
type Bundle struct {
	Metadata      ExportMetadata
	Compliance    ComplianceInfo
	Profile       *ProfileRecord
	Queries       []QueryRecord
	Documents     []DocumentRecord
	Calculations  []CalculationRecord
	Subscriptions []SubscriptionRecord
	Invoices      []InvoiceRecord
	EInvoices     []EInvoiceRecord
	UsageStats    []UsageStatRecord
	FAQ           []FAQRecord
	KBSearches    []KBSearchRecord
}

// Records returns the rows of category as generic records.
func (b *Bundle) Records(category Category) []Record {
	switch category {
	case CategoryProfile:
		if b.Profile == nil {
			return nil
		}
		return []Record{*b.Profile}
	case CategoryQueries:
		return toRecords(b.Queries)
	case CategoryDocuments:
		return toRecords(b.Documents)
	case CategoryCalculations:
		return toRecords(b.Calculations)
	case CategorySubscriptions:
		return toRecords(b.Subscriptions)
	case CategoryInvoices:
		return toRecords(b.Invoices)
	case CategoryEInvoices:
		return toRecords(b.EInvoices)
	case CategoryUsageStats:
		return toRecords(b.UsageStats)
	case CategoryFAQ:
		return toRecords(b.FAQ)
	case CategoryKBSearches:
		return toRecords(b.KBSearches)
	}
	return nil
}

// Columns returns the field names of category in output order.
func Columns(category Category) []string {
	var zero Record
	switch category {
	case CategoryProfile:
		zero = ProfileRecord{}
	case CategoryQueries:
		zero = QueryRecord{}
	case CategoryDocuments:
		zero = DocumentRecord{}
	case CategoryCalculations:
		zero = CalculationRecord{}
	case CategorySubscriptions:
		zero = SubscriptionRecord{}
	case CategoryInvoices:
		zero = InvoiceRecord{}
	case CategoryEInvoices:
		zero = EInvoiceRecord{}
	case CategoryUsageStats:
		zero = UsageStatRecord{}
	case CategoryFAQ:
		zero = FAQRecord{}
	case CategoryKBSearches:
		zero = KBSearchRecord{}
	default:
		return nil
	}
	fields := zero.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func toRecords[T Record](items []T) []Record {
	out := make([]Record, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
