package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dataport/internal/export/model"
	"dataport/internal/export/privacy"
	"dataport/pkg/utils/logger"

	"github.com/zeromicro/go-zero/core/mr"
	"go.uber.org/zap"
)

const (
	defaultCategoryLimit = 10000
	FormatVersion        = "1.0"
)

// Config configures a Collector.
type Config struct {
	// CategoryLimit bounds the rows read per category.
	CategoryLimit      int
	GenericIDThreshold float64
	Compliance         model.ComplianceInfo
	Now                func() time.Time
}

// DefaultCompliance is the notice shipped when none is configured.
func DefaultCompliance() model.ComplianceInfo {
	return model.ComplianceInfo{
		Regulation: "GDPR (EU) 2016/679, Art. 15 and Art. 20",
		Notice: "This archive contains the personal data held about you in a structured, commonly used " +
			"and machine-readable format. You may transmit it to another controller.",
		Controller: "Data controller",
		Contact:    "privacy@example.com",
	}
}

// Collector reads every enabled category of a request into a Bundle.
type Collector struct {
	reads ReadModel
	cfg   Config
}

// NewCollector creates a collector over reads.
func NewCollector(reads ReadModel, cfg Config) (*Collector, error) {
	if reads == nil {
		return nil, errNoReadModel
	}
	if cfg.CategoryLimit <= 0 {
		cfg.CategoryLimit = defaultCategoryLimit
	}
	if cfg.Compliance.Regulation == "" {
		cfg.Compliance = DefaultCompliance()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Collector{reads: reads, cfg: cfg}, nil
}

// Collect reads the effective categories of req concurrently and applies the
// request's privacy policy. The result is the sole input of file generation.
func (c *Collector) Collect(ctx context.Context, req *model.ExportRequest) (*model.Bundle, error) {
	if req == nil {
		return nil, errors.New("export request is nil")
	}
	categories := req.Categories.Effective(req.PrivacyLevel)
	pol, err := newPolicy(req, c.cfg.GenericIDThreshold)
	if err != nil {
		return nil, err
	}

	q := Query{SubjectID: req.SubjectID, From: req.DateFrom, To: req.DateTo, Limit: c.cfg.CategoryLimit}
	bundle := &model.Bundle{}
	var seedProfile *model.ProfileRecord

	fns := make([]func() error, 0, len(categories)+1)
	for _, category := range categories {
		fns = append(fns, c.reader(ctx, category, q, bundle))
	}
	if pol.anonymize && !req.Categories.Has(model.CategoryProfile) {
		// the profile is read for seeding only and is not exported
		fns = append(fns, func() error {
			p, err := c.reads.Profile(ctx, req.SubjectID)
			seedProfile = p
			return wrapCategory(model.CategoryProfile, err)
		})
	}
	if err := mr.Finish(fns...); err != nil {
		return nil, err
	}
	if bundle.Profile != nil {
		seedProfile = bundle.Profile
	}

	pol.seed(seedProfile)
	pol.apply(bundle)

	bundle.Metadata = model.ExportMetadata{
		RequestID:    req.ID,
		SubjectID:    req.SubjectID,
		RequestedAt:  req.RequestedAt,
		GeneratedAt:  c.cfg.Now(),
		ExpiresAt:    req.ExpiresAt,
		DateFrom:     req.DateFrom,
		DateTo:       req.DateTo,
		PrivacyLevel: req.PrivacyLevel,
		Format:       req.Format,
		Categories:   categories,
		Anonymized:   pol.anonymize,
		Version:      FormatVersion,
	}
	bundle.Compliance = c.cfg.Compliance

	logger.Info(ctx, "export data collected",
		zap.String("export_id", req.ID),
		zap.Int("categories", len(categories)),
		zap.Bool("anonymized", pol.anonymize),
	)
	return bundle, nil
}

func (c *Collector) reader(ctx context.Context, category model.Category, q Query, b *model.Bundle) func() error {
	return func() error {
		var err error
		switch category {
		case model.CategoryProfile:
			b.Profile, err = c.reads.Profile(ctx, q.SubjectID)
		case model.CategoryQueries:
			b.Queries, err = c.reads.Queries(ctx, q)
		case model.CategoryDocuments:
			b.Documents, err = c.reads.Documents(ctx, q)
		case model.CategoryCalculations:
			b.Calculations, err = c.reads.Calculations(ctx, q)
		case model.CategorySubscriptions:
			b.Subscriptions, err = c.reads.Subscriptions(ctx, q)
		case model.CategoryInvoices:
			b.Invoices, err = c.reads.Invoices(ctx, q)
		case model.CategoryEInvoices:
			b.EInvoices, err = c.reads.EInvoices(ctx, q)
		case model.CategoryUsageStats:
			b.UsageStats, err = c.reads.UsageStats(ctx, q)
		case model.CategoryFAQ:
			b.FAQ, err = c.reads.FAQ(ctx, q)
		case model.CategoryKBSearches:
			b.KBSearches, err = c.reads.KBSearches(ctx, q)
		default:
			err = fmt.Errorf("unknown category %q", category)
		}
		return wrapCategory(category, err)
	}
}

func wrapCategory(category model.Category, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("read %s failed: %w", category, err)
}

// policy applies the privacy options of one request to collected records.
type policy struct {
	anonymize bool
	redact    bool
	maskTaxID bool
	tr        *privacy.Transformer
}

func newPolicy(req *model.ExportRequest, threshold float64) (*policy, error) {
	p := &policy{
		anonymize: req.PrivacyLevel == model.PrivacyAnonymized || req.Options.Anonymize,
		redact:    req.PrivacyLevel == model.PrivacyFull && !req.Options.IncludeSensitive,
		maskTaxID: req.Options.MaskTaxID,
	}
	if p.anonymize {
		p.redact = false
		tr, err := privacy.NewTransformer(privacy.Config{GenericIDThreshold: threshold})
		if err != nil {
			return nil, err
		}
		p.tr = tr
	}
	return p, nil
}

func (p *policy) seed(profile *model.ProfileRecord) {
	if !p.anonymize || profile == nil {
		return
	}
	p.tr.Seed(privacy.TypeName, profile.FullName)
	p.tr.Seed(privacy.TypeName, profile.CompanyName)
	p.tr.Seed(privacy.TypeEmail, profile.Email)
	p.tr.Seed(privacy.TypePhone, profile.Phone)
	p.tr.Seed(privacy.TypeTaxID, profile.TaxID)
	p.tr.Seed(privacy.TypeVATID, profile.VATID)
	p.tr.Seed(privacy.TypeAddress, profile.Address)
}

// identity handles a field whose whole value is one identifier.
func (p *policy) identity(typ privacy.PIIType, value string) string {
	if value == "" {
		return value
	}
	if p.anonymize {
		return p.tr.Placeholder(typ, value)
	}
	return value
}

// sensitive handles identifiers hidden under FULL without include_sensitive.
func (p *policy) sensitive(typ privacy.PIIType, value string) string {
	if value == "" {
		return value
	}
	if p.anonymize {
		return p.tr.Placeholder(typ, value)
	}
	if p.redact {
		return ""
	}
	if p.maskTaxID && (typ == privacy.TypeTaxID || typ == privacy.TypeVATID) {
		return privacy.MaskTail(value, 4)
	}
	return value
}

// text handles free-text bodies.
func (p *policy) text(value string) string {
	if !p.anonymize || value == "" {
		return value
	}
	return p.tr.Anonymize(value).Text
}

func (p *policy) apply(b *model.Bundle) {
	if pr := b.Profile; pr != nil {
		pr.FullName = p.identity(privacy.TypeName, pr.FullName)
		pr.CompanyName = p.identity(privacy.TypeName, pr.CompanyName)
		pr.Email = p.identity(privacy.TypeEmail, pr.Email)
		pr.Phone = p.sensitive(privacy.TypePhone, pr.Phone)
		pr.TaxID = p.sensitive(privacy.TypeTaxID, pr.TaxID)
		pr.VATID = p.sensitive(privacy.TypeVATID, pr.VATID)
		pr.Address = p.sensitive(privacy.TypeAddress, pr.Address)
	}
	for i := range b.Queries {
		b.Queries[i].Question = p.text(b.Queries[i].Question)
		b.Queries[i].Answer = p.text(b.Queries[i].Answer)
	}
	for i := range b.Documents {
		b.Documents[i].Title = p.text(b.Documents[i].Title)
		b.Documents[i].FileName = p.text(b.Documents[i].FileName)
	}
	for i := range b.Calculations {
		b.Calculations[i].Summary = p.text(b.Calculations[i].Summary)
	}
	for i := range b.Invoices {
		inv := &b.Invoices[i]
		inv.BillingName = p.identity(privacy.TypeName, inv.BillingName)
		inv.BillingTaxID = p.sensitive(privacy.TypeTaxID, inv.BillingTaxID)
		inv.BillingVATID = p.sensitive(privacy.TypeVATID, inv.BillingVATID)
	}
	for i := range b.EInvoices {
		b.EInvoices[i].RecipientCode = p.identity(privacy.TypeGenericID, b.EInvoices[i].RecipientCode)
	}
	for i := range b.KBSearches {
		b.KBSearches[i].Query = p.text(b.KBSearches[i].Query)
	}
}
