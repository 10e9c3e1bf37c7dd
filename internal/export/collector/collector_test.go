package collector_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"dataport/internal/export/collector"
	"dataport/internal/export/exporttest"
	"dataport/internal/export/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func allCategories() model.Categories {
	return model.Categories{
		Profile: true, Queries: true, Documents: true, Calculations: true, Subscriptions: true,
		Invoices: true, EInvoices: true, UsageStats: true, FAQ: true, KBSearches: true,
	}
}

func newRequest(level model.PrivacyLevel) *model.ExportRequest {
	return &model.ExportRequest{
		ID:           "req-1",
		SubjectID:    "subj-1",
		RequestedAt:  at,
		ExpiresAt:    at.Add(24 * time.Hour),
		Status:       model.StatusProcessing,
		Format:       model.FormatBoth,
		PrivacyLevel: level,
		Categories:   allCategories(),
		Options:      model.Options{IncludeSensitive: true},
	}
}

func newCollector(t *testing.T, reads collector.ReadModel) *collector.Collector {
	t.Helper()
	c, err := collector.NewCollector(reads, collector.Config{Now: func() time.Time { return at }})
	require.NoError(t, err)
	return c
}

func TestCollectFullReadsEveryCategory(t *testing.T) {
	reads := exporttest.SampleReadModel(at)
	b, err := newCollector(t, reads).Collect(context.Background(), newRequest(model.PrivacyFull))
	require.NoError(t, err)

	for _, category := range model.AllCategories {
		assert.Equalf(t, 1, reads.Calls(category), "category %s", category)
		assert.Lenf(t, b.Records(category), 1, "category %s", category)
	}
	assert.Equal(t, "RSSMRA85T10A562S", b.Profile.TaxID)
	assert.Equal(t, "Contact mario.rossi@example.com", b.Queries[0].Question)
	assert.False(t, b.Metadata.Anonymized)
	assert.Equal(t, model.AllCategories, b.Metadata.Categories)
	assert.Equal(t, at, b.Metadata.GeneratedAt)
	assert.NotEmpty(t, b.Compliance.Notice)
}

func TestCollectAnonymizedLeavesNoRawPII(t *testing.T) {
	reads := exporttest.SampleReadModel(at)
	b, err := newCollector(t, reads).Collect(context.Background(), newRequest(model.PrivacyAnonymized))
	require.NoError(t, err)
	require.True(t, b.Metadata.Anonymized)

	q := b.Queries[0].Question
	assert.NotContains(t, q, "mario.rossi@example.com")
	assert.Contains(t, q, "***@anon")
	assert.Equal(t, "Contact "+b.Profile.Email, q)

	raw, err := json.Marshal(b)
	require.NoError(t, err)
	for _, secret := range []string{
		"mario.rossi@example.com", "Mario Rossi", "mario rossi", "RSSMRA85T10A562S", "12345678903", "333 1234567", "Via Roma",
	} {
		assert.NotContainsf(t, string(raw), secret, "leaked %q", secret)
	}
	assert.Equal(t, b.Profile.FullName, b.Invoices[0].BillingName)
}

func TestCollectAnonymizeFlagSeedsFromUnrequestedProfile(t *testing.T) {
	reads := exporttest.SampleReadModel(at)
	req := newRequest(model.PrivacyFull)
	req.Categories = model.Categories{KBSearches: true}
	req.Options.Anonymize = true

	b, err := newCollector(t, reads).Collect(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, b.Profile)
	assert.Equal(t, 1, reads.Calls(model.CategoryProfile))
	assert.NotContains(t, b.KBSearches[0].Query, "mario rossi")
	assert.Contains(t, b.KBSearches[0].Query, "[NAME_")
}

func TestCollectMinimalDropsSensitiveCategories(t *testing.T) {
	reads := exporttest.SampleReadModel(at)
	b, err := newCollector(t, reads).Collect(context.Background(), newRequest(model.PrivacyMinimal))
	require.NoError(t, err)

	assert.Nil(t, b.Profile)
	assert.Empty(t, b.Queries)
	assert.Empty(t, b.Documents)
	assert.Empty(t, b.Invoices)
	assert.Empty(t, b.EInvoices)
	assert.Len(t, b.Calculations, 1)
	assert.Equal(t, 0, reads.Calls(model.CategoryQueries))
	assert.Equal(t, []model.Category{
		model.CategoryCalculations, model.CategorySubscriptions, model.CategoryUsageStats,
		model.CategoryFAQ, model.CategoryKBSearches,
	}, b.Metadata.Categories)
}

func TestCollectFullWithoutSensitiveRedactsIdentifiers(t *testing.T) {
	req := newRequest(model.PrivacyFull)
	req.Options.IncludeSensitive = false
	b, err := newCollector(t, exporttest.SampleReadModel(at)).Collect(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, b.Profile.TaxID)
	assert.Empty(t, b.Profile.Phone)
	assert.Empty(t, b.Invoices[0].BillingVATID)
	assert.Equal(t, "Mario Rossi", b.Profile.FullName)
}

func TestCollectMasksTaxID(t *testing.T) {
	req := newRequest(model.PrivacyFull)
	req.Options.MaskTaxID = true
	b, err := newCollector(t, exporttest.SampleReadModel(at)).Collect(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "************562S", b.Profile.TaxID)
	assert.Equal(t, "*******8903", b.Profile.VATID)
	assert.Equal(t, "************562S", b.Invoices[0].BillingTaxID)
}

func TestCollectDateRange(t *testing.T) {
	reads := exporttest.SampleReadModel(at)
	reads.QueryRecs = append(reads.QueryRecs, model.QueryRecord{ID: "q-old", AskedAt: at.AddDate(0, -2, 0), Question: "vecchia"})
	req := newRequest(model.PrivacyFull)
	from := at.AddDate(0, -1, 0)
	req.DateFrom = &from

	b, err := newCollector(t, reads).Collect(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, b.Queries, 1)
	assert.Equal(t, "q-1", b.Queries[0].ID)
	assert.Equal(t, &from, b.Metadata.DateFrom)
}

func TestCollectPropagatesReadErrors(t *testing.T) {
	reads := exporttest.SampleReadModel(at)
	reads.Err = errors.New("connection refused")
	_, err := newCollector(t, reads).Collect(context.Background(), newRequest(model.PrivacyFull))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
