package generator

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"dataport/internal/export/exporttest"
	"dataport/internal/export/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2026, 5, 10, 12, 30, 0, 0, time.UTC)

func newGenerator(t *testing.T) *Generator {
	t.Helper()
	f, err := NewFormatter("it", "UTC")
	require.NoError(t, err)
	g, err := NewGenerator(f)
	require.NoError(t, err)
	return g
}

func sampleBundle(format model.Format, categories ...model.Category) *model.Bundle {
	reads := exporttest.SampleReadModel(at)
	b := &model.Bundle{
		Metadata: model.ExportMetadata{
			RequestID:    "req-1",
			SubjectID:    "subj-1",
			RequestedAt:  at,
			GeneratedAt:  at,
			ExpiresAt:    at.Add(24 * time.Hour),
			PrivacyLevel: model.PrivacyFull,
			Format:       format,
			Categories:   categories,
			Version:      "1.0",
		},
		Compliance: model.ComplianceInfo{
			Regulation: "GDPR Art. 20",
			Notice:     "Dati personali esportati su richiesta dell'interessato.",
			Controller: "Dataport",
			Contact:    "privacy@example.com",
		},
		Profile:       reads.ProfileRec,
		Queries:       reads.QueryRecs,
		Documents:     reads.DocumentRecs,
		Calculations:  reads.CalcRecs,
		Subscriptions: reads.SubRecs,
		Invoices:      reads.InvoiceRecs,
		EInvoices:     reads.EInvoiceRecs,
		UsageStats:    reads.UsageRecs,
		FAQ:           reads.FAQRecs,
		KBSearches:    reads.KBSearchRecs,
	}
	return b
}

func TestFormatterItalian(t *testing.T) {
	f, err := NewFormatter("it", "UTC")
	require.NoError(t, err)

	assert.Equal(t, "€ 1.234,56", f.Money(model.Money{Cents: 123456, Currency: "EUR"}))
	assert.Equal(t, "10/05/2026", f.Date(at))
	assert.Equal(t, "10/05/2026 12:30", f.DateTime(at))
	assert.Equal(t, "sì", f.Text(true))
	assert.Equal(t, "", f.Text((*time.Time)(nil)))
	assert.Nil(t, f.JSONValue((*bool)(nil)))
	assert.Equal(t, 3, f.JSONValue(3))
}

func TestFormatterMoneyKeepsEveryCent(t *testing.T) {
	it, err := NewFormatter("it", "UTC")
	require.NoError(t, err)
	us, err := NewFormatter("en-US", "UTC")
	require.NoError(t, err)

	// 2^53 + 1 cents is not representable as a float64.
	assert.Equal(t, "€ 90.071.992.547.409,93", it.Money(model.Money{Cents: 9007199254740993, Currency: "EUR"}))
	assert.Equal(t, "€ 92.233.720.368.547.758,07", it.Money(model.Money{Cents: math.MaxInt64, Currency: "EUR"}))
	assert.Equal(t, "€ -92.233.720.368.547.758,08", it.Money(model.Money{Cents: math.MinInt64, Currency: "EUR"}))
	assert.Equal(t, "€ -0,05", it.Money(model.Money{Cents: -5, Currency: "EUR"}))
	assert.Equal(t, "€ 0,00", it.Money(model.Money{Currency: "EUR"}))
	assert.Equal(t, "$ 1,234.56", us.Money(model.Money{Cents: 123456, Currency: "USD"}))
	assert.Equal(t, "SEK 7,00", it.Money(model.Money{Cents: 700, Currency: "SEK"}))
}

func TestFormatterAmericanDates(t *testing.T) {
	f, err := NewFormatter("en-US", "UTC")
	require.NoError(t, err)
	assert.Equal(t, "05/10/2026", f.Date(at))
	assert.Equal(t, "yes", f.Text(true))
}

func TestNewFormatterRejectsBadInput(t *testing.T) {
	_, err := NewFormatter("it", "Nowhere/Nothing")
	assert.Error(t, err)
}

func TestBaseNameEmbedsIdentifiers(t *testing.T) {
	name := BaseName(model.ExportMetadata{SubjectID: "user/42", RequestID: "req-1", GeneratedAt: at})
	assert.Equal(t, "gdpr_export_user-42_req-1_20260510T123000Z", name)
}

func TestGenerateJSONOnlyRequestedKeys(t *testing.T) {
	g := newGenerator(t)
	out, err := g.Generate(sampleBundle(model.FormatJSON, model.CategoryProfile, model.CategoryCalculations))
	require.NoError(t, err)
	require.Len(t, out.Files, 1)
	assert.Equal(t, out.BaseName+".json", out.Files[0].Name)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out.Files[0].Data, &doc))
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"export_metadata", "profile", "calculations", "compliance_info"}, keys)

	raw := string(out.Files[0].Data)
	assert.Contains(t, raw, `"result": "€ 1.234,56"`)
	assert.Contains(t, raw, `"requested_at": "10/05/2026 12:30"`)
	assert.Less(t, strings.Index(raw, `"export_metadata"`), strings.Index(raw, `"profile"`))
	assert.Less(t, strings.Index(raw, `"calculations"`), strings.Index(raw, `"compliance_info"`))
}

func TestGenerateEmptyCategoryKeepsKey(t *testing.T) {
	g := newGenerator(t)
	b := sampleBundle(model.FormatJSON, model.CategoryQueries)
	b.Queries = nil
	out, err := g.Generate(b)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out.Files[0].Data, &doc))
	assert.JSONEq(t, `[]`, string(doc["queries"]))
}

func TestGenerateCSVUsesBOMAndSemicolon(t *testing.T) {
	g := newGenerator(t)
	out, err := g.Generate(sampleBundle(model.FormatCSV, model.CategoryCalculations))
	require.NoError(t, err)
	require.Len(t, out.Files, 2)

	file := out.Files[0]
	assert.Equal(t, out.BaseName+"_calculations.csv", file.Name)
	require.True(t, bytes.HasPrefix(file.Data, utf8BOM))

	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(file.Data, utf8BOM)))
	r.Comma = ';'
	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.Columns(model.CategoryCalculations), rows[0])
	assert.Contains(t, rows[1], "€ 1.234,56")
	assert.Contains(t, rows[1], "10/05/2026 12:30")

	manifest := out.Files[1]
	assert.Equal(t, ManifestName, manifest.Name)
	assert.Contains(t, string(manifest.Data), "calculations")
	assert.Contains(t, string(manifest.Data), file.Checksum())
	assert.Contains(t, string(manifest.Data), "GDPR Art. 20")
}

func TestJSONAndCSVRecordCountsMatch(t *testing.T) {
	g := newGenerator(t)
	b := sampleBundle(model.FormatBoth, model.AllCategories...)
	b.Queries = append(b.Queries, model.QueryRecord{ID: "q-2", AskedAt: at, Question: "a;b \"c\"\nd"})
	out, err := g.Generate(b)
	require.NoError(t, err)
	require.Len(t, out.Files, 1+len(model.AllCategories)+1)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out.Files[0].Data, &doc))

	for _, file := range out.Files[1 : len(out.Files)-1] {
		r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(file.Data, utf8BOM)))
		r.Comma = ';'
		rows, err := r.ReadAll()
		require.NoError(t, err, file.Name)
		csvCount := len(rows) - 1

		jsonCount := 1
		if file.Category != model.CategoryProfile {
			var arr []json.RawMessage
			require.NoError(t, json.Unmarshal(doc[string(file.Category)], &arr), file.Name)
			jsonCount = len(arr)
		}
		assert.Equalf(t, jsonCount, csvCount, "category %s", file.Category)
		assert.Equal(t, out.RecordCounts[file.Category], csvCount)
	}
	assert.Equal(t, 2, out.RecordCounts[model.CategoryQueries])
}
