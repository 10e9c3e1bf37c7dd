package generator

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"dataport/internal/export/model"
)

const (
	ContentTypeJSON = "application/json; charset=utf-8"
	ContentTypeCSV  = "text/csv; charset=utf-8"
	ContentTypeText = "text/plain; charset=utf-8"

	ManifestName = "MANIFEST.txt"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// File is one generated output.
type File struct {
	Name        string
	ContentType string
	Data        []byte
	Category    model.Category
	Records     int
}

// Checksum is the hex SHA-256 of the file content.
func (f File) Checksum() string {
	sum := sha256.Sum256(f.Data)
	return hex.EncodeToString(sum[:])
}

// Output is everything produced for one bundle.
type Output struct {
	BaseName     string
	Files        []File
	RecordCounts map[model.Category]int
}

// TotalBytes sums the size of every file.
func (o *Output) TotalBytes() int64 {
	var n int64
	for _, f := range o.Files {
		n += int64(len(f.Data))
	}
	return n
}

// Generator serializes bundles.
type Generator struct {
	fmt *Formatter
}

// NewGenerator creates a generator using f for every scalar.
func NewGenerator(f *Formatter) (*Generator, error) {
	if f == nil {
		return nil, errors.New("formatter is nil")
	}
	return &Generator{fmt: f}, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9-]+`)

// BaseName is the collision-free stem shared by every output of a request.
func BaseName(meta model.ExportMetadata) string {
	return fmt.Sprintf("gdpr_export_%s_%s_%s",
		unsafeName.ReplaceAllString(meta.SubjectID, "-"),
		unsafeName.ReplaceAllString(meta.RequestID, "-"),
		meta.GeneratedAt.UTC().Format("20060102T150405Z"),
	)
}

// Generate produces the JSON document and/or the CSV files with manifest,
// per the bundle's format.
func (g *Generator) Generate(b *model.Bundle) (*Output, error) {
	if b == nil {
		return nil, errors.New("bundle is nil")
	}
	out := &Output{
		BaseName:     BaseName(b.Metadata),
		RecordCounts: make(map[model.Category]int, len(b.Metadata.Categories)),
	}
	for _, category := range b.Metadata.Categories {
		out.RecordCounts[category] = len(b.Records(category))
	}

	if b.Metadata.Format.IncludesJSON() {
		data, err := g.JSON(b, out.RecordCounts)
		if err != nil {
			return nil, err
		}
		out.Files = append(out.Files, File{Name: out.BaseName + ".json", ContentType: ContentTypeJSON, Data: data})
	}
	if b.Metadata.Format.IncludesCSV() {
		for _, category := range b.Metadata.Categories {
			data, err := g.CSV(b, category)
			if err != nil {
				return nil, err
			}
			out.Files = append(out.Files, File{
				Name:        out.BaseName + "_" + string(category) + ".csv",
				ContentType: ContentTypeCSV,
				Data:        data,
				Category:    category,
				Records:     out.RecordCounts[category],
			})
		}
		out.Files = append(out.Files, File{Name: ManifestName, ContentType: ContentTypeText, Data: g.Manifest(b, out)})
	}
	if len(out.Files) == 0 {
		return nil, fmt.Errorf("format %q produced no files", b.Metadata.Format)
	}
	return out, nil
}

// orderedRecord marshals a record's fields in declaration order.
type orderedRecord struct {
	fields []model.Field
	fmt    *Formatter
}

func (r orderedRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalNoEscape(field.Name)
		if err != nil {
			return nil, err
		}
		val, err := marshalNoEscape(r.fmt.JSONValue(field.Value))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type jsonMetadata struct {
	RequestID    string                 `json:"request_id"`
	SubjectID    string                 `json:"subject_id"`
	RequestedAt  string                 `json:"requested_at"`
	GeneratedAt  string                 `json:"generated_at"`
	ExpiresAt    string                 `json:"expires_at"`
	DateFrom     *string                `json:"date_from"`
	DateTo       *string                `json:"date_to"`
	PrivacyLevel model.PrivacyLevel     `json:"privacy_level"`
	Format       model.Format           `json:"format"`
	Categories   []model.Category       `json:"categories"`
	RecordCounts map[model.Category]int `json:"record_counts"`
	Anonymized   bool                   `json:"anonymized"`
	Version      string                 `json:"version"`
}

type jsonCompliance struct {
	Regulation string `json:"regulation"`
	Notice     string `json:"notice"`
	Controller string `json:"controller"`
	Contact    string `json:"contact"`
}

// jsonDocument fixes the top-level key set. A category key is present only
// when the category was exported.
type jsonDocument struct {
	ExportMetadata     jsonMetadata     `json:"export_metadata"`
	Profile            *orderedRecord   `json:"profile,omitempty"`
	Queries            *[]orderedRecord `json:"queries,omitempty"`
	Documents          *[]orderedRecord `json:"documents,omitempty"`
	Calculations       *[]orderedRecord `json:"calculations,omitempty"`
	Subscriptions      *[]orderedRecord `json:"subscriptions,omitempty"`
	Invoices           *[]orderedRecord `json:"invoices,omitempty"`
	ElectronicInvoices *[]orderedRecord `json:"electronic_invoices,omitempty"`
	UsageStatistics    *[]orderedRecord `json:"usage_statistics,omitempty"`
	FAQInteractions    *[]orderedRecord `json:"faq_interactions,omitempty"`
	KBSearches         *[]orderedRecord `json:"kb_searches,omitempty"`
	ComplianceInfo     jsonCompliance   `json:"compliance_info"`
}

// JSON renders the single-document serialization.
func (g *Generator) JSON(b *model.Bundle, counts map[model.Category]int) ([]byte, error) {
	meta := b.Metadata
	doc := jsonDocument{
		ExportMetadata: jsonMetadata{
			RequestID:    meta.RequestID,
			SubjectID:    meta.SubjectID,
			RequestedAt:  g.fmt.DateTime(meta.RequestedAt),
			GeneratedAt:  g.fmt.DateTime(meta.GeneratedAt),
			ExpiresAt:    g.fmt.DateTime(meta.ExpiresAt),
			PrivacyLevel: meta.PrivacyLevel,
			Format:       meta.Format,
			Categories:   meta.Categories,
			RecordCounts: counts,
			Anonymized:   meta.Anonymized,
			Version:      meta.Version,
		},
		ComplianceInfo: jsonCompliance(b.Compliance),
	}
	if meta.DateFrom != nil {
		s := g.fmt.Date(*meta.DateFrom)
		doc.ExportMetadata.DateFrom = &s
	}
	if meta.DateTo != nil {
		s := g.fmt.Date(*meta.DateTo)
		doc.ExportMetadata.DateTo = &s
	}

	for _, category := range meta.Categories {
		records := g.ordered(b.Records(category))
		switch category {
		case model.CategoryProfile:
			if len(records) > 0 {
				doc.Profile = &records[0]
			} else {
				doc.Profile = &orderedRecord{fmt: g.fmt}
			}
		case model.CategoryQueries:
			doc.Queries = &records
		case model.CategoryDocuments:
			doc.Documents = &records
		case model.CategoryCalculations:
			doc.Calculations = &records
		case model.CategorySubscriptions:
			doc.Subscriptions = &records
		case model.CategoryInvoices:
			doc.Invoices = &records
		case model.CategoryEInvoices:
			doc.ElectronicInvoices = &records
		case model.CategoryUsageStats:
			doc.UsageStatistics = &records
		case model.CategoryFAQ:
			doc.FAQInteractions = &records
		case model.CategoryKBSearches:
			doc.KBSearches = &records
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode json export failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *Generator) ordered(records []model.Record) []orderedRecord {
	out := make([]orderedRecord, len(records))
	for i, rec := range records {
		out[i] = orderedRecord{fields: rec.Fields(), fmt: g.fmt}
	}
	return out
}

// CSV renders one category as a semicolon-delimited file with a BOM.
func (g *Generator) CSV(b *model.Bundle, category model.Category) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(utf8BOM)
	w := csv.NewWriter(&buf)
	w.Comma = ';'
	if err := w.Write(model.Columns(category)); err != nil {
		return nil, err
	}
	for _, rec := range b.Records(category) {
		fields := rec.Fields()
		row := make([]string, len(fields))
		for i, field := range fields {
			row[i] = g.fmt.Text(field.Value)
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode %s csv failed: %w", category, err)
	}
	return buf.Bytes(), nil
}

// Manifest lists the categories, record counts and file checksums of out.
func (g *Generator) Manifest(b *model.Bundle, out *Output) []byte {
	meta := b.Metadata
	var sb strings.Builder
	sb.WriteString("GDPR DATA EXPORT MANIFEST\n")
	sb.WriteString("=========================\n\n")
	fmt.Fprintf(&sb, "Request:       %s\n", meta.RequestID)
	fmt.Fprintf(&sb, "Subject:       %s\n", meta.SubjectID)
	fmt.Fprintf(&sb, "Requested at:  %s\n", g.fmt.DateTime(meta.RequestedAt))
	fmt.Fprintf(&sb, "Generated at:  %s\n", g.fmt.DateTime(meta.GeneratedAt))
	fmt.Fprintf(&sb, "Available to:  %s\n", g.fmt.DateTime(meta.ExpiresAt))
	fmt.Fprintf(&sb, "Privacy level: %s\n", meta.PrivacyLevel)
	fmt.Fprintf(&sb, "Format:        %s\n", meta.Format)
	fmt.Fprintf(&sb, "Anonymized:    %s\n", g.fmt.Text(meta.Anonymized))
	if meta.DateFrom != nil || meta.DateTo != nil {
		from, to := "-", "-"
		if meta.DateFrom != nil {
			from = g.fmt.Date(*meta.DateFrom)
		}
		if meta.DateTo != nil {
			to = g.fmt.Date(*meta.DateTo)
		}
		fmt.Fprintf(&sb, "Date range:    %s - %s\n", from, to)
	}

	sb.WriteString("\nCategories\n----------\n")
	for _, category := range meta.Categories {
		fmt.Fprintf(&sb, "%-20s %d records\n", category, out.RecordCounts[category])
	}

	sb.WriteString("\nFiles (SHA-256)\n---------------\n")
	for _, f := range out.Files {
		fmt.Fprintf(&sb, "%s  %s  %d bytes\n", f.Checksum(), f.Name, len(f.Data))
	}

	sb.WriteString("\nCompliance\n----------\n")
	fmt.Fprintf(&sb, "%s\n%s\n", b.Compliance.Regulation, b.Compliance.Notice)
	fmt.Fprintf(&sb, "Controller: %s <%s>\n", b.Compliance.Controller, b.Compliance.Contact)
	return []byte(sb.String())
}
