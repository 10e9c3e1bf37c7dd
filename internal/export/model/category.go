package model

// Category names one exportable data domain.
type Category string

const (
	CategoryProfile       Category = "profile"
	CategoryQueries       Category = "queries"
	CategoryDocuments     Category = "documents"
	CategoryCalculations  Category = "calculations"
	CategorySubscriptions Category = "subscriptions"
	CategoryInvoices      Category = "invoices"
	CategoryEInvoices     Category = "electronic_invoices"
	CategoryUsageStats    Category = "usage_statistics"
	CategoryFAQ           Category = "faq_interactions"
	CategoryKBSearches    Category = "kb_searches"
)

// AllCategories lists every category in export order.
var AllCategories = []Category{
	CategoryProfile,
	CategoryQueries,
	CategoryDocuments,
	CategoryCalculations,
	CategorySubscriptions,
	CategoryInvoices,
	CategoryEInvoices,
	CategoryUsageStats,
	CategoryFAQ,
	CategoryKBSearches,
}

// Sensitive reports whether the category holds identity, free text or
// financial identifiers. Sensitive categories are dropped under PrivacyMinimal.
func (c Category) Sensitive() bool {
	switch c {
	case CategoryProfile, CategoryQueries, CategoryDocuments, CategoryInvoices, CategoryEInvoices:
		return true
	}
	return false
}

// Categories holds the per-category opt-ins of a request.
// EInvoices is a regional opt-in for electronic-invoice metadata.
type Categories struct {
	Profile       bool `json:"profile"`
	Queries       bool `json:"queries"`
	Documents     bool `json:"documents"`
	Calculations  bool `json:"calculations"`
	Subscriptions bool `json:"subscriptions"`
	Invoices      bool `json:"invoices"`
	EInvoices     bool `json:"electronic_invoices"`
	UsageStats    bool `json:"usage_stats"`
	FAQ           bool `json:"faq"`
	KBSearches    bool `json:"kb_searches"`
}

// Has reports whether c is opted in.
func (c Categories) Has(category Category) bool {
	switch category {
	case CategoryProfile:
		return c.Profile
	case CategoryQueries:
		return c.Queries
	case CategoryDocuments:
		return c.Documents
	case CategoryCalculations:
		return c.Calculations
	case CategorySubscriptions:
		return c.Subscriptions
	case CategoryInvoices:
		return c.Invoices
	case CategoryEInvoices:
		return c.EInvoices
	case CategoryUsageStats:
		return c.UsageStats
	case CategoryFAQ:
		return c.FAQ
	case CategoryKBSearches:
		return c.KBSearches
	}
	return false
}

// Any reports whether at least one category is opted in.
func (c Categories) Any() bool {
	for _, category := range AllCategories {
		if c.Has(category) {
			return true
		}
	}
	return false
}

// Effective returns the categories to collect, in export order.
// Under PrivacyMinimal it is the opted-in set minus sensitive categories.
func (c Categories) Effective(level PrivacyLevel) []Category {
	out := make([]Category, 0, len(AllCategories))
	for _, category := range AllCategories {
		if !c.Has(category) {
			continue
		}
		if level == PrivacyMinimal && category.Sensitive() {
			continue
		}
		out = append(out, category)
	}
	return out
}
