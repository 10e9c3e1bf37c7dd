package privacy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

// PIIType names a kind of personal data found in free text.
type PIIType string

const (
	TypeEmail     PIIType = "email"
	TypeTaxID     PIIType = "tax_id"
	TypeVATID     PIIType = "vat_id"
	TypeIBAN      PIIType = "iban"
	TypeCard      PIIType = "payment_card"
	TypePhone     PIIType = "phone"
	TypeDate      PIIType = "date"
	TypeAddress   PIIType = "address"
	TypeName      PIIType = "person_name"
	TypeGenericID PIIType = "generic_id"
)

// DefaultGenericIDThreshold drops low-confidence identifier guesses.
const DefaultGenericIDThreshold = 0.7

// Match is one detected PII span. Start and End are byte offsets.
type Match struct {
	Type       PIIType `json:"type"`
	Original   string  `json:"original"`
	Anonymized string  `json:"anonymized"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

func (m Match) overlaps(o Match) bool {
	return m.Start < o.End && o.Start < m.End
}

// Result is the outcome of anonymizing one text.
type Result struct {
	Text         string            `json:"text"`
	Matches      []Match           `json:"matches"`
	Replacements map[string]string `json:"replacements"`
	ProcessedAt  time.Time         `json:"processed_at"`
}

// StructuredResult is the outcome of anonymizing a nested value.
type StructuredResult struct {
	Value        any               `json:"value"`
	Matches      []Match           `json:"matches"`
	Replacements map[string]string `json:"replacements"`
}

// Config configures a Transformer.
type Config struct {
	GenericIDThreshold float64
	// Key seeds placeholder tokens. A random key is drawn when empty.
	Key []byte
	Now func() time.Time
}

// Transformer detects and replaces PII. One Transformer is one session:
// equal values map to equal placeholders for its whole lifetime.
// It is safe for concurrent use.
type Transformer struct {
	matchers  []matcher
	threshold float64
	key       []byte
	now       func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]string
	seeds []matcher
}

type cacheKey struct {
	typ   PIIType
	value string
}

// NewTransformer creates a session with its own placeholder key.
func NewTransformer(cfg Config) (*Transformer, error) {
	key := cfg.Key
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate placeholder key failed: %w", err)
		}
	}
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("placeholder key longer than %d bytes", blake2b.Size)
	}
	threshold := cfg.GenericIDThreshold
	if threshold <= 0 {
		threshold = DefaultGenericIDThreshold
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Transformer{
		matchers:  defaultMatchers,
		threshold: threshold,
		key:       key,
		now:       now,
		cache:     make(map[cacheKey]string),
	}, nil
}

// Seed registers a value already known to be PII of typ, such as the
// subject's own name. Seeded values are matched case-insensitively and take
// precedence over every pattern matcher.
func (t *Transformer) Seed(typ PIIType, value string) {
	value = strings.TrimSpace(value)
	if utf8.RuneCountInString(value) < minSeedLength {
		return
	}
	m := matcher{
		typ:   typ,
		re:    regexp.MustCompile(`(?i)` + regexp.QuoteMeta(value)),
		score: fixed(1),
	}
	t.mu.Lock()
	t.seeds = append(t.seeds, m)
	t.mu.Unlock()
}

const minSeedLength = 4

func (t *Transformer) activeMatchers() []matcher {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.seeds) == 0 {
		return t.matchers
	}
	out := make([]matcher, 0, len(t.seeds)+len(t.matchers))
	out = append(out, t.seeds...)
	return append(out, t.matchers...)
}

// DetectAll returns every candidate from every matcher, overlapping spans
// and low-confidence identifiers included, ordered by start offset.
func (t *Transformer) DetectAll(text string) []Match {
	var out []Match
	for _, m := range t.activeMatchers() {
		out = append(out, m.find(text)...)
	}
	sortByStart(out)
	return out
}

// Detect returns the non-overlapping matches that would be replaced.
// Overlaps resolve by matcher precedence, then by earlier start.
func (t *Transformer) Detect(text string) []Match {
	var accepted []Match
	for _, m := range t.activeMatchers() {
		for _, cand := range m.find(text) {
			if cand.Type == TypeGenericID && cand.Confidence < t.threshold {
				continue
			}
			if overlapsAny(cand, accepted) {
				continue
			}
			accepted = append(accepted, cand)
		}
	}
	sortByStart(accepted)
	return accepted
}

// Anonymize replaces every detected span with its placeholder.
func (t *Transformer) Anonymize(text string) Result {
	matches := t.Detect(text)
	replacements := make(map[string]string, len(matches))
	for i := range matches {
		matches[i].Anonymized = t.Placeholder(matches[i].Type, matches[i].Original)
		replacements[matches[i].Original] = matches[i].Anonymized
	}

	out := text
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		out = out[:m.Start] + m.Anonymized + out[m.End:]
	}
	return Result{
		Text:         out,
		Matches:      matches,
		Replacements: replacements,
		ProcessedAt:  t.now(),
	}
}

// AnonymizeValue walks maps, slices and strings and anonymizes every
// string leaf. Other scalars are returned unchanged. Map keys are kept and
// visited in sorted order, so Matches is the same on every run.
func (t *Transformer) AnonymizeValue(v any) StructuredResult {
	res := StructuredResult{Replacements: make(map[string]string)}
	res.Value = t.walk(v, &res)
	return res
}

func (t *Transformer) walk(v any, res *StructuredResult) any {
	switch val := v.(type) {
	case string:
		r := t.Anonymize(val)
		res.Matches = append(res.Matches, r.Matches...)
		for k, repl := range r.Replacements {
			res.Replacements[k] = repl
		}
		return r.Text
	case map[string]any:
		out := make(map[string]any, len(val))
		for _, k := range sortedKeys(val) {
			out[k] = t.walk(val[k], res)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for _, k := range sortedKeys(val) {
			out[k] = t.walk(val[k], res).(string)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = t.walk(item, res)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = t.walk(item, res).(string)
		}
		return out
	default:
		return v
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Placeholder returns the stable replacement for value within this session.
func (t *Transformer) Placeholder(typ PIIType, value string) string {
	key := cacheKey{typ: typ, value: strings.ToLower(value)}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.cache[key]; ok {
		return p
	}
	p := formatPlaceholder(typ, value, t.token(key))
	t.cache[key] = p
	return p
}

func (t *Transformer) token(key cacheKey) string {
	h, err := blake2b.New256(t.key)
	if err != nil {
		// key length is checked in NewTransformer
		panic(err)
	}
	h.Write([]byte(key.typ))
	h.Write([]byte{0})
	h.Write([]byte(key.value))
	return hex.EncodeToString(h.Sum(nil))[:8]
}

func formatPlaceholder(typ PIIType, value, tok string) string {
	switch typ {
	case TypeEmail:
		first, _ := utf8.DecodeRuneInString(value)
		return string(first) + "***@anon" + tok + ".invalid"
	case TypePhone:
		return "+** *** ph" + tok
	case TypeTaxID:
		return "[TAX_ID_" + tok + "]"
	case TypeVATID:
		return "[VAT_ID_" + tok + "]"
	case TypeIBAN:
		return "[IBAN_" + tok + "]"
	case TypeCard:
		return "[CARD_" + tok + "]"
	case TypeDate:
		return "[DATE_" + tok + "]"
	case TypeAddress:
		return "[ADDRESS_" + tok + "]"
	case TypeName:
		return "[NAME_" + tok + "]"
	default:
		return "[ID_" + tok + "]"
	}
}

func overlapsAny(m Match, accepted []Match) bool {
	for _, a := range accepted {
		if m.overlaps(a) {
			return true
		}
	}
	return false
}

func sortByStart(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Start != ms[j].Start {
			return ms[i].Start < ms[j].Start
		}
		return ms[i].End > ms[j].End
	})
}

// matcher finds candidates of one PII type. group selects the submatch
// used as the span; score returns the confidence or false to reject.
type matcher struct {
	typ   PIIType
	re    *regexp.Regexp
	group int
	score func(value string) (float64, bool)
}

func (m matcher) find(text string) []Match {
	var out []Match
	for _, loc := range m.re.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[2*m.group], loc[2*m.group+1]
		if start < 0 {
			continue
		}
		value := text[start:end]
		conf, ok := m.score(value)
		if !ok {
			continue
		}
		out = append(out, Match{Type: m.typ, Original: value, Start: start, End: end, Confidence: conf})
	}
	return out
}

func fixed(conf float64) func(string) (float64, bool) {
	return func(string) (float64, bool) { return conf, true }
}

// defaultMatchers is ordered by precedence: an earlier matcher wins any
// overlap with a later one.
var defaultMatchers = []matcher{
	{
		typ:   TypeEmail,
		re:    regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		score: fixed(0.95),
	},
	{
		typ: TypeTaxID,
		re:  regexp.MustCompile(`(?i)\b[A-Z]{6}[0-9LMNPQRSTUV]{2}[A-Z][0-9LMNPQRSTUV]{2}[A-Z][0-9LMNPQRSTUV]{3}[A-Z]\b`),
		score: func(v string) (float64, bool) {
			if ValidTaxIDStructure(v) {
				return 0.98, true
			}
			return 0.75, true
		},
	},
	{
		typ: TypeVATID,
		re:  regexp.MustCompile(`\b(?:IT)?\d{11}\b`),
		score: func(v string) (float64, bool) {
			return 0.95, ValidVATID(v)
		},
	},
	{
		typ: TypeIBAN,
		re:  regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`),
		score: func(v string) (float64, bool) {
			if ValidIBAN(v) {
				return 0.95, true
			}
			return 0.65, true
		},
	},
	{
		typ: TypeCard,
		re:  regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`),
		score: func(v string) (float64, bool) {
			return 0.95, ValidLuhn(v)
		},
	},
	{
		typ:   TypePhone,
		re:    regexp.MustCompile(`(?:\+|\b00)\d{1,3}[ .\-]?\(?\d{1,4}\)?(?:[ .\-]?\d{2,4}){2,4}\b|\b3\d{2}[ .\-]?\d{3}[ .\-]?\d{3,4}\b|\b0\d{1,3}[ .\-]?\d{5,8}\b`),
		score: fixed(0.85),
	},
	{
		typ:   TypeDate,
		re:    regexp.MustCompile(`\b(?:\d{1,2}[/.\-]\d{1,2}[/.\-](?:\d{4}|\d{2})|\d{4}-\d{2}-\d{2})\b`),
		score: fixed(0.7),
	},
	{
		typ:   TypeAddress,
		re:    regexp.MustCompile(`\b(?:Via|Viale|Piazza|Piazzale|Corso|Largo|Vicolo|Strada)\s+[A-Z][\p{L}']+(?:\s+[A-Z][\p{L}']+)*(?:,?\s*\d{1,4}[A-Za-z]?\b)?`),
		score: fixed(0.8),
	},
	{
		typ:   TypeName,
		re:    regexp.MustCompile(`\b(?:Sig\.ra|Sig\.|Sig|Dott\.ssa|Dott\.|Dott|Avv\.|Avv|Ing\.|Ing|Prof\.ssa|Prof\.|Prof|Mrs\.|Mrs|Mr\.|Mr|Ms\.|Ms|Dr\.|Dr)\s+([A-Z][a-z']+(?:\s+[A-Z][a-z']+)?)`),
		group: 1,
		score: fixed(0.8),
	},
	{
		typ:   TypeGenericID,
		re:    regexp.MustCompile(`\b[A-Za-z0-9]{10,}\b`),
		score: scoreGenericID,
	},
}

func scoreGenericID(v string) (float64, bool) {
	digits, letters := 0, 0
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			digits++
		default:
			letters++
		}
	}
	switch {
	case digits == 0:
		return 0, false
	case letters == 0:
		return 0.75, true
	case len(v) >= 20:
		return 0.72, true
	default:
		return 0.6, true
	}
}
