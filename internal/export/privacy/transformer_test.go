package privacy

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransformer(t *testing.T) *Transformer {
	t.Helper()
	tr, err := NewTransformer(Config{
		Key: []byte("test-session-key"),
		Now: func() time.Time { return time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return tr
}

func TestAnonymizeEmailIsDeterministic(t *testing.T) {
	tr := newTestTransformer(t)

	first := tr.Anonymize("Contact mario.rossi@example.com")
	require.Len(t, first.Matches, 1)
	assert.Equal(t, TypeEmail, first.Matches[0].Type)
	assert.NotContains(t, first.Text, "mario.rossi@example.com")
	assert.True(t, strings.HasPrefix(first.Text, "Contact m***@anon"))
	assert.True(t, strings.HasSuffix(first.Text, ".invalid"))

	second := tr.Anonymize("again: MARIO.ROSSI@example.com")
	require.Len(t, second.Matches, 1)
	assert.Equal(t, first.Matches[0].Anonymized, second.Matches[0].Anonymized)
}

func TestPlaceholdersDifferAcrossSessions(t *testing.T) {
	a, err := NewTransformer(Config{})
	require.NoError(t, err)
	b, err := NewTransformer(Config{})
	require.NoError(t, err)
	assert.NotEqual(t, a.Placeholder(TypeEmail, "x@example.com"), b.Placeholder(TypeEmail, "x@example.com"))
}

func TestTaxIDConfidence(t *testing.T) {
	tr := newTestTransformer(t)

	matches := tr.Detect("CF: RSSMRA85T10A562S")
	require.Len(t, matches, 1)
	assert.Equal(t, TypeTaxID, matches[0].Type)
	assert.GreaterOrEqual(t, matches[0].Confidence, 0.95)

	raw := tr.DetectAll("code A1B2C3D4E5F6G7H8 here")
	require.Len(t, raw, 1)
	assert.Equal(t, TypeGenericID, raw[0].Type)
	assert.Less(t, raw[0].Confidence, 0.7)

	res := tr.Anonymize("code A1B2C3D4E5F6G7H8 here")
	assert.Empty(t, res.Matches)
	assert.Equal(t, "code A1B2C3D4E5F6G7H8 here", res.Text)
}

func TestDetectTypes(t *testing.T) {
	tests := []struct {
		name string
		text string
		want PIIType
		orig string
	}{
		{"vat", "P.IVA 12345678903.", TypeVATID, "12345678903"},
		{"vat with prefix", "P.IVA IT12345678903", TypeVATID, "IT12345678903"},
		{"iban", "IBAN IT60X0542811101000000123456", TypeIBAN, "IT60X0542811101000000123456"},
		{"card", "carta 4111 1111 1111 1111 scade", TypeCard, "4111 1111 1111 1111"},
		{"mobile", "chiamami al 333 123 4567", TypePhone, "333 123 4567"},
		{"international", "tel +39 333 1234567", TypePhone, "+39 333 1234567"},
		{"date", "nato il 10/12/1985", TypeDate, "10/12/1985"},
		{"iso date", "scadenza 2025-06-30", TypeDate, "2025-06-30"},
		{"address", "abito in Via Roma 12", TypeAddress, "Via Roma 12"},
		{"name", "parla con Dott. Mario Rossi oggi", TypeName, "Mario Rossi"},
		{"numeric id", "pratica 9876543210", TypeGenericID, "9876543210"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTransformer(t)
			matches := tr.Detect(tt.text)
			require.Len(t, matches, 1)
			assert.Equal(t, tt.want, matches[0].Type)
			assert.Equal(t, tt.orig, matches[0].Original)
			assert.Equal(t, tt.orig, tt.text[matches[0].Start:matches[0].End])
		})
	}
}

func TestInvalidChecksumsAreRejected(t *testing.T) {
	tr := newTestTransformer(t)
	for _, m := range tr.DetectAll("carta 4111 1111 1111 1112") {
		assert.NotEqual(t, TypeCard, m.Type)
	}
	for _, m := range tr.DetectAll("P.IVA 12345678901") {
		assert.NotEqual(t, TypeVATID, m.Type)
	}
}

func TestOverlapResolvedByPrecedence(t *testing.T) {
	tr := newTestTransformer(t)
	text := "IBAN IT60X0542811101000000123456"

	raw := tr.DetectAll(text)
	types := map[PIIType]bool{}
	for _, m := range raw {
		types[m.Type] = true
	}
	assert.True(t, types[TypeIBAN])
	assert.True(t, types[TypeGenericID])

	matches := tr.Detect(text)
	require.Len(t, matches, 1)
	assert.Equal(t, TypeIBAN, matches[0].Type)
}

func TestAnonymizeMultipleSpans(t *testing.T) {
	tr := newTestTransformer(t)
	text := "Scrivi a a@b.com o chiama +39 333 1234567, CF RSSMRA85T10A562S"

	res := tr.Anonymize(text)
	require.Len(t, res.Matches, 3)
	for i := 1; i < len(res.Matches); i++ {
		assert.Less(t, res.Matches[i-1].Start, res.Matches[i].Start)
	}
	assert.NotContains(t, res.Text, "a@b.com")
	assert.NotContains(t, res.Text, "1234567")
	assert.NotContains(t, res.Text, "RSSMRA85T10A562S")
	assert.Contains(t, res.Text, "[TAX_ID_")
	assert.Contains(t, res.Text, "+** *** ph")
	assert.Len(t, res.Replacements, 3)
	assert.Equal(t, time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC), res.ProcessedAt)
}

func TestAnonymizeIsIdempotent(t *testing.T) {
	tr := newTestTransformer(t)
	inputs := []string{
		"Contact mario.rossi@example.com",
		"tel +39 333 1234567 e IBAN IT60X0542811101000000123456",
		"Dott. Mario Rossi, Via Roma 12, nato il 10/12/1985, CF RSSMRA85T10A562S",
		"carta 4111 1111 1111 1111 pratica 9876543210 P.IVA 12345678903",
	}
	for _, in := range inputs {
		once := tr.Anonymize(in).Text
		twice := tr.Anonymize(once)
		assert.Equal(t, once, twice.Text, in)
		assert.Empty(t, twice.Matches, in)
	}
}

func TestAnonymizeValueWalksStructures(t *testing.T) {
	tr := newTestTransformer(t)
	in := map[string]any{
		"email": "a@b.com",
		"count": 3,
		"notes": []any{"chiama 333 123 4567", true},
		"tags":  []string{"nessun dato"},
	}

	res := tr.AnonymizeValue(in)
	out, ok := res.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, out["count"])
	assert.NotEqual(t, "a@b.com", out["email"])
	notes := out["notes"].([]any)
	assert.NotContains(t, notes[0], "4567")
	assert.Equal(t, true, notes[1])
	assert.Equal(t, []string{"nessun dato"}, out["tags"])
	assert.Len(t, res.Matches, 2)
	assert.Equal(t, out["email"], res.Replacements["a@b.com"])
	assert.Equal(t, "a@b.com", in["email"])
}

func TestAnonymizeValueMatchesFollowKeyOrder(t *testing.T) {
	in := map[string]any{
		"d_email": "d@example.com",
		"a_email": "a@example.com",
		"c_nested": map[string]string{
			"z": "z@example.com",
			"b": "b@example.com",
		},
		"b_email": "b2@example.com",
	}
	want := []string{"a@example.com", "b2@example.com", "b@example.com", "z@example.com", "d@example.com"}

	for i := 0; i < 20; i++ {
		res := newTestTransformer(t).AnonymizeValue(in)
		got := make([]string, len(res.Matches))
		for j, m := range res.Matches {
			got[j] = m.Original
		}
		require.Equal(t, want, got)
	}
}

func TestConcurrentPlaceholders(t *testing.T) {
	tr := newTestTransformer(t)
	want := tr.Placeholder(TypeEmail, "x@example.com")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, tr.Placeholder(TypeEmail, "x@example.com"))
		}()
	}
	wg.Wait()
}

func TestChecksums(t *testing.T) {
	assert.True(t, ValidVATID("12345678903"))
	assert.False(t, ValidVATID("12345678900"))
	assert.True(t, ValidLuhn("4111-1111-1111-1111"))
	assert.False(t, ValidLuhn("4111"))
	assert.True(t, ValidIBAN("IT60 X054 2811 1010 0000 0123 456"))
	assert.False(t, ValidIBAN("IT61X0542811101000000123456"))
	assert.True(t, ValidTaxIDStructure("rssmra85t10a562s"))
	assert.False(t, ValidTaxIDStructure("RSSMRA85X10A562S"))
	assert.Equal(t, "************562S", MaskTail("RSSMRA85T10A562S", 4))
	assert.Equal(t, "abc", MaskTail("abc", 4))
}

func TestSeededValuesTakePrecedence(t *testing.T) {
	tr := newTestTransformer(t)
	tr.Seed(TypeName, "Mario Rossi")
	tr.Seed(TypeName, "ab")

	res := tr.Anonymize("ho parlato con mario rossi ieri")
	require.Len(t, res.Matches, 1)
	assert.Equal(t, TypeName, res.Matches[0].Type)
	assert.Equal(t, 1.0, res.Matches[0].Confidence)
	assert.Equal(t, "ho parlato con "+tr.Placeholder(TypeName, "Mario Rossi")+" ieri", res.Text)
	assert.Equal(t, "ab cd", tr.Anonymize("ab cd").Text)
}
