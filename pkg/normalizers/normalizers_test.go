package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/models"
)

func TestNormalize(t *testing.T) {
	n := NewEntityNormalizer(nil)

	tests := []struct {
		name       string
		raw        string
		entityType models.EntityType
		want       string
	}{
		{"legal suffix with punctuation", "Apple, Inc.", models.EntityTypeCompany, "apple"},
		{"upper case suffix", "APPLE INC", models.EntityTypeCompany, "apple"},
		{"full word is kept", "Microsoft Corporation", models.EntityTypeCompany, "microsoft corporation"},
		{"abbreviation is stripped", "Microsoft Corp", models.EntityTypeCompany, "microsoft"},
		{"leading article and hyphen", "  The   Coca-Cola Co. ", models.EntityTypeCompany, "coca cola"},
		{"diacritics", "Nestlé S.A.", models.EntityTypeCompany, "nestle"},
		{"ampersand joins", "AT&T Inc.", models.EntityTypeCompany, "att"},
		{"stacked suffixes", "Sony Group Co., Ltd.", models.EntityTypeCompany, "sony group"},
		{"symbols removed", "Acme™ Corp", models.EntityTypeCompany, "acme"},
		{"case folding", "Straße Capital", models.EntityTypeInvestor, "strasse capital"},
		{"investor gp suffix", "Sequoia Capital GP", models.EntityTypeInvestor, "sequoia capital"},
		{"person honorific and generational", "Dr. Jane Smith Jr.", models.EntityTypePerson, "jane smith"},
		{"person comma order", "Smith, Jane", models.EntityTypePerson, "jane smith"},
		{"person comma order with trailing suffix", "Smith, Jane, Jr.", models.EntityTypePerson, "jane smith"},
		{"person comma order with inner suffix", "Smith, Jr., Jane", models.EntityTypePerson, "jane smith"},
		{"person trailing comma", "Smith, Jane,", models.EntityTypePerson, "jane smith"},
		{"person two name commas keep order", "Smith, Jane, Ann", models.EntityTypePerson, "smith jane ann"},
		{"person roman numeral", "John Smith III", models.EntityTypePerson, "john smith"},
		{"person apostrophe and hyphen", "Ms. Ann-Marie O'Neil", models.EntityTypePerson, "ann marie oneil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.raw, tt.entityType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_InvalidInput(t *testing.T) {
	n := NewEntityNormalizer(nil)

	tests := []struct {
		name       string
		raw        string
		entityType models.EntityType
	}{
		{"empty", "", models.EntityTypeCompany},
		{"whitespace", "   ", models.EntityTypeCompany},
		{"only a suffix", "Inc.", models.EntityTypeCompany},
		{"only an honorific", "Mr.", models.EntityTypePerson},
		{"only punctuation", "?!", models.EntityTypeCompany},
		{"unknown type", "Apple", models.EntityType("fund")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.raw, tt.entityType)
			require.Error(t, err)
			assert.True(t, apperror.IsKind(err, apperror.KindInvalidInput))
		})
	}
}

func TestNormalize_Override(t *testing.T) {
	n := NewEntityNormalizer(map[models.EntityType]Strategy{
		models.EntityTypeCompany: {Suffixes: []string{"corporation"}},
	})

	got, err := n.Normalize("Microsoft Corporation", models.EntityTypeCompany)
	require.NoError(t, err)
	assert.Equal(t, "microsoft", got)

	got, err = n.Normalize("Microsoft Corp", models.EntityTypeCompany)
	require.NoError(t, err)
	assert.Equal(t, "microsoft corp", got)
}

func TestIdentifierNormalizers(t *testing.T) {
	tests := []struct {
		normalizer string
		in         string
		want       string
	}{
		{"ticker", "NASDAQ:aapl", "AAPL"},
		{"ticker", "$msft", "MSFT"},
		{"ticker", "brk.b", "BRK.B"},
		{"registry_number", " 123-45 ", "12345"},
		{"lei", "5493 00e5 8ek", "549300E58EK"},
		{"domain", "https://www.Apple.com/about?x=1", "apple.com"},
		{"domain", "APPLE.COM:443", "apple.com"},
		{"domain", "http://user@www.example.org:8080/", "example.org"},
		{"country", "usa", "US"},
		{"country", "u.s.a.", "US"},
		{"country", "United Kingdom", "GB"},
		{"country", "de", "DE"},
		{"state", "N.Y.", "NY"},
		{"missing", "Keep Me", "Keep Me"},
	}

	for _, tt := range tests {
		t.Run(tt.normalizer+"/"+tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Apply(tt.in, tt.normalizer))
		})
	}
}

func TestApplyChain(t *testing.T) {
	assert.Equal(t, "foo", ApplyChain("  Foo ", "trim", "lowercase"))

	_, ok := Get("domain")
	assert.True(t, ok)
	_, ok = Get("nope")
	assert.False(t, ok)
}

func TestNormalizeMention(t *testing.T) {
	n := NewEntityNormalizer(nil)

	got, err := n.NormalizeMention(models.Mention{
		Name:       " Apple Inc ",
		EntityType: models.EntityTypeCompany,
		Identifiers: models.Identifiers{
			Ticker: "nasdaq:aapl",
			Domain: "https://apple.com",
		},
		Location: models.Location{City: "Cupertino", State: "ca", Country: "United States"},
	})
	require.NoError(t, err)

	assert.Equal(t, "apple", got.Key)
	assert.Equal(t, "Apple Inc", got.Name)
	assert.Equal(t, "AAPL", got.Identifiers.Ticker)
	assert.Equal(t, "apple.com", got.Identifiers.Domain)
	assert.Empty(t, got.Identifiers.LEI)
	assert.Equal(t, models.Location{City: "cupertino", State: "CA", Country: "US"}, got.Location)
}
