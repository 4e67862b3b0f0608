// Package normalizers turns raw names and identifiers into the keys every
// uniqueness rule and blocking key is built on.
package normalizers

import (
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("alphanumeric", Alphanumeric)
	Register("upper_alphanumeric", UpperAlphanumeric)
	Register("ticker", NormalizeTicker)
	Register("registry_number", UpperAlphanumeric)
	Register("lei", UpperAlphanumeric)
	Register("domain", NormalizeDomain)
	Register("state", NormalizeState)
	Register("country", NormalizeCountry)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value. Unknown names return the value unchanged.
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	for _, name := range normalizers {
		value = Apply(value, name)
	}
	return value
}

func Lowercase(s string) string {
	return strings.ToLower(s)
}

func Trim(s string) string {
	return strings.TrimSpace(s)
}

// Alphanumeric keeps only letters and digits
func Alphanumeric(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func UpperAlphanumeric(s string) string {
	return strings.ToUpper(Alphanumeric(s))
}

// NormalizeTicker upper-cases a ticker and drops an exchange prefix ("NASDAQ:AAPL") or "$".
func NormalizeTicker(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimPrefix(s, "$")
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' {
			result.WriteRune(unicode.ToUpper(r))
		}
	}
	return result.String()
}

// NormalizeDomain reduces a URL or host to its bare lower-case host without "www.".
func NormalizeDomain(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, ".")
	s = strings.TrimPrefix(s, "www.")
	return s
}

// NormalizeState upper-cases a state or province code.
func NormalizeState(s string) string {
	return strings.Join(strings.Fields(strings.ToUpper(strings.ReplaceAll(s, ".", ""))), " ")
}

var countrySynonyms = map[string]string{
	"US":                       "US",
	"USA":                      "US",
	"UNITED STATES":            "US",
	"UNITED STATES OF AMERICA": "US",
	"UK":                       "GB",
	"GB":                       "GB",
	"GREAT BRITAIN":            "GB",
	"UNITED KINGDOM":           "GB",
}

// NormalizeCountry upper-cases a country and folds common synonyms onto ISO codes.
func NormalizeCountry(s string) string {
	s = NormalizeState(s)
	if code, ok := countrySynonyms[s]; ok {
		return code
	}
	return s
}
