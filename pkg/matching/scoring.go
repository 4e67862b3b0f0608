package matching

import (
	"sort"
	"strings"
	"unicode"
)

// Scorer provides the string comparison algorithms used for name matching
type Scorer struct {
	// PrefixScale is the Winkler boost per shared leading rune.
	PrefixScale float64
	// PrefixCap bounds the shared prefix length considered.
	PrefixCap int
}

// NewScorer creates a Scorer with the standard Winkler constants
func NewScorer() *Scorer {
	return &Scorer{PrefixScale: 0.1, PrefixCap: 4}
}

// Similarity compares two normalized keys. Inputs are put in a canonical order first so the
// result is identical in both directions, and word order is ignored by also comparing the
// token-sorted forms.
func (s *Scorer) Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	a, b = canonicalOrder(a, b)
	sim := s.JaroWinkler(a, b)

	sa, sb := canonicalOrder(sortTokens(a), sortTokens(b))
	if sorted := s.JaroWinkler(sa, sb); sorted > sim {
		sim = sorted
	}
	return sim
}

func canonicalOrder(a, b string) (string, string) {
	if len(a) > len(b) || (len(a) == len(b) && a > b) {
		return b, a
	}
	return a, b
}

func sortTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// JaroWinkler calculates the Jaro-Winkler similarity between two strings
// Returns a value between 0.0 (no similarity) and 1.0 (exact match)
func (s *Scorer) JaroWinkler(a, b string) float64 {
	if a == b {
		return 1.0
	}

	ra, rb := []rune(a), []rune(b)
	jaro := jaro(ra, rb)

	prefixLen := 0
	for i := 0; i < len(ra) && i < len(rb) && i < s.PrefixCap; i++ {
		if ra[i] != rb[i] {
			break
		}
		prefixLen++
	}

	return jaro + float64(prefixLen)*s.PrefixScale*(1.0-jaro)
}

// Jaro calculates the Jaro similarity between two strings
func (s *Scorer) Jaro(a, b string) float64 {
	return jaro([]rune(a), []rune(b))
}

func jaro(a, b []rune) float64 {
	if string(a) == string(b) {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	matchDist := max(len(a), len(b))/2 - 1
	if matchDist < 0 {
		matchDist = 0
	}

	aMatches := make([]bool, len(a))
	bMatches := make([]bool, len(b))

	matches := 0
	for i := range a {
		start := max(0, i-matchDist)
		end := min(len(b), i+matchDist+1)

		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := range a {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2

	return (m/float64(len(a)) + m/float64(len(b)) + (m-t)/m) / 3
}

// Soundex calculates the Soundex encoding of a word. Only ASCII letters are coded.
func (s *Scorer) Soundex(str string) string {
	str = strings.ToUpper(str)
	if len(str) == 0 || str[0] < 'A' || str[0] > 'Z' {
		return ""
	}

	result := []byte{str[0]}
	prevCode := soundexCode(rune(str[0]))

	for _, char := range str[1:] {
		if len(result) == 4 {
			break
		}
		if !unicode.IsLetter(char) {
			continue
		}

		code := soundexCode(char)
		if code != '0' && code != prevCode {
			result = append(result, code)
		}
		prevCode = code
	}

	for len(result) < 4 {
		result = append(result, '0')
	}

	return string(result)
}

func soundexCode(char rune) byte {
	switch char {
	case 'B', 'F', 'P', 'V':
		return '1'
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return '2'
	case 'D', 'T':
		return '3'
	case 'L':
		return '4'
	case 'M', 'N':
		return '5'
	case 'R':
		return '6'
	default:
		return '0'
	}
}
