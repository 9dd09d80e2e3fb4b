package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antzucaro/matchr"
)

// IdentityStrategy recovers a display name from a results page. pattern
// matches "<name> (<marker>)" with the name in the first group.
type IdentityStrategy struct {
	Name    string
	Extract func(doc *goquery.Document, pattern *regexp.Regexp) (string, bool)
}

// IdentityStrategies are tried in order; the first match wins. The heading
// text is not a stable anchor, so the last strategy scans every element.
var IdentityStrategies = []IdentityStrategy{
	{Name: "h2", Extract: firstMatch("h2")},
	{Name: "heading", Extract: firstMatch("h1, h3, h4")},
	{Name: "scan", Extract: innermostMatch},
}

// ExtractIdentity returns the display name shown next to externalID.
func ExtractIdentity(doc *goquery.Document, externalID string) (string, error) {
	pattern := identityPattern(externalID)
	for _, strategy := range IdentityStrategies {
		if name, ok := strategy.Extract(doc, pattern); ok {
			return name, nil
		}
	}
	return "", &ParseError{Op: "identity", Err: fmt.Errorf("%w for id %s", ErrIdentityNotFound, externalID)}
}

// ValidateIdentity compares names ignoring case and runs of whitespace.
func ValidateIdentity(extracted, expected string) error {
	got, want := normalizeName(extracted), normalizeName(expected)
	if got != "" && strings.EqualFold(got, want) {
		return nil
	}
	return &IdentityMismatchError{
		Expected:   expected,
		Extracted:  extracted,
		Similarity: matchr.JaroWinkler(strings.ToLower(got), strings.ToLower(want), false),
	}
}

// identityPattern matches "John SMITH (A123456)" or "John SMITH (123456)".
func identityPattern(externalID string) *regexp.Regexp {
	return regexp.MustCompile(`^\s*(\S.*?)\s*\(\s*[Aa]?` + regexp.QuoteMeta(externalID) + `\s*\)`)
}

func firstMatch(selector string) func(*goquery.Document, *regexp.Regexp) (string, bool) {
	return func(doc *goquery.Document, pattern *regexp.Regexp) (string, bool) {
		var name string
		doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if m := pattern.FindStringSubmatch(normalizeName(s.Text())); m != nil {
				name = m[1]
				return false
			}
			return true
		})
		return name, name != ""
	}
}

// innermostMatch picks the matching element with the shortest text, which
// is the one closest to the marker rather than an ancestor like <body>.
func innermostMatch(doc *goquery.Document, pattern *regexp.Regexp) (string, bool) {
	var name string
	shortest := -1
	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "script" || goquery.NodeName(s) == "style" {
			return
		}
		text := normalizeName(s.Text())
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			return
		}
		if shortest < 0 || len(text) < shortest {
			shortest = len(text)
			name = m[1]
		}
	})
	return name, name != ""
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
