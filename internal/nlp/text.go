package nlp

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/jdkato/prose/v2"
)

var whitespace = regexp.MustCompile(`\s+`)

// CleanHTML extracts readable body text from a profile page.
func CleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, footer, header, aside, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	return strings.TrimSpace(whitespace.ReplaceAllString(doc.Find("body").Text(), " "))
}

// Title returns the page title, falling back to the first heading.
func Title(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	title := doc.Find("title").First().Text()
	if strings.TrimSpace(title) == "" {
		title = doc.Find("h1").First().Text()
	}
	return strings.TrimSpace(title)
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true, "best": true,
	"by": true, "can": true, "do": true, "does": true, "for": true, "from": true, "get": true, "how": true,
	"i": true, "in": true, "is": true, "it": true, "me": true, "my": true, "of": true, "on": true,
	"or": true, "should": true, "that": true, "the": true, "this": true, "to": true, "way": true,
	"we": true, "what": true, "when": true, "where": true, "which": true, "who": true, "why": true,
	"with": true, "you": true, "your": true, "thing": true, "things": true, "someone": true,
}

// Keywords returns up to limit lower-cased noun keywords in order of first
// appearance. Part-of-speech tagging picks nouns; if the tagger fails every
// non-stopword token is a candidate.
func Keywords(text string, limit int) []string {
	tokens := nounTokens(text)
	if tokens == nil {
		tokens = strings.FieldsFunc(text, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '+' && r != '#'
		})
	}

	seen := make(map[string]bool)
	var keywords []string
	for _, tok := range tokens {
		word := strings.ToLower(strings.Trim(tok, "-"))
		if len(word) < 2 || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
		if limit > 0 && len(keywords) == limit {
			break
		}
	}
	return keywords
}

func nounTokens(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		return nil
	}

	tokens := []string{}
	for _, tok := range doc.Tokens() {
		if strings.HasPrefix(tok.Tag, "NN") || tok.Tag == "FW" {
			tokens = append(tokens, tok.Text)
		}
	}
	return tokens
}

// Jaccard is |a ∩ b| / |a ∪ b| over case-insensitive sets. Two empty sets
// score zero.
func Jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for k := range setA {
		if setB[k] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// Overlap returns the sorted members shared by a and b.
func Overlap(a, b []string) []string {
	setB := toSet(b)
	var shared []string
	for k := range toSet(a) {
		if setB[k] {
			shared = append(shared, k)
		}
	}
	sort.Strings(shared)
	return shared
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			set[item] = true
		}
	}
	return set
}
