package synthesis

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/groupchat/backend/internal/storage/models"
)

// Source is one contribution as presented to the generation step, addressed
// by the handle the draft must cite it with.
type Source struct {
	Handle         string
	ContributionID string
	ContactName    string
	Text           string
	Confidence     float64
}

// buildSources assigns each contribution a citation handle derived from the
// contributor's name. Handles are unique within the query; collisions get a
// numeric suffix and nameless contributors become contributorN.
func buildSources(contributions []models.Contribution, names map[string]string) []Source {
	used := make(map[string]bool, len(contributions))
	sources := make([]Source, 0, len(contributions))
	for i, c := range contributions {
		name := names[c.ContactID]
		base := handleBase(name)
		if base == "" {
			base = fmt.Sprintf("contributor%d", i+1)
		}
		handle := base
		for n := 2; used[handle]; n++ {
			handle = fmt.Sprintf("%s%d", base, n)
		}
		used[handle] = true

		sources = append(sources, Source{
			Handle:         handle,
			ContributionID: c.ID,
			ContactName:    name,
			Text:           c.ResponseText,
			Confidence:     c.Confidence,
		})
	}
	return sources
}

func handleBase(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func excerpt(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}
