package synthesis

import (
	"fmt"
	"strings"
)

const systemPrompt = `You compile answers from contributions sent in by people the asker trusts.

Rules:
1. Use ONLY the information in the contributions. Do not add outside facts.
2. Tag every factual claim with the handle of the contributor it came from, written as [@handle],
   immediately after the claim. A claim supported by several contributors carries several tags.
3. Only use handles from the list. Never invent a handle.
4. Where contributors disagree, say so and tag both sides.
5. Keep it concise and well organized.`

const strictAddendum = `
6. A previous draft could not be verified. End EVERY sentence that states a fact with at least
   one [@handle] tag taken verbatim from the list. Sentences without a tag will be discarded.`

// GenerationRequest is everything the generation step sees for one query.
type GenerationRequest struct {
	QueryID  string
	Question string
	Sources  []Source
	// Strict is set on the retry after a draft with no resolvable citations.
	Strict bool
}

func (r GenerationRequest) SystemPrompt() string {
	if r.Strict {
		return systemPrompt + strictAddendum
	}
	return systemPrompt
}

func (r GenerationRequest) UserPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nContributions:\n", r.Question)
	for _, s := range r.Sources {
		name := s.ContactName
		if name == "" {
			name = s.Handle
		}
		fmt.Fprintf(&b, "\n[@%s] (%s, confidence %.2f):\n%s\n", s.Handle, name, s.Confidence, strings.TrimSpace(s.Text))
	}
	b.WriteString("\nWrite the answer, tagging each claim with [@handle].")
	return b.String()
}
