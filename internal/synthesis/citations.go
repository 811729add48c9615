package synthesis

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/groupchat/backend/internal/storage/models"
)

var (
	tagPattern   = regexp.MustCompile(`\[@([A-Za-z0-9_]+)\]`)
	spaceRun     = regexp.MustCompile(`[ \t]{2,}`)
	spaceBefore  = regexp.MustCompile(`\s+([.,;:!?])`)
	ungroundedMk = " [ungrounded]"
)

type Strictness string

const (
	// StrictnessDrop removes claims whose citations cannot be resolved.
	StrictnessDrop Strictness = "drop"
	// StrictnessMark keeps them, flagged as ungrounded.
	StrictnessMark Strictness = "mark"
)

// compiled is the post-processed draft before confidence is applied.
type compiled struct {
	text       string
	citations  []models.Citation
	grounded   int
	ungrounded int
	unresolved []string
}

// segment is the claim text closed by one run of tags. suffix holds the
// punctuation that followed the claim, written after its markers.
type segment struct {
	text   string
	suffix string
	tags   []string
}

type sentence struct {
	segments []segment
	// tail is untagged text after the last tag run.
	tail  string
	punct string
	// orphan holds tags that closed no text, e.g. a fragment after the
	// sentence's full stop.
	orphan []string
}

// compile resolves every [@handle] tag in the draft against the query's
// sources. Each tag run closes the claim text written since the previous
// run. A claim with at least one resolvable tag becomes grounded: its tags
// are replaced by numbered markers and one citation per cited contribution
// spans the claim. A claim whose tags all fail to resolve is dropped or
// marked per strictness and is never attributed to another contributor.
// Untagged text passes through as connective text.
func compile(draft string, sources []Source, strictness Strictness, excerptLength int) compiled {
	byHandle := make(map[string]int, len(sources))
	for i, s := range sources {
		byHandle[strings.ToLower(s.Handle)] = i
	}

	var (
		out       compiled
		b         strings.Builder
		markers   = make(map[int]int)
		lastBlank bool
	)

	for _, line := range strings.Split(strings.ReplaceAll(draft, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			if b.Len() > 0 && !lastBlank {
				b.WriteByte('\n')
				lastBlank = true
			}
			continue
		}

		var (
			lb        strings.Builder
			citations []models.Citation
		)
		for _, s := range splitSentences(line) {
			wrote := false
			for _, seg := range s.segments {
				var cited []int
				seen := make(map[int]bool)
				for _, tag := range seg.tags {
					idx, ok := byHandle[strings.ToLower(tag)]
					if !ok {
						out.unresolved = append(out.unresolved, tag)
						continue
					}
					if !seen[idx] {
						seen[idx] = true
						cited = append(cited, idx)
					}
				}

				switch {
				case len(cited) > 0:
					writeSep(&lb)
					start := lb.Len()
					lb.WriteString(seg.text)
					end := lb.Len()
					lb.WriteByte(' ')
					for _, idx := range cited {
						n, ok := markers[idx]
						if !ok {
							n = len(markers) + 1
							markers[idx] = n
						}
						lb.WriteString("[" + strconv.Itoa(n) + "]")
						src := sources[idx]
						citations = append(citations, models.Citation{
							ContributionID: src.ContributionID,
							ClaimStart:     start,
							ClaimEnd:       end,
							SourceExcerpt:  excerpt(src.Text, excerptLength),
							Confidence:     src.Confidence,
						})
					}
					lb.WriteString(seg.suffix)
					out.grounded++
					wrote = true

				case strictness == StrictnessMark:
					writeSep(&lb)
					lb.WriteString(seg.text + ungroundedMk + seg.suffix)
					out.ungrounded++
					wrote = true

				default:
					out.ungrounded++
				}
			}

			if s.tail != "" {
				writeSep(&lb)
				lb.WriteString(s.tail)
				wrote = true
			}
			if wrote {
				lb.WriteString(s.punct)
			}
		}

		if lb.Len() == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		base := b.Len()
		b.WriteString(lb.String())
		lastBlank = false
		for _, c := range citations {
			c.ClaimStart += base
			c.ClaimEnd += base
			c.Position = len(out.citations)
			out.citations = append(out.citations, c)
		}
	}

	out.text = strings.TrimRight(b.String(), "\n")
	return out
}

func writeSep(b *strings.Builder) {
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
}

var abbreviations = map[string]bool{
	"dr": true, "mr": true, "mrs": true, "ms": true, "prof": true, "st": true,
	"jr": true, "sr": true, "mt": true, "vs": true, "approx": true, "e.g": true, "i.e": true,
}

// splitSentences splits one line at sentence-ending punctuation followed by
// whitespace, except after a known abbreviation or a single-letter initial.
// Tags that close no text belong to the sentence before them.
func splitSentences(line string) []sentence {
	var raw []string
	start := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '.', '!', '?':
			j := i + 1
			if j < len(line) && line[j] != ' ' && line[j] != '\t' {
				continue
			}
			if line[i] == '.' && abbreviated(line, i) {
				continue
			}
			raw = append(raw, line[start:j])
			start = j
		}
	}
	if start < len(line) {
		raw = append(raw, line[start:])
	}

	var out []sentence
	for _, r := range raw {
		s := parseSentence(r)
		if len(s.segments) > 0 || s.tail != "" {
			out = append(out, s)
			continue
		}
		if len(s.orphan) == 0 || len(out) == 0 {
			continue
		}
		prev := &out[len(out)-1]
		switch {
		case prev.tail != "":
			seg := newSegment(prev.tail)
			seg.tags = s.orphan
			prev.segments = append(prev.segments, seg)
			prev.tail = ""
		case len(prev.segments) > 0:
			last := &prev.segments[len(prev.segments)-1]
			last.tags = append(last.tags, s.orphan...)
		}
	}
	return out
}

// abbreviated reports whether the full stop at i ends an abbreviation
// rather than a sentence.
func abbreviated(line string, i int) bool {
	k := i
	for k > 0 && (isLetter(line[k-1]) || line[k-1] == '.') {
		k--
	}
	word := line[k:i]
	if len(word) == 1 {
		initial := k == 0 || line[k-1] == ' '
		return initial && word[0] >= 'A' && word[0] <= 'Z'
	}
	return abbreviations[strings.ToLower(word)]
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

const claimPunct = ".,;:!?"

// parseSentence cuts one sentence into the claims its tag runs close.
func parseSentence(raw string) sentence {
	trimmed := strings.TrimSpace(raw)
	body := strings.TrimRight(trimmed, ".!?")
	s := sentence{punct: trimmed[len(body):]}

	var pending []string
	pos := 0
	for _, m := range tagPattern.FindAllStringSubmatchIndex(body, -1) {
		tag := body[m[2]:m[3]]
		text := body[pos:m[0]]
		pos = m[1]

		switch {
		case strings.Trim(text, claimPunct+" \t") != "":
			seg := newSegment(text)
			seg.tags = append(pending, tag)
			pending = nil
			s.segments = append(s.segments, seg)
		case len(s.segments) > 0:
			last := &s.segments[len(s.segments)-1]
			last.tags = append(last.tags, tag)
		default:
			pending = append(pending, tag)
		}

		// A comma or semicolon right after the tags stays with the claim.
		if len(s.segments) > 0 {
			rest := body[pos:]
			lead := strings.TrimLeft(rest, " \t")
			if n := len(lead) - len(strings.TrimLeft(lead, ",;:")); n > 0 {
				s.segments[len(s.segments)-1].suffix += lead[:n]
				pos += len(rest) - len(lead) + n
			}
		}
	}

	s.tail = clean(body[pos:])
	if len(pending) > 0 {
		if s.tail == "" {
			s.orphan = pending
		} else {
			seg := newSegment(s.tail)
			seg.tags = pending
			s.segments = append(s.segments, seg)
			s.tail = ""
		}
	}
	return s
}

func newSegment(text string) segment {
	t := clean(text)
	body := strings.TrimRight(t, claimPunct)
	return segment{text: strings.TrimSpace(body), suffix: t[len(body):]}
}

func clean(text string) string {
	text = spaceBefore.ReplaceAllString(text, "$1")
	return strings.TrimSpace(spaceRun.ReplaceAllString(text, " "))
}
