package synthesis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupchat/backend/internal/storage/models"
)

type scriptedProvider struct {
	mu       sync.Mutex
	requests []GenerationRequest
	respond  func(req GenerationRequest) (string, error)
}

func (p *scriptedProvider) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return p.respond(req)
}

func testConfig() Config {
	return Config{
		Strictness:              StrictnessDrop,
		MaxAttempts:             2,
		InitialBackoff:          time.Millisecond,
		Timeout:                 time.Second,
		PartialConfidenceFactor: 0.8,
		ExcerptLength:           200,
	}
}

func weatherInput() Input {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return Input{
		QueryID:  "q1",
		Question: "What's the weather like tomorrow?",
		Contributions: []models.Contribution{
			{ID: "c1", QueryID: "q1", ContactID: "alex", ResponseText: "Fog until 10am, then clear.", Confidence: 0.9, ReceivedAt: base},
			{ID: "c2", QueryID: "q1", ContactID: "priya", ResponseText: "Highs of 78°F downtown, fog early.", Confidence: 0.6, ReceivedAt: base.Add(time.Minute)},
			{ID: "c3", QueryID: "q1", ContactID: "bob", ResponseText: "Good beach day.", Confidence: 0.3, ReceivedAt: base.Add(2 * time.Minute)},
		},
		Names: map[string]string{"alex": "Alex S", "priya": "Priya T", "bob": "Bob L"},
	}
}

func TestSynthesizeResolvesTagsIntoNumberedCitations(t *testing.T) {
	provider := &scriptedProvider{respond: func(req GenerationRequest) (string, error) {
		return "Morning fog clears by 10am [@alexs] [@priyat]. Afternoon highs reach 78°F [@PriyaT]. Perfect beach day!", nil
	}}
	engine := NewEngine(provider, testConfig())

	answer, err := engine.Synthesize(context.Background(), weatherInput())
	require.NoError(t, err)

	assert.Equal(t, "Morning fog clears by 10am [1][2]. Afternoon highs reach 78°F [2]. Perfect beach day!", answer.FinalText)
	require.Len(t, answer.Citations, 3)
	assert.Equal(t, "c1", answer.Citations[0].ContributionID)
	assert.Equal(t, "c2", answer.Citations[1].ContributionID)
	assert.Equal(t, "c2", answer.Citations[2].ContributionID)

	for i, c := range answer.Citations {
		assert.Equal(t, "q1", c.QueryID)
		assert.Equal(t, i, c.Position)
	}
	first := answer.Citations[0]
	assert.Equal(t, "Morning fog clears by 10am", answer.FinalText[first.ClaimStart:first.ClaimEnd])
	last := answer.Citations[2]
	assert.Equal(t, "Afternoon highs reach 78°F", answer.FinalText[last.ClaimStart:last.ClaimEnd])
	assert.Equal(t, "Fog until 10am, then clear.", first.SourceExcerpt)

	// (0.9*1 + 0.6*2) / 3
	assert.InDelta(t, 0.7, answer.ConfidenceScore, 1e-9)
	assert.Equal(t, 1, answer.Attempts)
	assert.Zero(t, answer.UngroundedClaims)
	assert.Equal(t, map[string]int{"c1": 1, "c2": 2}, answer.CitationCounts())
}

func TestSynthesizeNeverReattributesUnknownHandles(t *testing.T) {
	draft := "Enable WAL mode [@alexs]. Sharding fixes everything [@mallory]."

	drop := NewEngine(&scriptedProvider{respond: func(GenerationRequest) (string, error) { return draft, nil }}, testConfig())
	answer, err := drop.Synthesize(context.Background(), weatherInput())
	require.NoError(t, err)
	assert.Equal(t, "Enable WAL mode [1].", answer.FinalText)
	assert.Equal(t, 1, answer.UngroundedClaims)
	require.Len(t, answer.Citations, 1)

	cfg := testConfig()
	cfg.Strictness = StrictnessMark
	mark := NewEngine(&scriptedProvider{respond: func(GenerationRequest) (string, error) { return draft, nil }}, cfg)
	answer, err = mark.Synthesize(context.Background(), weatherInput())
	require.NoError(t, err)
	assert.Equal(t, "Enable WAL mode [1]. Sharding fixes everything [ungrounded].", answer.FinalText)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, "c1", answer.Citations[0].ContributionID)
}

func TestSynthesizeSplitsClaimsAtEachTag(t *testing.T) {
	draft := "Fog until 10am [@alexs] and the pier is closed [@ghost]."

	drop := NewEngine(&scriptedProvider{respond: func(GenerationRequest) (string, error) { return draft, nil }}, testConfig())
	answer, err := drop.Synthesize(context.Background(), weatherInput())
	require.NoError(t, err)
	assert.Equal(t, "Fog until 10am [1].", answer.FinalText)
	assert.Equal(t, 1, answer.UngroundedClaims)
	require.Len(t, answer.Citations, 1)
	c := answer.Citations[0]
	assert.Equal(t, "c1", c.ContributionID)
	assert.Equal(t, "Fog until 10am", answer.FinalText[c.ClaimStart:c.ClaimEnd])

	cfg := testConfig()
	cfg.Strictness = StrictnessMark
	mark := NewEngine(&scriptedProvider{respond: func(GenerationRequest) (string, error) { return draft, nil }}, cfg)
	answer, err = mark.Synthesize(context.Background(), weatherInput())
	require.NoError(t, err)
	assert.Equal(t, "Fog until 10am [1] and the pier is closed [ungrounded].", answer.FinalText)
	assert.Equal(t, 1, answer.UngroundedClaims)
	require.Len(t, answer.Citations, 1)
	c = answer.Citations[0]
	assert.Equal(t, "Fog until 10am", answer.FinalText[c.ClaimStart:c.ClaimEnd])
}

func TestCompileCitesEachClauseSeparately(t *testing.T) {
	sources := []Source{{Handle: "ann", ContributionID: "a", Text: "x"}, {Handle: "ben", ContributionID: "b", Text: "y"}}

	out := compile("Fog early [@ann], highs of 78°F [@ben].", sources, StrictnessDrop, 200)
	assert.Equal(t, "Fog early [1], highs of 78°F [2].", out.text)
	require.Len(t, out.citations, 2)
	assert.Equal(t, "a", out.citations[0].ContributionID)
	assert.Equal(t, "Fog early", out.text[out.citations[0].ClaimStart:out.citations[0].ClaimEnd])
	assert.Equal(t, "b", out.citations[1].ContributionID)
	assert.Equal(t, "highs of 78°F", out.text[out.citations[1].ClaimStart:out.citations[1].ClaimEnd])
	assert.Equal(t, 2, out.grounded)
	assert.Zero(t, out.ungrounded)
}

func TestCompileKeepsAbbreviationsInsideClaims(t *testing.T) {
	sources := []Source{{Handle: "ann", ContributionID: "a", Text: "x"}}

	out := compile("Dr. Smith says the pier closes at 9 [@ann]. See J. Doe too.", sources, StrictnessDrop, 200)
	assert.Equal(t, "Dr. Smith says the pier closes at 9 [1]. See J. Doe too.", out.text)
	require.Len(t, out.citations, 1)
	c := out.citations[0]
	assert.Equal(t, "Dr. Smith says the pier closes at 9", out.text[c.ClaimStart:c.ClaimEnd])
}

func TestSynthesizeGivesUpWhenProviderHangs(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxAttempts = 1
	engine := NewEngine(blockingProvider{}, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Synthesize(context.Background(), weatherInput())
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSynthesisUnresolvable)
	case <-time.After(5 * time.Second):
		t.Fatal("Synthesize did not return after its timeout")
	}
}

func TestNewEngineDefaultsTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 0
	engine := NewEngine(&scriptedProvider{}, cfg)
	assert.Equal(t, 90*time.Second, engine.cfg.Timeout)
}

type blockingProvider struct{}

func (blockingProvider) Generate(ctx context.Context, _ GenerationRequest) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestSynthesizeRetriesOnceWithStricterPrompt(t *testing.T) {
	provider := &scriptedProvider{respond: func(req GenerationRequest) (string, error) {
		if !req.Strict {
			return "It will be a nice day.", nil
		}
		return "It will be a nice day [@bobl].", nil
	}}
	engine := NewEngine(provider, testConfig())

	answer, err := engine.Synthesize(context.Background(), weatherInput())
	require.NoError(t, err)
	require.Len(t, provider.requests, 2)
	assert.False(t, provider.requests[0].Strict)
	assert.True(t, provider.requests[1].Strict)
	assert.Contains(t, provider.requests[1].SystemPrompt(), "Sentences without a tag will be discarded")
	assert.Equal(t, 2, answer.Attempts)
	assert.InDelta(t, 0.3, answer.ConfidenceScore, 1e-9)
}

func TestSynthesizeUnresolvableAfterStrictRetry(t *testing.T) {
	provider := &scriptedProvider{respond: func(GenerationRequest) (string, error) {
		return "Nobody is sure [@ghost].", nil
	}}
	engine := NewEngine(provider, testConfig())

	_, err := engine.Synthesize(context.Background(), weatherInput())
	assert.ErrorIs(t, err, ErrSynthesisUnresolvable)
	assert.Len(t, provider.requests, 2)
}

func TestSynthesizeGenerationFailureExhaustsRetries(t *testing.T) {
	provider := &scriptedProvider{respond: func(GenerationRequest) (string, error) {
		return "", errors.New("model overloaded")
	}}
	engine := NewEngine(provider, testConfig())

	_, err := engine.Synthesize(context.Background(), weatherInput())
	assert.ErrorIs(t, err, ErrSynthesisUnresolvable)
	assert.Len(t, provider.requests, 2)
}

func TestSynthesizeSingleContributionPartial(t *testing.T) {
	in := weatherInput()
	in.Contributions = in.Contributions[1:2]
	in.Partial = true

	provider := &scriptedProvider{respond: func(req GenerationRequest) (string, error) {
		require.Len(t, req.Sources, 1)
		return "Highs of 78°F. [@" + req.Sources[0].Handle + "]", nil
	}}
	answer, err := NewEngine(provider, testConfig()).Synthesize(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "Highs of 78°F [1].", answer.FinalText)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, "c2", answer.Citations[0].ContributionID)
	assert.True(t, answer.Partial)
	assert.InDelta(t, 0.6*0.8, answer.ConfidenceScore, 1e-9)
}

func TestSynthesizeRejectsEmptyInput(t *testing.T) {
	engine := NewEngine(&scriptedProvider{}, testConfig())
	_, err := engine.Synthesize(context.Background(), Input{QueryID: "q1"})
	assert.ErrorIs(t, err, ErrNoContributions)
}

func TestCompileKeepsParagraphsAndSpans(t *testing.T) {
	sources := []Source{{Handle: "ann", ContributionID: "a", Text: "x"}, {Handle: "ben", ContributionID: "b", Text: "y"}}
	draft := "## Summary\n\nUse connection pooling [@ben].\n\n\n- Cap pool size at 20 [@ann] [@ben]\n- Dropped line [@nobody]\n"

	out := compile(draft, sources, StrictnessDrop, 200)
	assert.Equal(t, "## Summary\n\nUse connection pooling [1].\n\n- Cap pool size at 20 [2][1]", out.text)
	require.Len(t, out.citations, 3)
	for _, c := range out.citations {
		claim := out.text[c.ClaimStart:c.ClaimEnd]
		assert.True(t, claim == "Use connection pooling" || claim == "- Cap pool size at 20", claim)
	}
	assert.Equal(t, 2, out.grounded)
	assert.Equal(t, 1, out.ungrounded)
}

func TestBuildSourcesHandles(t *testing.T) {
	contributions := []models.Contribution{
		{ID: "1", ContactID: "a"}, {ID: "2", ContactID: "b"}, {ID: "3", ContactID: "c"}, {ID: "4", ContactID: "d"},
	}
	names := map[string]string{"a": "Alice Smith", "b": "alice smith!", "d": "Zoë O'Neil"}

	sources := buildSources(contributions, names)
	handles := make([]string, len(sources))
	for i, s := range sources {
		handles[i] = s.Handle
	}
	assert.Equal(t, []string{"alicesmith", "alicesmith2", "contributor3", "zooneil"}, handles)
}

func TestExcerptTruncatesOnRunes(t *testing.T) {
	long := strings.Repeat("é", 250)
	assert.Equal(t, 200, len([]rune(excerpt(long, 200))))
	assert.Equal(t, "short", excerpt("  short ", 200))
}
