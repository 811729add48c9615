package matching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupchat/backend/internal/storage/models"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func similarityOnly() Config {
	return Config{
		K:               10,
		Weights:         Weights{Similarity: 1},
		WaveSize:        2,
		RecencyHalfLife: 72 * time.Hour,
		ChannelPriority: []models.Channel{models.ChannelSMS, models.ChannelEmail},
	}
}

func newTestEngine(cfg Config, groups StaticClusters) *Engine {
	e := NewEngine(cfg, groups)
	e.now = func() time.Time { return fixedNow }
	return e
}

func contact(id string, vector []float32, tags ...string) models.Contact {
	return models.Contact{
		ID:              id,
		Name:            id,
		ExpertiseVector: vector,
		TrustScore:      0.5,
		ResponseRate:    0.8,
		Available:       true,
		Consent:         map[models.Channel]bool{models.ChannelSMS: true},
		Tags:            tags,
	}
}

func ids(matches []models.Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.ContactID
	}
	return out
}

func TestRankIsDeterministicAcrossInputOrder(t *testing.T) {
	cfg := similarityOnly()
	cfg.Weights = Weights{Similarity: 0.55, Trust: 0.2, Availability: 0.15, Recency: 0.1}
	engine := newTestEngine(cfg, nil)
	ctx := context.Background()

	last := fixedNow.Add(-24 * time.Hour)
	pool := []models.Contact{
		contact("a", []float32{1, 0}),
		contact("b", []float32{0.6, 0.8}),
		contact("c", []float32{0, 1}),
		contact("d", []float32{0.8, 0.6}),
	}
	pool[3].LastContactedAt = &last

	first, err := engine.Rank(ctx, Request{QueryID: "q", QuestionVector: []float32{1, 0.2}, Candidates: pool})
	require.NoError(t, err)

	reversed := []models.Contact{pool[3], pool[2], pool[1], pool[0]}
	for i := 0; i < 5; i++ {
		again, err := engine.Rank(ctx, Request{QueryID: "q", QuestionVector: []float32{1, 0.2}, Candidates: reversed})
		require.NoError(t, err)
		assert.Equal(t, first.Matches, again.Matches)
	}
	assert.Equal(t, StrategyEmbedding, first.Strategy)
	assert.Equal(t, "a", first.Matches[0].ContactID)
}

func TestRankBreaksTiesByContactID(t *testing.T) {
	engine := newTestEngine(similarityOnly(), nil)

	result, err := engine.Rank(context.Background(), Request{
		QuestionVector: []float32{1, 0},
		Candidates: []models.Contact{
			contact("zed", []float32{1, 0}),
			contact("amy", []float32{2, 0}),
			contact("kim", []float32{3, 0}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"amy", "kim", "zed"}, ids(result.Matches))
	assert.Equal(t, []int{1, 1, 2}, []int{result.Matches[0].Wave, result.Matches[1].Wave, result.Matches[2].Wave})
}

func TestRankCapsDominantCluster(t *testing.T) {
	groups := StaticClusters{"databases": {"postgres", "mysql"}, "ml": {"pytorch"}}
	pool := []models.Contact{
		contact("db1", []float32{1, 0}, "postgres"),
		contact("db2", []float32{0.9, 0.1}, "mysql"),
		contact("db3", []float32{0.8, 0.2}, "postgres", "mysql"),
		contact("ml1", []float32{0.5, 0.5}, "pytorch"),
	}

	cfg := similarityOnly()
	cfg.K = 3
	cfg.MaxPerCluster = 2
	result, err := newTestEngine(cfg, groups).Rank(context.Background(), Request{QuestionVector: []float32{1, 0}, Candidates: pool})
	require.NoError(t, err)
	assert.Equal(t, []string{"db1", "db2", "ml1"}, ids(result.Matches))
	assert.Equal(t, "databases", result.Matches[0].Cluster)
	assert.Equal(t, "ml", result.Matches[2].Cluster)

	cfg.K = 4
	result, err = newTestEngine(cfg, groups).Rank(context.Background(), Request{QuestionVector: []float32{1, 0}, Candidates: pool})
	require.NoError(t, err)
	assert.Equal(t, []string{"db1", "db2", "ml1"}, ids(result.Matches))

	cfg.BackfillClusters = true
	result, err = newTestEngine(cfg, groups).Rank(context.Background(), Request{QuestionVector: []float32{1, 0}, Candidates: pool})
	require.NoError(t, err)
	assert.Equal(t, []string{"db1", "db2", "ml1", "db3"}, ids(result.Matches))
	assert.Equal(t, 4, result.Matches[3].Rank)
	assert.Contains(t, result.Matches[3].Reasons, "backfilled past cluster cap")
}

func TestRankFailsWithNoEligibleExperts(t *testing.T) {
	cfg := similarityOnly()
	cfg.ExcludeRecentWithin = time.Hour
	engine := newTestEngine(cfg, nil)

	recent := fixedNow.Add(-10 * time.Minute)
	noConsent := contact("quiet", []float32{1, 0})
	noConsent.Consent = map[models.Channel]bool{models.ChannelPush: true}
	away := contact("away", []float32{1, 0})
	away.Available = false
	disabled := contact("gone", []float32{1, 0})
	disabled.Disabled = true
	busy := contact("busy", []float32{1, 0})
	busy.LastContactedAt = &recent

	_, err := engine.Rank(context.Background(), Request{
		AskerID:        "asker",
		QuestionVector: []float32{1, 0},
		Candidates:     []models.Contact{contact("asker", []float32{1, 0}), noConsent, away, disabled, busy},
	})
	assert.ErrorIs(t, err, ErrNoEligibleExperts)

	_, err = engine.Rank(context.Background(), Request{QuestionVector: []float32{1, 0}})
	assert.ErrorIs(t, err, ErrNoEligibleExperts)
}

func TestRankFallsBackToTagOverlap(t *testing.T) {
	engine := newTestEngine(similarityOnly(), nil)

	result, err := engine.Rank(context.Background(), Request{
		QuestionText: "Our postgres replication keeps falling behind",
		Candidates: []models.Contact{
			contact("frontend", []float32{1, 0}, "react", "css"),
			contact("dba", []float32{0, 1}, "postgres", "replication"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyTagOverlap, result.Strategy)
	assert.Equal(t, "dba", result.Matches[0].ContactID)
	assert.Greater(t, result.Matches[0].Components.Similarity, 0.0)
	assert.Zero(t, result.Matches[1].Components.Similarity)
}

func TestRankMixesStrategiesWhenSomeContactsLackVectors(t *testing.T) {
	engine := newTestEngine(similarityOnly(), nil)

	result, err := engine.Rank(context.Background(), Request{
		QuestionText:   "postgres tuning",
		QuestionVector: []float32{1, 0},
		Candidates: []models.Contact{
			contact("vec", []float32{1, 0}),
			contact("tags", nil, "postgres"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyMixed, result.Strategy)
	assert.Equal(t, 2, result.Eligible)
}

func TestRecencyRecoversWithHalfLife(t *testing.T) {
	engine := newTestEngine(similarityOnly(), nil)

	oneHalfLife := fixedNow.Add(-72 * time.Hour)
	assert.Equal(t, 1.0, engine.recency(nil, fixedNow))
	assert.InDelta(t, 0.5, engine.recency(&oneHalfLife, fixedNow), 1e-9)
}

func TestClusterOf(t *testing.T) {
	groups := map[string][]string{"b-group": {"go"}, "a-group": {"go"}, "c-group": {"rust", "zig"}}

	assert.Equal(t, "a-group", clusterOf([]string{"go"}, groups))
	assert.Equal(t, "c-group", clusterOf([]string{"go", "rust", "zig"}, groups))
	assert.Equal(t, "tag:elixir", clusterOf([]string{"erlang", "elixir"}, groups))
	assert.Equal(t, "", clusterOf(nil, groups))
}
