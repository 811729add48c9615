package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/expertise"
	"github.com/groupchat/backend/internal/metrics"
	"github.com/groupchat/backend/internal/nlp"
	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/pkg/config"
	"github.com/groupchat/backend/pkg/logger"
)

// ErrNoEligibleExperts is returned when no candidate survives consent,
// availability and exclusion filtering.
var ErrNoEligibleExperts = errors.New("no eligible experts")

// Similarity strategies reported on a Result.
const (
	StrategyEmbedding  = "embedding"
	StrategyTagOverlap = "tag_overlap"
	StrategyMixed      = "mixed"
)

type Weights struct {
	Similarity   float64
	Trust        float64
	Availability float64
	Recency      float64
}

type Config struct {
	K                   int
	Weights             Weights
	MaxPerCluster       int
	BackfillClusters    bool
	WaveSize            int
	RecencyHalfLife     time.Duration
	ExcludeRecentWithin time.Duration
	// ChannelPriority limits eligibility to contacts that consent to at
	// least one of these channels. Empty accepts any consented channel.
	ChannelPriority []models.Channel
}

func ConfigFrom(cfg config.MatchingConfig, channels []string) Config {
	priority := make([]models.Channel, 0, len(channels))
	for _, ch := range channels {
		priority = append(priority, models.Channel(ch))
	}
	return Config{
		K: cfg.K,
		Weights: Weights{
			Similarity:   cfg.Weights.Similarity,
			Trust:        cfg.Weights.Trust,
			Availability: cfg.Weights.Availability,
			Recency:      cfg.Weights.Recency,
		},
		MaxPerCluster:       cfg.MaxPerCluster,
		BackfillClusters:    cfg.BackfillClusters,
		WaveSize:            cfg.WaveSize,
		RecencyHalfLife:     cfg.RecencyHalfLife,
		ExcludeRecentWithin: cfg.ExcludeRecentWithin,
		ChannelPriority:     priority,
	}
}

type Request struct {
	QueryID        string
	AskerID        string
	QuestionText   string
	QuestionVector []float32
	// K overrides Config.K when positive.
	K          int
	Candidates []models.Contact
}

type Result struct {
	Matches    []models.Match
	Strategy   string
	Considered int
	Eligible   int
}

type Engine struct {
	cfg      Config
	clusters ClusterSource
	now      func() time.Time
	log      *zap.Logger
}

func NewEngine(cfg Config, clusters ClusterSource) *Engine {
	if clusters == nil {
		clusters = StaticClusters(nil)
	}
	return &Engine{
		cfg:      cfg,
		clusters: clusters,
		now:      time.Now,
		log:      logger.Named("matching"),
	}
}

type candidate struct {
	contact    models.Contact
	score      float64
	components models.ScoreComponents
	shared     []string
	embedded   bool
	cluster    string
}

// Rank scores the eligible candidates and returns up to K matches. Output
// depends only on the request, the weights and the tag groups: scores are
// ordered descending with ties broken by contact id ascending, then the
// diversity pass caps each cluster at MaxPerCluster slots.
func (e *Engine) Rank(ctx context.Context, req Request) (*Result, error) {
	k := req.K
	if k <= 0 {
		k = e.cfg.K
	}
	if k <= 0 {
		return nil, fmt.Errorf("matching requires k >= 1")
	}

	now := e.now()
	eligible := e.filter(req, now)
	metrics.MatchCandidates.WithLabelValues("considered").Observe(float64(len(req.Candidates)))
	metrics.MatchCandidates.WithLabelValues("eligible").Observe(float64(len(eligible)))

	if len(eligible) == 0 {
		e.log.Info("No eligible experts",
			zap.String("query_id", req.QueryID),
			zap.Int("considered", len(req.Candidates)),
		)
		return nil, ErrNoEligibleExperts
	}

	groups, err := e.clusters.TagGroups(ctx)
	if err != nil {
		e.log.Warn("Failed to load tag groups, clustering by leading tag", zap.Error(err))
		groups = nil
	}

	var questionTags []string
	scored := make([]candidate, 0, len(eligible))
	embedded := 0
	for _, contact := range eligible {
		c := candidate{contact: contact}
		if len(req.QuestionVector) > 0 && len(contact.ExpertiseVector) == len(req.QuestionVector) {
			c.components.Similarity = math.Max(0, expertise.Cosine(req.QuestionVector, contact.ExpertiseVector))
			c.embedded = true
			embedded++
		} else {
			if questionTags == nil {
				questionTags = nlp.Keywords(req.QuestionText, 0)
			}
			c.components.Similarity = nlp.Jaccard(questionTags, contact.Tags)
			c.shared = nlp.Overlap(questionTags, contact.Tags)
		}
		c.components.Trust = clamp01(contact.TrustScore)
		c.components.Availability = 0.5 + 0.5*clamp01(contact.ResponseRate)
		c.components.Recency = e.recency(contact.LastContactedAt, now)
		c.score = e.cfg.Weights.Similarity*c.components.Similarity +
			e.cfg.Weights.Trust*c.components.Trust +
			e.cfg.Weights.Availability*c.components.Availability +
			e.cfg.Weights.Recency*c.components.Recency
		c.cluster = clusterOf(contact.Tags, groups)
		scored = append(scored, c)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].contact.ID < scored[j].contact.ID
	})

	selected, backfilled := e.diversify(scored, k)

	strategy := StrategyMixed
	switch embedded {
	case len(scored):
		strategy = StrategyEmbedding
	case 0:
		strategy = StrategyTagOverlap
	}
	if strategy != StrategyEmbedding {
		e.log.Warn("Expertise similarity degraded to tag overlap",
			zap.String("query_id", req.QueryID),
			zap.String("strategy", strategy),
			zap.Int("embedded", embedded),
			zap.Int("eligible", len(scored)),
		)
	}
	metrics.MatchStrategy.WithLabelValues(strategy).Inc()
	metrics.MatchCandidates.WithLabelValues("selected").Observe(float64(len(selected)))

	createdAt := now
	matches := make([]models.Match, len(selected))
	for i, c := range selected {
		rank := i + 1
		matches[i] = models.Match{
			QueryID:    req.QueryID,
			ContactID:  c.contact.ID,
			Score:      c.score,
			Rank:       rank,
			Cluster:    c.cluster,
			Wave:       e.wave(rank),
			Components: c.components,
			Reasons:    reasons(c, backfilled[c.contact.ID], now),
			CreatedAt:  createdAt,
		}
	}

	e.log.Info("Experts ranked",
		zap.String("query_id", req.QueryID),
		zap.Int("considered", len(req.Candidates)),
		zap.Int("eligible", len(eligible)),
		zap.Int("selected", len(matches)),
		zap.String("strategy", strategy),
	)

	return &Result{
		Matches:    matches,
		Strategy:   strategy,
		Considered: len(req.Candidates),
		Eligible:   len(eligible),
	}, nil
}

// filter drops the asker, disabled, unavailable and unreachable contacts and
// those contacted inside the exclusion window. The result is ordered by id.
func (e *Engine) filter(req Request, now time.Time) []models.Contact {
	eligible := make([]models.Contact, 0, len(req.Candidates))
	seen := make(map[string]bool, len(req.Candidates))
	for _, c := range req.Candidates {
		switch {
		case seen[c.ID]:
			continue
		case req.AskerID != "" && c.ID == req.AskerID:
			continue
		case c.Disabled || !c.Available:
			continue
		case !e.reachable(c):
			continue
		case e.cfg.ExcludeRecentWithin > 0 && c.LastContactedAt != nil &&
			now.Sub(*c.LastContactedAt) < e.cfg.ExcludeRecentWithin:
			continue
		}
		seen[c.ID] = true
		eligible = append(eligible, c)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	return eligible
}

func (e *Engine) reachable(c models.Contact) bool {
	if len(e.cfg.ChannelPriority) > 0 {
		_, ok := c.PreferredChannel(e.cfg.ChannelPriority)
		return ok
	}
	for _, ok := range c.Consent {
		if ok {
			return true
		}
	}
	return false
}

// recency is 1 for a contact never contacted and recovers towards 1 with the
// configured half-life after each contact.
func (e *Engine) recency(last *time.Time, now time.Time) float64 {
	if last == nil || e.cfg.RecencyHalfLife <= 0 {
		return 1
	}
	elapsed := now.Sub(*last)
	if elapsed <= 0 {
		return 0
	}
	return 1 - math.Exp2(-elapsed.Hours()/e.cfg.RecencyHalfLife.Hours())
}

func (e *Engine) wave(rank int) int {
	if e.cfg.WaveSize <= 0 {
		return 1
	}
	return (rank-1)/e.cfg.WaveSize + 1
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
