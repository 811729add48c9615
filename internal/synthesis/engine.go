package synthesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/metrics"
	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/pkg/config"
	"github.com/groupchat/backend/pkg/logger"
	"github.com/groupchat/backend/pkg/retry"
)

var (
	// ErrSynthesisUnresolvable means no claim in the draft could be grounded,
	// even after the stricter retry, or generation kept failing. Collected
	// contributions are untouched.
	ErrSynthesisUnresolvable = errors.New("synthesis unresolvable")
	ErrNoContributions       = errors.New("no contributions to synthesize")
)

// GenerationProvider turns a question and its sources into a tagged draft.
type GenerationProvider interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

type Config struct {
	Strictness              Strictness
	MaxAttempts             int
	InitialBackoff          time.Duration
	Timeout                 time.Duration
	PartialConfidenceFactor float64
	ExcerptLength           int
}

func ConfigFrom(cfg config.SynthesisConfig) Config {
	return Config{
		Strictness:              Strictness(cfg.Strictness),
		MaxAttempts:             cfg.MaxAttempts,
		InitialBackoff:          500 * time.Millisecond,
		Timeout:                 cfg.Timeout,
		PartialConfidenceFactor: cfg.PartialConfidenceFactor,
		ExcerptLength:           cfg.ExcerptLength,
	}
}

type Input struct {
	QueryID  string
	Question string
	// Contributions in arrival order. Late contributions must already be
	// filtered out.
	Contributions []models.Contribution
	// Names maps contact id to display name for citation handles.
	Names map[string]string
	// Partial marks a compilation below quorum; confidence is scaled down.
	Partial bool
}

type Engine struct {
	provider GenerationProvider
	cfg      Config
	now      func() time.Time
	newID    func() string
	log      *zap.Logger
}

func NewEngine(provider GenerationProvider, cfg Config) *Engine {
	if cfg.Strictness == "" {
		cfg.Strictness = StrictnessDrop
	}
	if cfg.ExcerptLength <= 0 {
		cfg.ExcerptLength = 200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.PartialConfidenceFactor <= 0 || cfg.PartialConfidenceFactor > 1 {
		cfg.PartialConfidenceFactor = 1
	}
	return &Engine{
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		log:      logger.Named("synthesis"),
	}
}

// Synthesize compiles the contributions into a cited answer. The first pass
// uses the normal prompt; if it grounds nothing, one stricter pass follows.
func (e *Engine) Synthesize(ctx context.Context, in Input) (*models.CompiledAnswer, error) {
	if len(in.Contributions) == 0 {
		return nil, ErrNoContributions
	}

	sources := buildSources(in.Contributions, in.Names)
	attempts := 0

	for _, strict := range []bool{false, true} {
		req := GenerationRequest{
			QueryID:  in.QueryID,
			Question: in.Question,
			Sources:  sources,
			Strict:   strict,
		}

		draft, n, err := e.generate(ctx, req)
		attempts += n
		if err != nil {
			metrics.SynthesisAttempts.WithLabelValues("error").Inc()
			e.log.Error("Generation failed after retries",
				zap.String("query_id", in.QueryID),
				zap.Bool("strict", strict),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: generation failed: %v", ErrSynthesisUnresolvable, err)
		}

		result := compile(draft, sources, e.cfg.Strictness, e.cfg.ExcerptLength)
		if len(result.unresolved) > 0 {
			e.log.Warn("Draft cited unknown contributors",
				zap.String("query_id", in.QueryID),
				zap.Strings("handles", result.unresolved),
			)
		}
		if result.grounded == 0 {
			metrics.SynthesisAttempts.WithLabelValues("ungrounded").Inc()
			e.log.Warn("Draft has no grounded claims",
				zap.String("query_id", in.QueryID),
				zap.Bool("strict", strict),
			)
			continue
		}

		metrics.SynthesisAttempts.WithLabelValues("grounded").Inc()
		answer := e.assemble(in, result, attempts)

		metrics.AnswerCitations.Observe(float64(len(answer.Citations)))
		metrics.ConfidenceScore.Observe(answer.ConfidenceScore)
		e.log.Info("Answer compiled",
			zap.String("query_id", in.QueryID),
			zap.Int("grounded_claims", result.grounded),
			zap.Int("ungrounded_claims", result.ungrounded),
			zap.Int("citations", len(answer.Citations)),
			zap.Float64("confidence", answer.ConfidenceScore),
			zap.Bool("partial", in.Partial),
		)
		return answer, nil
	}

	return nil, ErrSynthesisUnresolvable
}

func (e *Engine) generate(ctx context.Context, req GenerationRequest) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var draft string
	attempts, err := retry.Attempts(ctx, retry.Config{
		MaxAttempts:    e.cfg.MaxAttempts,
		InitialDelay:   e.cfg.InitialBackoff,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Operation:      "synthesis.generate",
		Logger:         e.log,
	}, func() error {
		var err error
		draft, err = e.provider.Generate(ctx, req)
		return err
	})
	return draft, attempts, err
}

// assemble computes the aggregate confidence as the citation-weighted mean
// over cited contributions.
func (e *Engine) assemble(in Input, result compiled, attempts int) *models.CompiledAnswer {
	counts := make(map[string]int)
	for _, c := range result.citations {
		counts[c.ContributionID]++
	}

	var weighted, total float64
	for _, c := range in.Contributions {
		n := counts[c.ID]
		if n == 0 {
			continue
		}
		weighted += c.Confidence * float64(n)
		total += float64(n)
	}
	confidence := 0.0
	if total > 0 {
		confidence = weighted / total
	}
	if in.Partial {
		confidence *= e.cfg.PartialConfidenceFactor
	}

	id := e.newID()
	citations := make([]models.Citation, len(result.citations))
	for i, c := range result.citations {
		c.ID = fmt.Sprintf("%s-%d", id, i+1)
		c.QueryID = in.QueryID
		citations[i] = c
	}

	return &models.CompiledAnswer{
		ID:               id,
		QueryID:          in.QueryID,
		FinalText:        result.text,
		Citations:        citations,
		ConfidenceScore:  confidence,
		UngroundedClaims: result.ungrounded,
		Partial:          in.Partial,
		Attempts:         attempts,
		CreatedAt:        e.now(),
	}
}
