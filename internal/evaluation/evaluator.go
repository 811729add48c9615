package evaluation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/pkg/config"
	"github.com/groupchat/backend/pkg/logger"
)

// Store is the slice of persistence the evaluator reads and updates.
type Store interface {
	ListDeliveries(ctx context.Context, queryID string) ([]models.Delivery, error)
	ListContributions(ctx context.Context, queryID string, includeLate bool) ([]models.Contribution, error)
	GetContacts(ctx context.Context, ids []string) ([]models.Contact, error)
	UpdateContactStats(ctx context.Context, id string, trust, responseRate float64) error
}

type Config struct {
	// LearningRate is how far one query moves trust towards its target.
	LearningRate float64
	// ResponseAlpha is the weight of the latest query in the response-rate
	// moving average.
	ResponseAlpha float64
}

func ConfigFrom(cfg config.TrustConfig) Config {
	return Config{LearningRate: cfg.LearningRate, ResponseAlpha: cfg.ResponseAlpha}
}

// Relative pull of each outcome towards its target.
const (
	citedPull      = 1.0
	uncitedPull    = 0.25
	noResponsePull = 0.5
)

type Outcome struct {
	ContactID          string
	Responded          bool
	Citations          int
	TrustBefore        float64
	TrustAfter         float64
	ResponseRateBefore float64
	ResponseRateAfter  float64
}

type Report struct {
	QueryID   string
	Reached   int
	Responded int
	Cited     int
	Outcomes  []Outcome
}

// Evaluator scores contacts after a completed query: cited contributors
// gain trust, uncited contributors gain a little, and contacts who were
// reached but never answered decay. Response rate follows an exponential
// moving average of answered/not answered.
type Evaluator struct {
	store Store
	cfg   Config
	log   *zap.Logger
}

func NewEvaluator(store Store, cfg Config) *Evaluator {
	return &Evaluator{
		store: store,
		cfg:   cfg,
		log:   logger.Named("evaluation"),
	}
}

func (e *Evaluator) EvaluateQuery(ctx context.Context, queryID string, answer *models.CompiledAnswer) (*Report, error) {
	deliveries, err := e.store.ListDeliveries(ctx, queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deliveries: %w", err)
	}
	contributions, err := e.store.ListContributions(ctx, queryID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load contributions: %w", err)
	}

	responded := make(map[string]bool, len(contributions))
	citations := make(map[string]int)
	counts := map[string]int{}
	if answer != nil {
		counts = answer.CitationCounts()
	}
	for _, c := range contributions {
		responded[c.ContactID] = true
		citations[c.ContactID] += counts[c.ID]
	}

	// Contacts that were reached or answered; skipped contacts never heard
	// the question and keep their scores.
	var ids []string
	seen := make(map[string]bool)
	for _, d := range deliveries {
		if d.Status == models.DeliveryDelivered && !seen[d.ContactID] {
			seen[d.ContactID] = true
			ids = append(ids, d.ContactID)
		}
	}
	for _, c := range contributions {
		if !seen[c.ContactID] {
			seen[c.ContactID] = true
			ids = append(ids, c.ContactID)
		}
	}

	contacts, err := e.store.GetContacts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts: %w", err)
	}

	report := &Report{QueryID: queryID, Reached: len(contacts)}
	for _, contact := range contacts {
		outcome := e.score(contact, responded[contact.ID], citations[contact.ID])
		if outcome.Responded {
			report.Responded++
		}
		if outcome.Citations > 0 {
			report.Cited++
		}
		report.Outcomes = append(report.Outcomes, outcome)

		if err := e.store.UpdateContactStats(ctx, contact.ID, outcome.TrustAfter, outcome.ResponseRateAfter); err != nil {
			return report, fmt.Errorf("failed to update contact %s: %w", contact.ID, err)
		}
	}

	e.log.Info("Query outcome evaluated",
		zap.String("query_id", queryID),
		zap.Int("reached", report.Reached),
		zap.Int("responded", report.Responded),
		zap.Int("cited", report.Cited),
	)
	return report, nil
}

func (e *Evaluator) score(contact models.Contact, responded bool, citations int) Outcome {
	trust := contact.TrustScore
	switch {
	case citations > 0:
		trust += e.cfg.LearningRate * citedPull * (1 - trust)
	case responded:
		trust += e.cfg.LearningRate * uncitedPull * (1 - trust)
	default:
		trust -= e.cfg.LearningRate * noResponsePull * trust
	}

	answered := 0.0
	if responded {
		answered = 1
	}
	rate := (1-e.cfg.ResponseAlpha)*contact.ResponseRate + e.cfg.ResponseAlpha*answered

	return Outcome{
		ContactID:          contact.ID,
		Responded:          responded,
		Citations:          citations,
		TrustBefore:        contact.TrustScore,
		TrustAfter:         clamp(trust),
		ResponseRateBefore: contact.ResponseRate,
		ResponseRateAfter:  clamp(rate),
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
