package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/collector"
	"github.com/groupchat/backend/internal/evaluation"
	"github.com/groupchat/backend/internal/events"
	"github.com/groupchat/backend/internal/ledger"
	"github.com/groupchat/backend/internal/matching"
	"github.com/groupchat/backend/internal/metrics"
	"github.com/groupchat/backend/internal/outreach"
	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/internal/synthesis"
	"github.com/groupchat/backend/pkg/config"
	"github.com/groupchat/backend/pkg/logger"
)

const maxQuestionLength = 4000

// Store is the persistence the engine drives the lifecycle through.
type Store interface {
	CreateQuery(ctx context.Context, q *models.Query) error
	GetQuery(ctx context.Context, id string) (*models.Query, error)
	ListQueriesByStatus(ctx context.Context, statuses ...models.QueryStatus) ([]models.Query, error)
	UpdateQueryVector(ctx context.Context, id string, vector []float32) error
	TransitionStatus(ctx context.Context, id string, from, to models.QueryStatus, reason string, deadline *time.Time) error
	SaveMatches(ctx context.Context, matches []models.Match) error
	ListMatches(ctx context.Context, queryID string) ([]models.Match, error)
	IsMatched(ctx context.Context, queryID, contactID string) (bool, error)
	DeliverySummary(ctx context.Context, queryID string) (map[models.DeliveryStatus]int, error)
	InsertContribution(ctx context.Context, c *models.Contribution) error
	HasContribution(ctx context.Context, queryID, contactID string) (bool, error)
	ListContributions(ctx context.Context, queryID string, includeLate bool) ([]models.Contribution, error)
	SaveAnswer(ctx context.Context, answer *models.CompiledAnswer) error
	GetAnswer(ctx context.Context, queryID string) (*models.CompiledAnswer, error)
	GetContacts(ctx context.Context, ids []string) ([]models.Contact, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type CandidateSource interface {
	Candidates(ctx context.Context, questionVector []float32) ([]models.Contact, error)
}

type Ranker interface {
	Rank(ctx context.Context, req matching.Request) (*matching.Result, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req outreach.Request) *outreach.Report
}

type Synthesizer interface {
	Synthesize(ctx context.Context, in synthesis.Input) (*models.CompiledAnswer, error)
}

type Settler interface {
	Settle(ctx context.Context, req ledger.Request) (*models.Settlement, error)
}

type TrustEvaluator interface {
	EvaluateQuery(ctx context.Context, queryID string, answer *models.CompiledAnswer) (*evaluation.Report, error)
}

// Deps wires the engine to its collaborators. Embedder and Evaluator are
// optional; without an embedder matching falls back to tag overlap.
type Deps struct {
	Store       Store
	Embedder    Embedder
	Candidates  CandidateSource
	Ranker      Ranker
	Dispatcher  Dispatcher
	Synthesizer Synthesizer
	Settler     Settler
	Evaluator   TrustEvaluator
	Bus         *events.Bus
}

type Config struct {
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	MinContributions int
	MinBudgetCents   int64
	DefaultK         int
	Workers          int
	QueueSize        int
	// ContributorPoolBP sizes the payout estimate shown to contacts.
	ContributorPoolBP int64
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		DefaultTimeout:    cfg.Query.DefaultTimeout,
		MaxTimeout:        cfg.Query.MaxTimeout,
		MinContributions:  cfg.Query.MinContributions,
		MinBudgetCents:    cfg.Query.MinBudgetCents,
		DefaultK:          cfg.Matching.K,
		Workers:           cfg.Workers.Count,
		QueueSize:         cfg.Workers.QueueSize,
		ContributorPoolBP: config.BasisPoints(cfg.Ledger.ContributorPool),
	}
}

// Engine runs queries through routing, collecting, compiling and
// settlement. All status changes of one query happen under its lock.
type Engine struct {
	cfg   Config
	store Store

	embedder    Embedder
	candidates  CandidateSource
	ranker      Ranker
	dispatcher  Dispatcher
	synthesizer Synthesizer
	settler     Settler
	evaluator   TrustEvaluator

	bus       *events.Bus
	collector *collector.Collector
	locks     *keyedMutex

	jobs   chan compileJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once

	now func() time.Time
	log *zap.Logger
}

func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.MinContributions < 1 {
		cfg.MinContributions = 1
	}
	if cfg.MinBudgetCents < 1 {
		cfg.MinBudgetCents = 1
	}
	if cfg.DefaultK < 1 {
		cfg.DefaultK = 5
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}

	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		store:       deps.Store,
		embedder:    deps.Embedder,
		candidates:  deps.Candidates,
		ranker:      deps.Ranker,
		dispatcher:  deps.Dispatcher,
		synthesizer: deps.Synthesizer,
		settler:     deps.Settler,
		evaluator:   deps.Evaluator,
		bus:         bus,
		locks:       newKeyedMutex(),
		jobs:        make(chan compileJob, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
		log:         logger.Named("query"),
	}
	e.collector = collector.New(e.onReady)
	return e
}

type SubmitRequest struct {
	AskerID     string
	Question    string
	BudgetCents int64
	// Zero values take the configured defaults.
	Timeout          time.Duration
	MinContributions int
	MaxMatches       int
}

func (e *Engine) validate(req *SubmitRequest) error {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return invalid("question", "must not be empty")
	}
	if n := utf8.RuneCountInString(req.Question); n > maxQuestionLength {
		return invalid("question", "%d characters exceeds the limit of %d", n, maxQuestionLength)
	}
	if req.BudgetCents < e.cfg.MinBudgetCents {
		return invalid("budget_cents", "must be at least %d", e.cfg.MinBudgetCents)
	}

	switch {
	case req.Timeout < 0:
		return invalid("timeout", "must not be negative")
	case req.Timeout == 0:
		req.Timeout = e.cfg.DefaultTimeout
	case req.Timeout > e.cfg.MaxTimeout:
		return invalid("timeout", "must not exceed %s", e.cfg.MaxTimeout)
	}

	switch {
	case req.MinContributions < 0:
		return invalid("min_contributions", "must not be negative")
	case req.MinContributions == 0:
		req.MinContributions = e.cfg.MinContributions
	}

	switch {
	case req.MaxMatches < 0:
		return invalid("max_matches", "must not be negative")
	case req.MaxMatches == 0:
		req.MaxMatches = max(e.cfg.DefaultK, req.MinContributions)
	}
	if req.MinContributions > req.MaxMatches {
		return invalid("min_contributions", "%d exceeds max_matches %d", req.MinContributions, req.MaxMatches)
	}
	return nil
}

// Submit persists a new query and routes it. It returns once the query is
// collecting or has failed routing; outreach continues in the background.
// A query that found nobody to ask is returned together with
// matching.ErrNoEligibleExperts.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*models.Query, error) {
	if e.ctx.Err() != nil {
		return nil, ErrEngineStopped
	}
	if err := e.validate(&req); err != nil {
		return nil, err
	}

	now := e.now()
	q := &models.Query{
		ID:               uuid.New().String(),
		AskerID:          req.AskerID,
		QuestionText:     req.Question,
		BudgetCents:      req.BudgetCents,
		Timeout:          req.Timeout,
		MinContributions: req.MinContributions,
		MaxMatches:       req.MaxMatches,
		Status:           models.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateQuery(ctx, q); err != nil {
		return nil, err
	}

	e.log.Info("Query submitted",
		zap.String("query_id", q.ID),
		zap.Int64("budget_cents", q.BudgetCents),
		zap.Duration("timeout", q.Timeout),
		zap.Int("min_contributions", q.MinContributions),
		zap.Int("max_matches", q.MaxMatches),
	)
	e.bus.Publish(ctx, models.StatusEvent{QueryID: q.ID, To: models.StatusPending, At: now})

	unlock := e.locks.Lock(q.ID)
	defer unlock()

	if err := e.transition(ctx, q, models.StatusRouting, "", nil); err != nil {
		return q, err
	}
	if err := e.route(ctx, q); err != nil {
		return q, err
	}
	return q, nil
}

// route ranks experts and opens the collecting window. Callers hold the
// query lock and q is in routing.
func (e *Engine) route(ctx context.Context, q *models.Query) error {
	var vector []float32
	if e.embedder != nil {
		v, err := e.embedder.Embed(ctx, q.QuestionText)
		if err != nil {
			e.log.Warn("Question embedding failed, matching on tags",
				zap.String("query_id", q.ID),
				zap.Error(err),
			)
		} else {
			vector = v
			if err := e.store.UpdateQueryVector(ctx, q.ID, v); err != nil {
				e.log.Warn("Failed to store question vector", zap.String("query_id", q.ID), zap.Error(err))
			}
			q.QuestionVector = v
		}
	}

	candidates, err := e.candidates.Candidates(ctx, vector)
	if err != nil {
		e.fail(ctx, q, models.ReasonInternalError)
		return fmt.Errorf("failed to load candidates: %w", err)
	}

	result, err := e.ranker.Rank(ctx, matching.Request{
		QueryID:        q.ID,
		AskerID:        q.AskerID,
		QuestionText:   q.QuestionText,
		QuestionVector: vector,
		K:              q.MaxMatches,
		Candidates:     candidates,
	})
	if errors.Is(err, matching.ErrNoEligibleExperts) {
		e.fail(ctx, q, models.ReasonNoEligibleExperts)
		return err
	}
	if err != nil {
		e.fail(ctx, q, models.ReasonInternalError)
		return fmt.Errorf("failed to rank experts: %w", err)
	}

	if err := e.store.SaveMatches(ctx, result.Matches); err != nil {
		e.fail(ctx, q, models.ReasonInternalError)
		return err
	}

	deadline := e.now().Add(q.Timeout)
	if err := e.transition(ctx, q, models.StatusCollecting, "", &deadline); err != nil {
		return err
	}
	e.collector.Open(q.ID, q.MinContributions, deadline, 0)

	byID := make(map[string]models.Contact, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	targets := make([]outreach.Target, 0, len(result.Matches))
	for _, m := range result.Matches {
		targets = append(targets, outreach.Target{Contact: byID[m.ContactID], Wave: m.Wave, Rank: m.Rank})
	}
	e.dispatch(q, targets, deadline)
	return nil
}

// dispatch notifies the matched contacts without holding the query lock.
// Delivery failures only reduce how many contributions may arrive.
func (e *Engine) dispatch(q *models.Query, targets []outreach.Target, deadline time.Time) {
	if e.dispatcher == nil || len(targets) == 0 {
		return
	}
	req := outreach.Request{
		QueryID:              q.ID,
		Question:             q.QuestionText,
		Targets:              targets,
		EstimatedPayoutCents: e.estimatedPayout(q),
		Deadline:             deadline,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithDeadline(e.ctx, deadline)
		defer cancel()

		report := e.dispatcher.Dispatch(ctx, req)
		e.log.Info("Outreach finished",
			zap.String("query_id", q.ID),
			zap.Int("delivered", report.Delivered),
			zap.Int("failed", report.Failed),
			zap.Int("timed_out", report.TimedOut),
			zap.Int("skipped", report.Skipped),
		)
	}()
}

// estimatedPayout is the contributor pool divided across the quorum.
func (e *Engine) estimatedPayout(q *models.Query) int64 {
	pool := q.BudgetCents * e.cfg.ContributorPoolBP / 10000
	return pool / int64(max(q.MinContributions, 1))
}

type StatusReport struct {
	Query             *models.Query                 `json:"query"`
	Matched           int                           `json:"matched"`
	Deliveries        map[models.DeliveryStatus]int `json:"deliveries"`
	Contributions     int                           `json:"contributions"`
	LateContributions int                           `json:"late_contributions"`
	// Progress is a coarse 0-100 completion estimate for display.
	Progress  int           `json:"progress"`
	Remaining time.Duration `json:"remaining,omitempty"`
	// WindowOpen is false for a collecting query whose timer has not been
	// armed in this process yet, e.g. before Recover runs.
	WindowOpen bool `json:"window_open"`
	// Counted is the on-time count the open window holds toward quorum.
	Counted int `json:"counted"`
}

func (e *Engine) Status(ctx context.Context, queryID string) (*StatusReport, error) {
	q, err := e.store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	matches, err := e.store.ListMatches(ctx, queryID)
	if err != nil {
		return nil, err
	}
	deliveries, err := e.store.DeliverySummary(ctx, queryID)
	if err != nil {
		return nil, err
	}
	contributions, err := e.store.ListContributions(ctx, queryID, true)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{Query: q, Matched: len(matches), Deliveries: deliveries}
	for _, c := range contributions {
		if c.Late {
			report.LateContributions++
		} else {
			report.Contributions++
		}
	}
	report.Progress = progress(q, report.Contributions)
	if q.Status == models.StatusCollecting && q.CollectDeadline != nil {
		report.Remaining = max(q.CollectDeadline.Sub(e.now()), 0)
		report.Counted, report.WindowOpen = e.collector.Received(queryID)
	}
	return report, nil
}

func progress(q *models.Query, received int) int {
	switch q.Status {
	case models.StatusPending:
		return 0
	case models.StatusRouting:
		return 10
	case models.StatusCollecting:
		quorum := max(q.MinContributions, 1)
		return 20 + 60*min(received, quorum)/quorum
	case models.StatusCompiling:
		return 85
	default:
		return 100
	}
}

// Answer returns the compiled answer of a query.
func (e *Engine) Answer(ctx context.Context, queryID string) (*models.CompiledAnswer, error) {
	if _, err := e.store.GetQuery(ctx, queryID); err != nil {
		return nil, err
	}
	answer, err := e.store.GetAnswer(ctx, queryID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrAnswerNotReady
	}
	return answer, err
}

// Cancel moves a non-terminal query to cancelled. A synthesis in flight is
// abandoned when it finishes.
func (e *Engine) Cancel(ctx context.Context, queryID string) (*models.Query, error) {
	unlock := e.locks.Lock(queryID)
	defer unlock()

	q, err := e.store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if q.Status.IsTerminal() {
		return q, fmt.Errorf("query %s is %s: %w", q.ID, q.Status, ErrAlreadyTerminal)
	}
	if err := e.transition(ctx, q, models.StatusCancelled, models.ReasonCancelled, nil); err != nil {
		return q, err
	}
	e.collector.Close(q.ID)
	return q, nil
}

type ContributeRequest struct {
	QueryID    string
	ContactID  string
	Text       string
	Confidence float64
}

// Contribute stores a matched contact's response. Responses that arrive
// after the window closed are kept with Late set and never synthesized or
// paid.
func (e *Engine) Contribute(ctx context.Context, req ContributeRequest) (*models.Contribution, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return nil, invalid("response_text", "must not be empty")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return nil, invalid("confidence", "must be within [0, 1]")
	}

	unlock := e.locks.Lock(req.QueryID)
	defer unlock()

	q, err := e.store.GetQuery(ctx, req.QueryID)
	if err != nil {
		return nil, err
	}
	matched, err := e.store.IsMatched(ctx, q.ID, req.ContactID)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, ErrNotMatched
	}
	exists, err := e.store.HasContribution(ctx, q.ID, req.ContactID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, models.ErrDuplicateContribution
	}

	// Store first, then count toward quorum, so a failed insert never fires
	// compiling. compile lists contributions under the same lock, so one
	// stored here while the timer fires is still synthesized.
	onTime := q.Status == models.StatusCollecting && e.collector.IsOpen(q.ID)
	c := &models.Contribution{
		ID:           uuid.New().String(),
		QueryID:      q.ID,
		ContactID:    req.ContactID,
		ResponseText: req.Text,
		Confidence:   req.Confidence,
		ReceivedAt:   e.now(),
		Late:         !onTime,
	}
	if err := e.store.InsertContribution(ctx, c); err != nil {
		return nil, err
	}
	if onTime {
		e.collector.Record(q.ID)
	}

	timing := "on_time"
	if c.Late {
		timing = "late"
	}
	metrics.ContributionsReceived.WithLabelValues(timing).Inc()
	e.log.Info("Contribution received",
		zap.String("query_id", q.ID),
		zap.String("contact_id", c.ContactID),
		zap.String("contribution_id", c.ID),
		zap.Bool("late", c.Late),
	)
	return c, nil
}

// Settle pays out a compiled query. Settling twice returns the recorded
// settlement together with models.ErrAlreadySettled.
func (e *Engine) Settle(ctx context.Context, queryID string) (*models.Settlement, error) {
	unlock := e.locks.Lock(queryID)
	defer unlock()

	q, err := e.store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if q.Status == models.StatusCancelled {
		return nil, fmt.Errorf("query %s was cancelled: %w", q.ID, ErrNotSettleable)
	}
	answer, err := e.store.GetAnswer(ctx, queryID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("query %s: %w", q.ID, ErrNotSettleable)
	}
	if err != nil {
		return nil, err
	}
	contributions, err := e.store.ListContributions(ctx, queryID, false)
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, q, answer, contributions)
}

func (e *Engine) settle(ctx context.Context, q *models.Query, answer *models.CompiledAnswer, contributions []models.Contribution) (*models.Settlement, error) {
	counts := answer.CitationCounts()
	req := ledger.Request{QueryID: q.ID, BudgetCents: q.BudgetCents}
	for _, c := range contributions {
		req.Contributions = append(req.Contributions, ledger.Contribution{
			ID:         c.ID,
			ContactID:  c.ContactID,
			Confidence: c.Confidence,
			Citations:  counts[c.ID],
			Late:       c.Late,
			ReceivedAt: c.ReceivedAt,
		})
	}
	return e.settler.Settle(ctx, req)
}

// Subscribe streams status changes of one query, or of all queries when
// queryID is empty.
func (e *Engine) Subscribe(queryID string) (<-chan models.StatusEvent, func()) {
	return e.bus.Subscribe(queryID)
}
