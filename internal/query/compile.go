package query

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/collector"
	"github.com/groupchat/backend/internal/ledger"
	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/internal/synthesis"
)

// triggerRecovered marks compile jobs requeued at startup.
const triggerRecovered collector.Trigger = "recovered"

type compileJob struct {
	queryID string
	trigger collector.Trigger
}

// Start launches the compile workers. It is safe to call more than once.
func (e *Engine) Start() {
	e.start.Do(func() {
		for i := 0; i < e.cfg.Workers; i++ {
			e.wg.Add(1)
			go e.worker(i)
		}
		e.log.Info("Query workers started", zap.Int("workers", e.cfg.Workers))
	})
}

// Stop closes every collecting window, cancels in-flight work and waits
// for workers and outreach to return or for ctx to expire. Queries left
// mid-flight are picked up by Recover on the next start.
func (e *Engine) Stop(ctx context.Context) error {
	e.collector.CloseAll()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info("Query engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case job := <-e.jobs:
			e.compile(e.ctx, job)
		}
	}
}

// onReady is the collector callback. It runs on its own goroutine, so
// blocking on a full queue only delays this query.
func (e *Engine) onReady(queryID string, trigger collector.Trigger, received int) {
	e.enqueue(compileJob{queryID: queryID, trigger: trigger})
}

func (e *Engine) enqueue(job compileJob) {
	select {
	case e.jobs <- job:
	case <-e.ctx.Done():
		e.log.Warn("Dropping compile job, engine stopping",
			zap.String("query_id", job.queryID),
			zap.String("trigger", string(job.trigger)),
		)
	}
}

// compile closes collecting, synthesizes the on-time contributions and
// settles the answer. The lock is released while the generation provider
// runs so cancels and late contributions are not blocked by it.
func (e *Engine) compile(ctx context.Context, job compileJob) {
	log := e.log.With(zap.String("query_id", job.queryID), zap.String("trigger", string(job.trigger)))

	unlock := e.locks.Lock(job.queryID)
	q, err := e.store.GetQuery(ctx, job.queryID)
	if err != nil {
		unlock()
		log.Error("Failed to load query for compile", zap.Error(err))
		return
	}
	if q.Status != models.StatusCollecting && q.Status != models.StatusCompiling {
		unlock()
		log.Debug("Skipping compile", zap.String("status", string(q.Status)))
		return
	}

	contributions, err := e.store.ListContributions(ctx, q.ID, false)
	if err != nil {
		unlock()
		log.Error("Failed to load contributions", zap.Error(err))
		return
	}

	if q.Status == models.StatusCollecting {
		if len(contributions) == 0 {
			log.Info("Collect window closed empty", zap.Error(ErrInsufficientContributions))
			e.fail(ctx, q, models.ReasonInsufficientContributions)
			unlock()
			return
		}
		if err := e.transition(ctx, q, models.StatusCompiling, "", nil); err != nil {
			unlock()
			log.Warn("Failed to start compiling", zap.Error(err))
			return
		}
	}
	unlock()

	if len(contributions) == 0 {
		// Recovered compiling query whose contributions were all late.
		e.finishFailed(ctx, q.ID, models.ReasonInsufficientContributions)
		return
	}

	names, err := e.contactNames(ctx, contributions)
	if err != nil {
		log.Warn("Failed to load contributor names", zap.Error(err))
	}

	partial := len(contributions) < q.MinContributions
	answer, synthErr := e.synthesizer.Synthesize(ctx, synthesis.Input{
		QueryID:       q.ID,
		Question:      q.QuestionText,
		Contributions: contributions,
		Names:         names,
		Partial:       partial,
	})

	unlock = e.locks.Lock(q.ID)
	defer unlock()

	q, err = e.store.GetQuery(ctx, q.ID)
	if err != nil {
		log.Error("Failed to reload query after synthesis", zap.Error(err))
		return
	}
	if q.Status != models.StatusCompiling {
		log.Info("Discarding synthesis result", zap.String("status", string(q.Status)))
		return
	}

	if synthErr != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted synthesis; leave the query compiling for Recover.
			return
		}
		log.Warn("Synthesis failed", zap.Error(synthErr))
		e.fail(ctx, q, models.ReasonSynthesisUnresolvable)
		return
	}

	if err := e.store.SaveAnswer(ctx, answer); err != nil {
		log.Error("Failed to save answer", zap.Error(err))
		e.fail(ctx, q, models.ReasonInternalError)
		return
	}

	settlement, err := e.settle(ctx, q, answer, contributions)
	if err != nil && !errors.Is(err, models.ErrAlreadySettled) {
		log.Error("Settlement failed", zap.Error(err))
		reason := models.ReasonSettlementFailed
		if errors.Is(err, ledger.ErrNoUsedContributions) {
			reason = models.ReasonSynthesisUnresolvable
		}
		e.fail(ctx, q, reason)
		return
	}

	if err := e.transition(ctx, q, models.StatusCompleted, "", nil); err != nil {
		log.Warn("Failed to complete query", zap.Error(err))
		return
	}
	log.Info("Query completed",
		zap.String("answer_id", answer.ID),
		zap.Int("citations", len(answer.Citations)),
		zap.Float64("confidence", answer.ConfidenceScore),
		zap.Bool("partial", answer.Partial),
		zap.Int64("contributor_pool_cents", settlement.ContributorPoolCents),
	)

	if e.evaluator != nil {
		if _, err := e.evaluator.EvaluateQuery(ctx, q.ID, answer); err != nil {
			log.Warn("Trust recalculation failed", zap.Error(err))
		}
	}
}

// finishFailed fails a compiling query under its lock.
func (e *Engine) finishFailed(ctx context.Context, queryID, reason string) {
	unlock := e.locks.Lock(queryID)
	defer unlock()

	q, err := e.store.GetQuery(ctx, queryID)
	if err != nil || q.Status != models.StatusCompiling {
		return
	}
	e.fail(ctx, q, reason)
}

func (e *Engine) contactNames(ctx context.Context, contributions []models.Contribution) (map[string]string, error) {
	ids := make([]string, 0, len(contributions))
	for _, c := range contributions {
		ids = append(ids, c.ContactID)
	}
	contacts, err := e.store.GetContacts(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		names[c.ID] = c.Name
	}
	return names, nil
}
