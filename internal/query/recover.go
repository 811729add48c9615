package query

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/storage/models"
)

// Recover resumes queries a previous process left mid-flight. Pending and
// routing queries are failed as interrupted since their outreach state is
// unknown. Collecting windows are re-armed with their stored deadline and
// compiling queries are requeued. Call it after Start.
func (e *Engine) Recover(ctx context.Context) error {
	queries, err := e.store.ListQueriesByStatus(ctx,
		models.StatusPending, models.StatusRouting, models.StatusCollecting, models.StatusCompiling)
	if err != nil {
		return fmt.Errorf("failed to list in-flight queries: %w", err)
	}

	var failed, rearmed, requeued int
	for i := range queries {
		q := &queries[i]
		switch q.Status {
		case models.StatusPending, models.StatusRouting:
			unlock := e.locks.Lock(q.ID)
			e.fail(ctx, q, models.ReasonInterrupted)
			unlock()
			failed++

		case models.StatusCollecting:
			contributions, err := e.store.ListContributions(ctx, q.ID, false)
			if err != nil {
				return err
			}
			deadline := q.CreatedAt.Add(q.Timeout)
			if q.CollectDeadline != nil {
				deadline = *q.CollectDeadline
			}
			e.collector.Open(q.ID, q.MinContributions, deadline, len(contributions))
			rearmed++

		case models.StatusCompiling:
			e.enqueue(compileJob{queryID: q.ID, trigger: triggerRecovered})
			requeued++
		}
	}

	if len(queries) > 0 {
		e.log.Info("Recovered in-flight queries",
			zap.Int("failed", failed),
			zap.Int("rearmed", rearmed),
			zap.Int("requeued", requeued),
		)
	}
	return nil
}
