package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/metrics"
	"github.com/groupchat/backend/internal/storage/models"
)

// transitions lists the legal edges of the query lifecycle. Terminal
// statuses have no outgoing edges.
var transitions = map[models.QueryStatus][]models.QueryStatus{
	models.StatusPending:    {models.StatusRouting, models.StatusFailed, models.StatusCancelled},
	models.StatusRouting:    {models.StatusCollecting, models.StatusFailed, models.StatusCancelled},
	models.StatusCollecting: {models.StatusCompiling, models.StatusFailed, models.StatusCancelled},
	models.StatusCompiling:  {models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to models.QueryStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves q from its current status to `to` with a compare and
// swap in storage, then updates q in place and announces the change.
// Callers hold the query lock.
func (e *Engine) transition(ctx context.Context, q *models.Query, to models.QueryStatus, reason string, deadline *time.Time) error {
	from := q.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("query %s: illegal transition %s -> %s: %w", q.ID, from, to, models.ErrStatusConflict)
	}

	if err := e.store.TransitionStatus(ctx, q.ID, from, to, reason, deadline); err != nil {
		return err
	}

	now := e.now()
	q.Status = to
	if reason != "" {
		q.FailureReason = reason
	}
	if deadline != nil {
		q.CollectDeadline = deadline
	}
	q.UpdatedAt = now

	metrics.QueryTransitions.WithLabelValues(string(from), string(to)).Inc()
	if to.IsTerminal() {
		metrics.QueryTerminal.WithLabelValues(string(to), reason).Inc()
		metrics.QueryDuration.WithLabelValues(string(to)).Observe(now.Sub(q.CreatedAt).Seconds())
	}

	fields := []zap.Field{
		zap.String("query_id", q.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	e.log.Info("Query status changed", fields...)

	e.bus.Publish(ctx, models.StatusEvent{QueryID: q.ID, From: from, To: to, Reason: reason, At: now})
	return nil
}

// fail moves q to failed, logging rather than returning a lost race: a
// concurrent cancel already made the query terminal.
func (e *Engine) fail(ctx context.Context, q *models.Query, reason string) {
	if err := e.transition(ctx, q, models.StatusFailed, reason, nil); err != nil {
		e.log.Warn("Failed to mark query failed",
			zap.String("query_id", q.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

// keyedMutex serializes work per query id. Entries are reference counted
// and removed once no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
