package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/pkg/logger"
)

const subscriberBuffer = 16

// Publisher forwards status events outside the process.
type Publisher interface {
	PublishStatus(ctx context.Context, event models.StatusEvent) error
}

type subscriber struct {
	queryID string
	ch      chan models.StatusEvent
}

// Bus fans query status events out to in-process subscribers and an
// optional external publisher. Slow subscribers lose events rather than
// block the state machine.
type Bus struct {
	mu        sync.RWMutex
	subs      map[*subscriber]struct{}
	publisher Publisher
	log       *zap.Logger
}

func NewBus(publisher Publisher) *Bus {
	return &Bus{
		subs:      make(map[*subscriber]struct{}),
		publisher: publisher,
		log:       logger.Named("events"),
	}
}

// Subscribe returns a channel of events for queryID, or for every query when
// queryID is empty. The cancel func closes the channel.
func (b *Bus) Subscribe(queryID string) (<-chan models.StatusEvent, func()) {
	sub := &subscriber{queryID: queryID, ch: make(chan models.StatusEvent, subscriberBuffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (b *Bus) Publish(ctx context.Context, event models.StatusEvent) {
	b.mu.RLock()
	for sub := range b.subs {
		if sub.queryID != "" && sub.queryID != event.QueryID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.log.Warn("Dropping status event for slow subscriber",
				zap.String("query_id", event.QueryID),
				zap.String("status", string(event.To)),
			)
		}
	}
	b.mu.RUnlock()

	if b.publisher != nil {
		if err := b.publisher.PublishStatus(ctx, event); err != nil {
			b.log.Warn("Failed to publish status event",
				zap.String("query_id", event.QueryID),
				zap.Error(err),
			)
		}
	}
}
