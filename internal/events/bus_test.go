package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupchat/backend/internal/storage/models"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) PublishStatus(ctx context.Context, event models.StatusEvent) error {
	f.calls++
	return errors.New("redis unavailable")
}

func TestSubscribersOnlySeeTheirQuery(t *testing.T) {
	bus := NewBus(nil)
	q1, cancel1 := bus.Subscribe("q1")
	defer cancel1()
	all, cancelAll := bus.Subscribe("")
	defer cancelAll()

	ctx := context.Background()
	bus.Publish(ctx, models.StatusEvent{QueryID: "q2", To: models.StatusRouting})
	bus.Publish(ctx, models.StatusEvent{QueryID: "q1", To: models.StatusRouting})

	select {
	case ev := <-q1:
		assert.Equal(t, "q1", ev.QueryID)
	case <-time.After(time.Second):
		t.Fatal("no event for q1")
	}
	assert.Len(t, all, 2)
	assert.Len(t, q1, 0)
}

func TestCancelClosesChannelOnce(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe("q1")
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	bus.Publish(context.Background(), models.StatusEvent{QueryID: "q1"})
}

func TestPublishToleratesSlowSubscribersAndPublisherErrors(t *testing.T) {
	pub := &failingPublisher{}
	bus := NewBus(pub)
	ch, cancel := bus.Subscribe("q1")
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		bus.Publish(context.Background(), models.StatusEvent{QueryID: "q1"})
	}
	require.Len(t, ch, subscriberBuffer)
	assert.Equal(t, subscriberBuffer+5, pub.calls)
}
