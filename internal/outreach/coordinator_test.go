package outreach

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/pkg/circuitbreaker"
)

type memoryReceipts struct {
	mu         sync.Mutex
	deliveries []models.Delivery
	contacted  map[string]time.Time
}

func newMemoryReceipts() *memoryReceipts {
	return &memoryReceipts{contacted: make(map[string]time.Time)}
}

func (m *memoryReceipts) RecordDelivery(ctx context.Context, d *models.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, *d)
	return nil
}

func (m *memoryReceipts) MarkContacted(ctx context.Context, contactID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacted[contactID] = at
	return nil
}

func (m *memoryReceipts) byContact() map[string]models.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.Delivery, len(m.deliveries))
	for _, d := range m.deliveries {
		out[d.ContactID] = d
	}
	return out
}

type fakeChannel struct {
	name  models.Channel
	mu    sync.Mutex
	calls map[string]int
	send  func(ctx context.Context, msg Message) error
}

func newFakeChannel(name models.Channel, send func(ctx context.Context, msg Message) error) *fakeChannel {
	return &fakeChannel{name: name, calls: make(map[string]int), send: send}
}

func (f *fakeChannel) Name() models.Channel { return f.name }

func (f *fakeChannel) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	f.calls[msg.ContactID]++
	f.mu.Unlock()
	if f.send == nil {
		return nil
	}
	return f.send(ctx, msg)
}

func (f *fakeChannel) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func testConfig() Config {
	return Config{
		Priority:       []models.Channel{models.ChannelSMS, models.ChannelEmail},
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		SendTimeout:    time.Second,
		Concurrency:    4,
	}
}

func target(id string, channels ...models.Channel) Target {
	consent := make(map[models.Channel]bool)
	for _, ch := range channels {
		consent[ch] = true
	}
	return Target{Contact: models.Contact{ID: id, Name: id, Consent: consent}, Wave: 1}
}

func newTestCoordinator(t *testing.T, cfg Config, store ReceiptStore, channels ...NotificationChannel) *Coordinator {
	t.Helper()
	c := NewCoordinator(cfg, store, circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 100, Timeout: time.Second}), channels...)
	t.Cleanup(c.Stop)
	return c
}

func TestDispatchUsesPreferredConsentedChannel(t *testing.T) {
	store := newMemoryReceipts()
	sms := newFakeChannel(models.ChannelSMS, nil)
	email := newFakeChannel(models.ChannelEmail, nil)
	coord := newTestCoordinator(t, testConfig(), store, sms, email)

	report := coord.Dispatch(context.Background(), Request{
		QueryID:  "q1",
		Question: "Best way to learn Go?",
		Targets:  []Target{target("both", models.ChannelEmail, models.ChannelSMS), target("mail", models.ChannelEmail)},
		Deadline: time.Now().Add(time.Minute),
	})

	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 1, sms.callsFor("both"))
	assert.Equal(t, 0, email.callsFor("both"))
	assert.Equal(t, 1, email.callsFor("mail"))

	receipts := store.byContact()
	assert.Equal(t, models.ChannelSMS, receipts["both"].Channel)
	assert.Equal(t, models.DeliveryDelivered, receipts["mail"].Status)
	assert.Len(t, store.contacted, 2)
}

func TestDispatchIsolatesFailingContacts(t *testing.T) {
	store := newMemoryReceipts()
	sms := newFakeChannel(models.ChannelSMS, func(ctx context.Context, msg Message) error {
		switch msg.ContactID {
		case "flaky":
			return errors.New("gateway 503")
		case "bad-number":
			return fmt.Errorf("%w: invalid number", ErrUndeliverable)
		}
		return nil
	})
	coord := newTestCoordinator(t, testConfig(), store, sms)

	report := coord.Dispatch(context.Background(), Request{
		QueryID:  "q1",
		Targets:  []Target{target("ok", models.ChannelSMS), target("flaky", models.ChannelSMS), target("bad-number", models.ChannelSMS)},
		Deadline: time.Now().Add(time.Minute),
	})

	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Failures, 2)

	assert.Equal(t, 3, sms.callsFor("flaky"))
	assert.Equal(t, 1, sms.callsFor("bad-number"))

	var failure *DeliveryFailure
	for _, f := range report.Failures {
		var err error = f
		require.True(t, errors.As(err, &failure))
		if failure.ContactID == "bad-number" {
			assert.ErrorIs(t, failure, ErrUndeliverable)
			assert.Equal(t, 1, failure.Attempts)
		}
	}

	receipts := store.byContact()
	assert.Equal(t, 3, receipts["flaky"].Attempts)
	assert.Equal(t, models.DeliveryFailed, receipts["flaky"].Status)
	assert.NotContains(t, store.contacted, "flaky")
}

func TestDispatchSkipsUnreachableAndCoolingContacts(t *testing.T) {
	store := newMemoryReceipts()
	sms := newFakeChannel(models.ChannelSMS, nil)
	cfg := testConfig()
	cfg.ContactCooldown = time.Hour
	coord := newTestCoordinator(t, cfg, store, sms)

	req := Request{
		QueryID:  "q1",
		Targets:  []Target{target("reachable", models.ChannelSMS), target("push-only", models.ChannelPush)},
		Deadline: time.Now().Add(time.Minute),
	}
	report := coord.Dispatch(context.Background(), req)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, "no consented channel", store.byContact()["push-only"].Error)

	req.QueryID = "q2"
	report = coord.Dispatch(context.Background(), req)
	assert.Equal(t, 0, report.Delivered)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, sms.callsFor("reachable"))
}

func TestDispatchTimesOutAtQueryDeadline(t *testing.T) {
	store := newMemoryReceipts()
	slow := newFakeChannel(models.ChannelSMS, func(ctx context.Context, msg Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	coord := newTestCoordinator(t, testConfig(), store, slow)

	start := time.Now()
	report := coord.Dispatch(context.Background(), Request{
		QueryID:  "q1",
		Targets:  []Target{target("slow", models.ChannelSMS)},
		Deadline: time.Now().Add(30 * time.Millisecond),
	})

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, report.TimedOut)
	assert.Equal(t, models.DeliveryTimeout, store.byContact()["slow"].Status)
}

func TestDispatchRespectsChannelRate(t *testing.T) {
	store := newMemoryReceipts()
	sms := newFakeChannel(models.ChannelSMS, nil)
	cfg := testConfig()
	cfg.RatePerSecond = map[models.Channel]float64{models.ChannelSMS: 50}
	cfg.Burst = 1
	coord := newTestCoordinator(t, cfg, store, sms)

	targets := make([]Target, 5)
	for i := range targets {
		targets[i] = target(fmt.Sprintf("c%d", i), models.ChannelSMS)
	}

	start := time.Now()
	report := coord.Dispatch(context.Background(), Request{QueryID: "q1", Targets: targets, Deadline: time.Now().Add(time.Minute)})
	assert.Equal(t, 5, report.Delivered)
	// Four sends wait 20ms each for a token.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestMessageText(t *testing.T) {
	msg := Message{ContactName: "Ana", Question: "Where to eat?", EstimatedPayoutCents: 117, Deadline: time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC)}
	assert.Equal(t, "Hi Ana, someone in your network is asking: \"Where to eat?\"\nReply by Jan 2 15:04 UTC. Estimated payout for a useful answer: $1.17.", msg.Text())
}
