package outreach

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/groupchat/backend/internal/metrics"
	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/pkg/circuitbreaker"
	"github.com/groupchat/backend/pkg/config"
	"github.com/groupchat/backend/pkg/logger"
	"github.com/groupchat/backend/pkg/retry"
)

// DeliveryFailure reports a contact that could not be reached. It never
// fails the query.
type DeliveryFailure struct {
	ContactID string
	Channel   models.Channel
	Attempts  int
	Status    models.DeliveryStatus
	Err       error
}

func (f *DeliveryFailure) Error() string {
	return fmt.Sprintf("delivery to %s via %s %s after %d attempt(s): %v", f.ContactID, f.Channel, f.Status, f.Attempts, f.Err)
}

func (f *DeliveryFailure) Unwrap() error { return f.Err }

// ReceiptStore persists delivery receipts.
type ReceiptStore interface {
	RecordDelivery(ctx context.Context, d *models.Delivery) error
	MarkContacted(ctx context.Context, contactID string, at time.Time) error
}

type Config struct {
	Priority        []models.Channel
	RatePerSecond   map[models.Channel]float64
	Burst           int
	ContactCooldown time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	SendTimeout     time.Duration
	Concurrency     int
}

func ConfigFrom(cfg config.OutreachConfig) Config {
	priority := make([]models.Channel, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		priority = append(priority, models.Channel(ch))
	}
	rates := make(map[models.Channel]float64, len(cfg.RatePerSecond))
	for ch, r := range cfg.RatePerSecond {
		rates[models.Channel(ch)] = r
	}
	return Config{
		Priority:        priority,
		RatePerSecond:   rates,
		Burst:           cfg.Burst,
		ContactCooldown: cfg.ContactCooldown,
		MaxAttempts:     cfg.MaxAttempts,
		InitialBackoff:  cfg.InitialBackoff,
		SendTimeout:     cfg.SendTimeout,
		Concurrency:     cfg.Concurrency,
	}
}

type Target struct {
	Contact models.Contact
	Wave    int
	Rank    int
}

type Request struct {
	QueryID              string
	Question             string
	Targets              []Target
	EstimatedPayoutCents int64
	// Deadline is the end of the collecting window; no send outlives it.
	Deadline time.Time
}

type Report struct {
	Delivered int
	Failed    int
	TimedOut  int
	Skipped   int
	Failures  []*DeliveryFailure
}

type Coordinator struct {
	cfg      Config
	channels map[models.Channel]NotificationChannel
	priority []models.Channel
	store    ReceiptStore
	limiter  *Limiter
	breakers *circuitbreaker.Registry
	now      func() time.Time
	log      *zap.Logger
}

func NewCoordinator(cfg Config, store ReceiptStore, breakers *circuitbreaker.Registry, channels ...NotificationChannel) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	byName := make(map[models.Channel]NotificationChannel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	// Only channels with a registered sender take part in selection.
	priority := make([]models.Channel, 0, len(cfg.Priority))
	for _, ch := range cfg.Priority {
		if _, ok := byName[ch]; ok {
			priority = append(priority, ch)
		}
	}

	return &Coordinator{
		cfg:      cfg,
		channels: byName,
		priority: priority,
		store:    store,
		limiter:  NewLimiter(cfg.RatePerSecond, cfg.Burst, cfg.ContactCooldown),
		breakers: breakers,
		now:      time.Now,
		log:      logger.Named("outreach"),
	}
}

// Dispatch sends the request to every target concurrently, earlier waves
// first, bounded by Concurrency. One contact's failure never blocks or
// fails another; every outcome is persisted as a delivery receipt.
func (c *Coordinator) Dispatch(ctx context.Context, req Request) *Report {
	targets := append([]Target(nil), req.Targets...)
	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].Wave != targets[j].Wave {
			return targets[i].Wave < targets[j].Wave
		}
		return targets[i].Rank < targets[j].Rank
	})

	var (
		mu     sync.Mutex
		report = &Report{}
	)

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			delivery, failure := c.deliver(ctx, req, target)

			mu.Lock()
			switch delivery.Status {
			case models.DeliveryDelivered:
				report.Delivered++
			case models.DeliveryTimeout:
				report.TimedOut++
			case models.DeliverySkipped:
				report.Skipped++
			default:
				report.Failed++
			}
			if failure != nil {
				report.Failures = append(report.Failures, failure)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.log.Info("Outreach dispatched",
		zap.String("query_id", req.QueryID),
		zap.Int("targets", len(targets)),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed),
		zap.Int("timed_out", report.TimedOut),
		zap.Int("skipped", report.Skipped),
	)
	return report
}

func (c *Coordinator) deliver(ctx context.Context, req Request, target Target) (*models.Delivery, *DeliveryFailure) {
	contact := target.Contact
	delivery := &models.Delivery{QueryID: req.QueryID, ContactID: contact.ID, Status: models.DeliverySkipped}

	channel, ok := contact.PreferredChannel(c.priority)
	switch {
	case !ok:
		delivery.Error = "no consented channel"
	case !c.limiter.AllowContact(contact.ID):
		delivery.Channel = channel
		delivery.Error = "contact cooldown"
	}
	if delivery.Error != "" {
		c.finish(ctx, delivery)
		return delivery, nil
	}
	delivery.Channel = channel

	timeout := c.cfg.SendTimeout
	if !req.Deadline.IsZero() {
		if remaining := time.Until(req.Deadline); remaining < timeout {
			timeout = remaining
		}
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := Message{
		QueryID:              req.QueryID,
		ContactID:            contact.ID,
		ContactName:          contact.Name,
		Channel:              channel,
		Question:             req.Question,
		EstimatedPayoutCents: req.EstimatedPayoutCents,
		Deadline:             req.Deadline,
		Wave:                 target.Wave,
	}
	sender := c.channels[channel]
	breaker := c.breakers.Get("outreach." + string(channel))

	attempts, err := retry.Attempts(sendCtx, retry.Config{
		MaxAttempts:    c.cfg.MaxAttempts,
		InitialDelay:   c.cfg.InitialBackoff,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Permanent: func(err error) bool {
			return errors.Is(err, ErrUndeliverable) || errors.Is(err, ErrRateWait) ||
				errors.Is(err, circuitbreaker.ErrCircuitOpen)
		},
		Operation: "outreach.send",
		Logger:    c.log,
	}, func() error {
		if err := c.limiter.Wait(sendCtx, channel); err != nil {
			return err
		}
		return breaker.Execute(sendCtx, func() error {
			return sender.Send(sendCtx, msg)
		})
	})
	delivery.Attempts = attempts

	if err == nil {
		delivery.Status = models.DeliveryDelivered
		c.finish(ctx, delivery)
		if markErr := c.store.MarkContacted(ctx, contact.ID, c.now()); markErr != nil {
			c.log.Warn("Failed to update last contacted", zap.String("contact_id", contact.ID), zap.Error(markErr))
		}
		return delivery, nil
	}

	delivery.Status = models.DeliveryFailed
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRateWait) {
		delivery.Status = models.DeliveryTimeout
	}
	delivery.Error = err.Error()
	c.finish(ctx, delivery)

	failure := &DeliveryFailure{
		ContactID: contact.ID,
		Channel:   channel,
		Attempts:  attempts,
		Status:    delivery.Status,
		Err:       err,
	}
	c.log.Warn("Outreach delivery failed",
		zap.String("query_id", req.QueryID),
		zap.Error(failure),
	)
	return delivery, failure
}

func (c *Coordinator) finish(ctx context.Context, delivery *models.Delivery) {
	delivery.CreatedAt = c.now()
	metrics.OutreachDeliveries.WithLabelValues(string(delivery.Channel), string(delivery.Status)).Inc()

	// The receipt outlives the caller's context; the query may already be
	// past collecting when a slow send returns.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.store.RecordDelivery(storeCtx, delivery); err != nil {
		c.log.Error("Failed to record delivery receipt",
			zap.String("query_id", delivery.QueryID),
			zap.String("contact_id", delivery.ContactID),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) Stop() {
	c.limiter.Stop()
}
