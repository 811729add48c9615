package outreach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/storage/models"
)

// ErrUndeliverable marks a send that will fail no matter how often it is
// retried, such as a malformed address.
var ErrUndeliverable = errors.New("undeliverable")

// Message is the channel-neutral outreach request.
type Message struct {
	QueryID              string         `json:"query_id"`
	ContactID            string         `json:"contact_id"`
	ContactName          string         `json:"contact_name,omitempty"`
	Channel              models.Channel `json:"channel"`
	Question             string         `json:"question"`
	EstimatedPayoutCents int64          `json:"estimated_payout_cents"`
	Deadline             time.Time      `json:"deadline"`
	Wave                 int            `json:"wave"`
}

// Text renders the message body sent to the contact.
func (m Message) Text() string {
	greeting := "Hi"
	if m.ContactName != "" {
		greeting = "Hi " + m.ContactName
	}
	return fmt.Sprintf("%s, someone in your network is asking: %q\nReply by %s. Estimated payout for a useful answer: $%d.%02d.",
		greeting, m.Question, m.Deadline.UTC().Format("Jan 2 15:04 MST"),
		m.EstimatedPayoutCents/100, m.EstimatedPayoutCents%100)
}

// NotificationChannel delivers a message over one medium. Send returns nil
// once the medium accepted the message.
type NotificationChannel interface {
	Name() models.Channel
	Send(ctx context.Context, msg Message) error
}

// LogChannel accepts every message and writes it to the log. It stands in
// for a real provider in development.
type LogChannel struct {
	channel models.Channel
	log     *zap.Logger
}

func NewLogChannel(channel models.Channel, log *zap.Logger) *LogChannel {
	return &LogChannel{channel: channel, log: log}
}

func (c *LogChannel) Name() models.Channel { return c.channel }

func (c *LogChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.log.Info("Outreach message",
		zap.String("channel", string(c.channel)),
		zap.String("query_id", msg.QueryID),
		zap.String("contact_id", msg.ContactID),
		zap.String("text", msg.Text()),
	)
	return nil
}

// Enqueuer hands a serialized message to an external delivery worker.
type Enqueuer interface {
	EnqueueNotification(ctx context.Context, channel string, payload []byte) error
}

// QueueChannel delivers by enqueueing the message for an out-of-process
// sender; acceptance by the queue counts as delivery.
type QueueChannel struct {
	channel models.Channel
	queue   Enqueuer
}

func NewQueueChannel(channel models.Channel, queue Enqueuer) *QueueChannel {
	return &QueueChannel{channel: channel, queue: queue}
}

func (c *QueueChannel) Name() models.Channel { return c.channel }

func (c *QueueChannel) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal message: %v", ErrUndeliverable, err)
	}
	return c.queue.EnqueueNotification(ctx, string(c.channel), payload)
}
