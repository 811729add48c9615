package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/pkg/config"
	"github.com/groupchat/backend/pkg/logger"
)

// Client backs the embedding cache, fans status events out over pub/sub
// and hands notifications to external senders through per-channel lists.
type Client struct {
	client *redis.Client
}

func NewClient(cfg config.RedisConfig) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func embeddingKey(hash string) string { return "embedding:" + hash }

// StatusChannel is the pub/sub channel carrying status events of a query.
func StatusChannel(queryID string) string { return "groupchat:query:" + queryID }

// OutreachQueue is the list external senders pop notifications from.
func OutreachQueue(channel string) string { return "groupchat:outreach:" + channel }

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	err = c.client.Set(ctx, embeddingKey(textHash), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	logger.Debug("Embedding cached", zap.String("text_hash", textHash))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, embeddingKey(textHash)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	logger.Debug("Embedding cache hit", zap.String("text_hash", textHash))
	return embedding, true, nil
}

// PublishStatus forwards a status event to other processes.
func (c *Client) PublishStatus(ctx context.Context, event models.StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	if err := c.client.Publish(ctx, StatusChannel(event.QueryID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}
	return nil
}

// SubscribeStatus streams status events of one query published by any
// process. The returned func closes the subscription.
func (c *Client) SubscribeStatus(ctx context.Context, queryID string) (<-chan models.StatusEvent, func() error) {
	sub := c.client.Subscribe(ctx, StatusChannel(queryID))
	out := make(chan models.StatusEvent, 16)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var event models.StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn("Dropping malformed status event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, sub.Close
}

// EnqueueNotification pushes a rendered notification for an external
// sender of the given channel.
func (c *Client) EnqueueNotification(ctx context.Context, channel string, payload []byte) error {
	if err := c.client.LPush(ctx, OutreachQueue(channel), payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %s notification: %w", channel, err)
	}
	return nil
}

// QueueLength reports how many notifications wait on a channel queue.
func (c *Client) QueueLength(ctx context.Context, channel string) (int64, error) {
	return c.client.LLen(ctx, OutreachQueue(channel)).Result()
}
