package outreach

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/groupchat/backend/internal/storage/models"
)

// ErrRateWait is returned when a channel's rate limit cannot admit a send
// before the context deadline.
var ErrRateWait = errors.New("channel rate limit would exceed deadline")

type contactBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter paces sends per channel and enforces a cooldown per contact.
// Channel limiters block until a token is free; the contact cooldown never
// blocks, a contact still cooling down is skipped.
type Limiter struct {
	mu       sync.Mutex
	channels map[models.Channel]*rate.Limiter
	contacts map[string]*contactBucket
	rates    map[models.Channel]float64
	burst    int
	cooldown time.Duration

	cleanupTicker *time.Ticker
	done          chan struct{}
	stopOnce      sync.Once
}

func NewLimiter(rates map[models.Channel]float64, burst int, cooldown time.Duration) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		channels:      make(map[models.Channel]*rate.Limiter),
		contacts:      make(map[string]*contactBucket),
		rates:         rates,
		burst:         burst,
		cooldown:      cooldown,
		cleanupTicker: time.NewTicker(5 * time.Minute),
		done:          make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) channel(ch models.Channel) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.channels[ch]
	if !ok {
		limit := rate.Inf
		if r := l.rates[ch]; r > 0 {
			limit = rate.Limit(r)
		}
		lim = rate.NewLimiter(limit, l.burst)
		l.channels[ch] = lim
	}
	return lim
}

// Wait blocks until the channel admits one more send or ctx ends.
func (l *Limiter) Wait(ctx context.Context, ch models.Channel) error {
	if err := l.channel(ch).Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %v", ErrRateWait, ch, err)
	}
	return nil
}

// AllowContact reports whether contactID may be contacted now and, if so,
// starts its cooldown.
func (l *Limiter) AllowContact(contactID string) bool {
	if l.cooldown <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.contacts[contactID]
	if !ok {
		b = &contactBucket{limiter: rate.NewLimiter(rate.Every(l.cooldown), 1)}
		l.contacts[contactID] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

func (l *Limiter) cleanup() {
	for {
		select {
		case <-l.done:
			return
		case <-l.cleanupTicker.C:
			l.mu.Lock()
			now := time.Now()
			for id, b := range l.contacts {
				// A bucket idle for a full cooldown is back at capacity.
				if now.Sub(b.lastSeen) > l.cooldown {
					delete(l.contacts, id)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		l.cleanupTicker.Stop()
		close(l.done)
	})
}
