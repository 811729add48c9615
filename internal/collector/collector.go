package collector

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/metrics"
	"github.com/groupchat/backend/pkg/logger"
)

type Trigger string

const (
	TriggerQuorum  Trigger = "quorum"
	TriggerTimeout Trigger = "timeout"
)

// ReadyFunc is called exactly once per opened window, from its own
// goroutine, when the window closes by quorum or timeout.
type ReadyFunc func(queryID string, trigger Trigger, received int)

type window struct {
	quorum   int
	received int
	deadline time.Time
	timer    *time.Timer
}

// Collector tracks the collecting window of each query: a counter and a
// single timer. Whichever of quorum or deadline comes first closes the
// window; later contributions are reported as late.
type Collector struct {
	mu      sync.Mutex
	windows map[string]*window
	onReady ReadyFunc
	log     *zap.Logger
}

func New(onReady ReadyFunc) *Collector {
	return &Collector{
		windows: make(map[string]*window),
		onReady: onReady,
		log:     logger.Named("collector"),
	}
}

// Open starts the window for a query. received seeds the counter with
// contributions already stored, so recovered queries resume where they
// stopped. Reopening a query replaces its previous window.
func (c *Collector) Open(queryID string, quorum int, deadline time.Time, received int) {
	if quorum < 1 {
		quorum = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.windows[queryID]; ok && old.timer != nil {
		old.timer.Stop()
	}

	w := &window{quorum: quorum, received: received, deadline: deadline}
	c.windows[queryID] = w

	if received >= quorum {
		c.fireLocked(queryID, w, TriggerQuorum)
		return
	}

	w.timer = time.AfterFunc(time.Until(deadline), func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.windows[queryID] != w {
			return
		}
		c.fireLocked(queryID, w, TriggerTimeout)
	})

	c.log.Debug("Collection window opened",
		zap.String("query_id", queryID),
		zap.Int("quorum", quorum),
		zap.Time("deadline", deadline),
	)
}

// Record counts one contribution. It reports whether the contribution is on
// time; false means the window already closed or was never opened.
func (c *Collector) Record(queryID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[queryID]
	if !ok {
		return false
	}
	w.received++
	if w.received >= w.quorum {
		c.fireLocked(queryID, w, TriggerQuorum)
	}
	return true
}

// Close discards a window without firing it.
func (c *Collector) Close(queryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.windows[queryID]; ok {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(c.windows, queryID)
	}
}

// CloseAll discards every window. Used on shutdown; recovery re-arms them.
func (c *Collector) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, w := range c.windows {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(c.windows, id)
	}
}

func (c *Collector) IsOpen(queryID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.windows[queryID]
	return ok
}

// Received returns the on-time count of an open window.
func (c *Collector) Received(queryID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[queryID]
	if !ok {
		return 0, false
	}
	return w.received, true
}

func (c *Collector) fireLocked(queryID string, w *window, trigger Trigger) {
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(c.windows, queryID)

	metrics.CollectorTriggers.WithLabelValues(string(trigger)).Inc()
	c.log.Info("Collection window closed",
		zap.String("query_id", queryID),
		zap.String("trigger", string(trigger)),
		zap.Int("received", w.received),
	)

	if c.onReady != nil {
		go c.onReady(queryID, trigger, w.received)
	}
}
