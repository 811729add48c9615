package neo4j

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/groupchat/backend/pkg/circuitbreaker"
	"github.com/groupchat/backend/pkg/config"
	"github.com/groupchat/backend/pkg/logger"
	"github.com/groupchat/backend/pkg/retry"
)

// tagGroupTTL bounds how stale cached tag groups may get.
const tagGroupTTL = time.Minute

// Client reads the contact graph: tag groups used for diversity clusters
// and referral edges used for referrer payouts.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config

	mu         sync.Mutex
	groups     map[string][]string
	groupsTime time.Time
}

func NewClient(cfg config.Neo4jConfig) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Operation:      "neo4j",
		Logger:         logger.GetLogger(),
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}

	logger.Info("Neo4j client initialized", zap.String("uri", cfg.URI), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// EnsureSchema creates the uniqueness constraints the graph relies on.
func (c *Client) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE CONSTRAINT contact_id IF NOT EXISTS FOR (c:Contact) REQUIRE c.id IS UNIQUE`,
		`CREATE CONSTRAINT tag_name IF NOT EXISTS FOR (t:Tag) REQUIRE t.name IS UNIQUE`,
		`CREATE CONSTRAINT tag_group_name IF NOT EXISTS FOR (g:TagGroup) REQUIRE g.name IS UNIQUE`,
	}
	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		for _, stmt := range statements {
			if _, err := session.Run(ctx, stmt, nil); err != nil {
				return fmt.Errorf("failed to create constraint: %w", err)
			}
		}
		return nil
	})
}

// UpsertTagGroup makes tags members of the named group.
func (c *Client) UpsertTagGroup(ctx context.Context, name string, tags []string) error {
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `
			MERGE (g:TagGroup {name: $name})
			WITH g
			UNWIND $tags AS tag
			MERGE (t:Tag {name: toLower(trim(tag))})
			MERGE (g)-[:INCLUDES]->(t)
		`, map[string]any{"name": name, "tags": tags})
		if err != nil {
			return fmt.Errorf("failed to upsert tag group: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.groups = nil
	c.mu.Unlock()

	logger.Debug("Tag group stored", zap.String("group", name), zap.Int("tags", len(tags)))
	return nil
}

// TagGroups returns every group with its sorted member tags. Results are
// cached for a minute.
func (c *Client) TagGroups(ctx context.Context) (map[string][]string, error) {
	c.mu.Lock()
	if c.groups != nil && time.Since(c.groupsTime) < tagGroupTTL {
		groups := c.groups
		c.mu.Unlock()
		return groups, nil
	}
	c.mu.Unlock()

	groups := make(map[string][]string)
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, `
			MATCH (g:TagGroup)-[:INCLUDES]->(t:Tag)
			RETURN g.name AS group, collect(t.name) AS tags
		`, nil)
		if err != nil {
			return fmt.Errorf("failed to load tag groups: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()
			name, _ := record.Get("group")
			raw, _ := record.Get("tags")

			group, ok := name.(string)
			if !ok {
				continue
			}
			groups[group] = toStrings(raw)
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.groups = groups
	c.groupsTime = time.Now()
	c.mu.Unlock()

	logger.Debug("Tag groups loaded", zap.Int("groups", len(groups)))
	return groups, nil
}

// AddReferral records that referrer brought referred into the network.
func (c *Client) AddReferral(ctx context.Context, referrerID, referredID string) error {
	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `
			MERGE (r:Contact {id: $referrer})
			MERGE (c:Contact {id: $referred})
			MERGE (r)-[:REFERRED]->(c)
		`, map[string]any{"referrer": referrerID, "referred": referredID})
		if err != nil {
			return fmt.Errorf("failed to add referral: %w", err)
		}
		return nil
	})
}

// ReferrersOf maps each contact id that has a referrer to that referrer.
// A contact with several referrers maps to the smallest id.
func (c *Client) ReferrersOf(ctx context.Context, contactIDs []string) (map[string]string, error) {
	referrers := make(map[string]string)
	if len(contactIDs) == 0 {
		return referrers, nil
	}

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, `
			MATCH (r:Contact)-[:REFERRED]->(c:Contact)
			WHERE c.id IN $ids
			RETURN c.id AS contact, min(r.id) AS referrer
		`, map[string]any{"ids": contactIDs})
		if err != nil {
			return fmt.Errorf("failed to look up referrers: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()
			contact, _ := record.Get("contact")
			referrer, _ := record.Get("referrer")
			cid, ok1 := contact.(string)
			rid, ok2 := referrer.(string)
			if ok1 && ok2 {
				referrers[cid] = rid
			}
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}
	return referrers, nil
}

func toStrings(raw any) []string {
	items, _ := raw.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.cb
}
