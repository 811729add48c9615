package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/groupchat/backend/internal/storage/models"
)

const queryColumns = `id, asker_id, question_text, question_vector, budget_cents, timeout_ms, min_contributions,
	max_matches, status, failure_reason, collect_deadline, created_at, updated_at`

func (c *Client) CreateQuery(ctx context.Context, q *models.Query) error {
	_, err := c.db.ExecContext(ctx, `INSERT INTO queries (`+queryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.AskerID, q.QuestionText, encodeVector(q.QuestionVector), q.BudgetCents, q.Timeout.Milliseconds(),
		q.MinContributions, q.MaxMatches, string(q.Status), q.FailureReason, nullableTime(q.CollectDeadline),
		toUnix(q.CreatedAt), toUnix(q.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query: %w", err)
	}
	return nil
}

func (c *Client) GetQuery(ctx context.Context, id string) (*models.Query, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+queryColumns+` FROM queries WHERE id = ?`, id)
	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get query: %w", err)
	}
	return q, nil
}

func (c *Client) ListQueriesByStatus(ctx context.Context, statuses ...models.QueryStatus) ([]models.Query, error) {
	var queries []models.Query
	for _, status := range statuses {
		rows, err := c.db.QueryContext(ctx,
			`SELECT `+queryColumns+` FROM queries WHERE status = ? ORDER BY created_at, id`, string(status))
		if err != nil {
			return nil, fmt.Errorf("failed to list queries: %w", err)
		}
		for rows.Next() {
			q, err := scanQuery(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan query: %w", err)
			}
			queries = append(queries, *q)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return queries, nil
}

// UpdateQueryVector stores the question embedding once it is known.
func (c *Client) UpdateQueryVector(ctx context.Context, id string, vector []float32) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE queries SET question_vector = ?, updated_at = ? WHERE id = ?`,
		encodeVector(vector), toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update query vector: %w", err)
	}
	return nil
}

// TransitionStatus moves a query from one status to another only if it is
// still in the expected status. A lost race returns ErrStatusConflict.
func (c *Client) TransitionStatus(ctx context.Context, id string, from, to models.QueryStatus, reason string, deadline *time.Time) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE queries
		SET status = ?,
			failure_reason = CASE WHEN ? <> '' THEN ? ELSE failure_reason END,
			collect_deadline = COALESCE(?, collect_deadline),
			updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), reason, reason, nullableTime(deadline), toUnix(time.Now()), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition query: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queries WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check query: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("query %s: %w", id, models.ErrNotFound)
	}
	return fmt.Errorf("query %s not in %s: %w", id, from, models.ErrStatusConflict)
}

func (c *Client) SaveMatches(ctx context.Context, matches []models.Match) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO matches (query_id, contact_id, score, rank, cluster, wave, components, reasons, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare match insert: %w", err)
		}
		defer stmt.Close()

		for _, m := range matches {
			components, err := json.Marshal(m.Components)
			if err != nil {
				return fmt.Errorf("failed to marshal score components: %w", err)
			}
			reasons, err := json.Marshal(m.Reasons)
			if err != nil {
				return fmt.Errorf("failed to marshal match reasons: %w", err)
			}
			_, err = stmt.ExecContext(ctx, m.QueryID, m.ContactID, m.Score, m.Rank, m.Cluster, m.Wave,
				string(components), string(reasons), toUnix(m.CreatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert match: %w", err)
			}
		}
		return nil
	})
}

func (c *Client) ListMatches(ctx context.Context, queryID string) ([]models.Match, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT query_id, contact_id, score, rank, cluster, wave, components, reasons, created_at
		FROM matches WHERE query_id = ? ORDER BY rank
	`, queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	defer rows.Close()

	var matches []models.Match
	for rows.Next() {
		var (
			m                   models.Match
			components, reasons string
			createdAt           int64
		)
		if err := rows.Scan(&m.QueryID, &m.ContactID, &m.Score, &m.Rank, &m.Cluster, &m.Wave,
			&components, &reasons, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		if err := json.Unmarshal([]byte(components), &m.Components); err != nil {
			return nil, fmt.Errorf("failed to unmarshal score components: %w", err)
		}
		if err := json.Unmarshal([]byte(reasons), &m.Reasons); err != nil {
			return nil, fmt.Errorf("failed to unmarshal match reasons: %w", err)
		}
		m.CreatedAt = fromUnix(createdAt)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (c *Client) IsMatched(ctx context.Context, queryID, contactID string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM matches WHERE query_id = ? AND contact_id = ?`, queryID, contactID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check match: %w", err)
	}
	return n > 0, nil
}

func (c *Client) RecordDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO deliveries (query_id, contact_id, channel, status, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.QueryID, d.ContactID, string(d.Channel), string(d.Status), d.Attempts, d.Error, toUnix(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns the delivery receipts of a query in insertion order.
func (c *Client) ListDeliveries(ctx context.Context, queryID string) ([]models.Delivery, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT query_id, contact_id, channel, status, attempts, error, created_at
		FROM deliveries WHERE query_id = ? ORDER BY id
	`, queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []models.Delivery
	for rows.Next() {
		var (
			d                models.Delivery
			channel, status string
			createdAt       int64
		)
		if err := rows.Scan(&d.QueryID, &d.ContactID, &channel, &status, &d.Attempts, &d.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.Channel = models.Channel(channel)
		d.Status = models.DeliveryStatus(status)
		d.CreatedAt = fromUnix(createdAt)
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// DeliverySummary counts delivery receipts per status for a query.
func (c *Client) DeliverySummary(ctx context.Context, queryID string) (map[models.DeliveryStatus]int, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM deliveries WHERE query_id = ? GROUP BY status`, queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize deliveries: %w", err)
	}
	defer rows.Close()

	summary := make(map[models.DeliveryStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan delivery summary: %w", err)
		}
		summary[models.DeliveryStatus(status)] = n
	}
	return summary, rows.Err()
}

func scanQuery(row scanner) (*models.Query, error) {
	var (
		q                  models.Query
		vector             []byte
		timeoutMS          int64
		status             string
		deadline           sql.NullInt64
		createdAt, updated int64
	)
	err := row.Scan(&q.ID, &q.AskerID, &q.QuestionText, &vector, &q.BudgetCents, &timeoutMS,
		&q.MinContributions, &q.MaxMatches, &status, &q.FailureReason, &deadline, &createdAt, &updated)
	if err != nil {
		return nil, err
	}

	q.QuestionVector = decodeVector(vector)
	q.Timeout = time.Duration(timeoutMS) * time.Millisecond
	q.Status = models.QueryStatus(status)
	q.CollectDeadline = timePtr(deadline)
	q.CreatedAt = fromUnix(createdAt)
	q.UpdatedAt = fromUnix(updated)
	return &q, nil
}
