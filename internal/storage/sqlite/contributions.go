package sqlite

import (
	"context"
	"fmt"

	"github.com/groupchat/backend/internal/storage/models"
)

func (c *Client) InsertContribution(ctx context.Context, contribution *models.Contribution) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO contributions (id, query_id, contact_id, response_text, confidence, received_at, used, late)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, contribution.ID, contribution.QueryID, contribution.ContactID, contribution.ResponseText,
		contribution.Confidence, toUnix(contribution.ReceivedAt), boolInt(contribution.Late))
	if isUniqueViolation(err) {
		return fmt.Errorf("contact %s on query %s: %w", contribution.ContactID, contribution.QueryID, models.ErrDuplicateContribution)
	}
	if err != nil {
		return fmt.Errorf("failed to insert contribution: %w", err)
	}
	return nil
}

func (c *Client) HasContribution(ctx context.Context, queryID, contactID string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contributions WHERE query_id = ? AND contact_id = ?`, queryID, contactID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check contribution: %w", err)
	}
	return n > 0, nil
}

// ListContributions returns a query's contributions ordered by arrival. Late
// contributions are included only when includeLate is set.
func (c *Client) ListContributions(ctx context.Context, queryID string, includeLate bool) ([]models.Contribution, error) {
	query := `SELECT id, query_id, contact_id, response_text, confidence, received_at, used, late
		FROM contributions WHERE query_id = ?`
	if !includeLate {
		query += ` AND late = 0`
	}
	query += ` ORDER BY received_at, id`

	rows, err := c.db.QueryContext(ctx, query, queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions: %w", err)
	}
	defer rows.Close()

	var contributions []models.Contribution
	for rows.Next() {
		var (
			contribution models.Contribution
			receivedAt   int64
			used, late   int
		)
		if err := rows.Scan(&contribution.ID, &contribution.QueryID, &contribution.ContactID,
			&contribution.ResponseText, &contribution.Confidence, &receivedAt, &used, &late); err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		contribution.ReceivedAt = fromUnix(receivedAt)
		contribution.Used = used == 1
		contribution.Late = late == 1
		contributions = append(contributions, contribution)
	}
	return contributions, rows.Err()
}
