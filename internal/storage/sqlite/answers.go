package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/groupchat/backend/internal/storage/models"
)

// SaveAnswer stores the compiled answer with its citations and flags the
// cited contributions as used, all in one transaction. The citations trigger
// rejects any citation whose contribution belongs to another query.
func (c *Client) SaveAnswer(ctx context.Context, answer *models.CompiledAnswer) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO compiled_answers (id, query_id, final_text, confidence_score, ungrounded_claims, partial, attempts, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, answer.ID, answer.QueryID, answer.FinalText, answer.ConfidenceScore, answer.UngroundedClaims,
			boolInt(answer.Partial), answer.Attempts, toUnix(answer.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert compiled answer: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO citations (id, answer_id, query_id, contribution_id, claim_start, claim_end, source_excerpt, confidence, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare citation insert: %w", err)
		}
		defer stmt.Close()

		used := make(map[string]bool)
		for _, citation := range answer.Citations {
			_, err := stmt.ExecContext(ctx, citation.ID, answer.ID, answer.QueryID, citation.ContributionID,
				citation.ClaimStart, citation.ClaimEnd, citation.SourceExcerpt, citation.Confidence, citation.Position)
			if err != nil {
				if strings.Contains(err.Error(), "another query") {
					return fmt.Errorf("citation %s: %w", citation.ID, models.ErrCitationScope)
				}
				return fmt.Errorf("failed to insert citation: %w", err)
			}
			used[citation.ContributionID] = true
		}

		for id := range used {
			if _, err := tx.ExecContext(ctx,
				`UPDATE contributions SET used = 1 WHERE id = ? AND query_id = ?`, id, answer.QueryID); err != nil {
				return fmt.Errorf("failed to mark contribution used: %w", err)
			}
		}
		return nil
	})
}

func (c *Client) GetAnswer(ctx context.Context, queryID string) (*models.CompiledAnswer, error) {
	var (
		answer    models.CompiledAnswer
		partial   int
		createdAt int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT id, query_id, final_text, confidence_score, ungrounded_claims, partial, attempts, created_at
		FROM compiled_answers WHERE query_id = ?
	`, queryID).Scan(&answer.ID, &answer.QueryID, &answer.FinalText, &answer.ConfidenceScore,
		&answer.UngroundedClaims, &partial, &answer.Attempts, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("answer for query %s: %w", queryID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get compiled answer: %w", err)
	}
	answer.Partial = partial == 1
	answer.CreatedAt = fromUnix(createdAt)

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, query_id, contribution_id, claim_start, claim_end, source_excerpt, confidence, position
		FROM citations WHERE answer_id = ? ORDER BY position
	`, answer.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list citations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var citation models.Citation
		if err := rows.Scan(&citation.ID, &citation.QueryID, &citation.ContributionID, &citation.ClaimStart,
			&citation.ClaimEnd, &citation.SourceExcerpt, &citation.Confidence, &citation.Position); err != nil {
			return nil, fmt.Errorf("failed to scan citation: %w", err)
		}
		answer.Citations = append(answer.Citations, citation)
	}
	return &answer, rows.Err()
}
