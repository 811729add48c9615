package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/groupchat/backend/internal/storage/models"
)

// CommitSettlement writes the settlement record and its ledger entries as one
// transaction. The settlement row is keyed by query id, so a second commit for
// the same query inserts nothing and returns ErrAlreadySettled. The entry sum
// is re-read inside the transaction and a non-zero total rolls everything back.
func (c *Client) CommitSettlement(ctx context.Context, settlement *models.Settlement) error {
	payouts, err := json.Marshal(settlement.Payouts)
	if err != nil {
		return fmt.Errorf("failed to marshal payouts: %w", err)
	}

	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO settlements (query_id, transaction_id, budget_cents, contributor_pool_cents, platform_cents, referrer_cents, payouts, settled_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(query_id) DO NOTHING
		`, settlement.QueryID, settlement.TransactionID, settlement.BudgetCents, settlement.ContributorPoolCents,
			settlement.PlatformCents, settlement.ReferrerCents, string(payouts), toUnix(settlement.SettledAt))
		if err != nil {
			return fmt.Errorf("failed to insert settlement: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("query %s: %w", settlement.QueryID, models.ErrAlreadySettled)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO ledger_entries (id, transaction_id, query_id, account_type, account_id, amount_cents, memo, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare ledger insert: %w", err)
		}
		defer stmt.Close()

		for _, entry := range settlement.Entries {
			if entry.TransactionID != settlement.TransactionID {
				return fmt.Errorf("entry %s belongs to transaction %s: %w", entry.ID, entry.TransactionID, models.ErrLedgerImbalance)
			}
			_, err := stmt.ExecContext(ctx, entry.ID, entry.TransactionID, entry.QueryID, string(entry.AccountType),
				entry.AccountID, entry.AmountCents, entry.Memo, toUnix(entry.CreatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert ledger entry: %w", err)
			}
		}

		var sum int64
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(amount_cents), 0) FROM ledger_entries WHERE transaction_id = ?`,
			settlement.TransactionID).Scan(&sum)
		if err != nil {
			return fmt.Errorf("failed to verify transaction balance: %w", err)
		}
		if sum != 0 {
			return fmt.Errorf("transaction %s sums to %d: %w", settlement.TransactionID, sum, models.ErrLedgerImbalance)
		}

		for _, payout := range settlement.Payouts {
			if payout.AmountCents <= 0 {
				continue
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE contacts
				SET total_earnings_cents = total_earnings_cents + ?,
					total_contributions = total_contributions + 1
				WHERE id = ?
			`, payout.AmountCents, payout.ContactID)
			if err != nil {
				return fmt.Errorf("failed to update contact earnings: %w", err)
			}
		}
		return nil
	})
}

func (c *Client) GetSettlement(ctx context.Context, queryID string) (*models.Settlement, error) {
	var (
		settlement models.Settlement
		payouts    string
		settledAt  int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT query_id, transaction_id, budget_cents, contributor_pool_cents, platform_cents, referrer_cents, payouts, settled_at
		FROM settlements WHERE query_id = ?
	`, queryID).Scan(&settlement.QueryID, &settlement.TransactionID, &settlement.BudgetCents,
		&settlement.ContributorPoolCents, &settlement.PlatformCents, &settlement.ReferrerCents, &payouts, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settlement for query %s: %w", queryID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	settlement.SettledAt = fromUnix(settledAt)
	if err := json.Unmarshal([]byte(payouts), &settlement.Payouts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payouts: %w", err)
	}

	entries, err := c.listEntries(ctx, `WHERE transaction_id = ? ORDER BY created_at, id`, settlement.TransactionID)
	if err != nil {
		return nil, err
	}
	settlement.Entries = entries
	return &settlement, nil
}

// AccountBalance sums every entry posted to an account.
func (c *Client) AccountBalance(ctx context.Context, accountType models.AccountType, accountID string) (int64, error) {
	var balance int64
	err := c.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM ledger_entries WHERE account_type = ? AND account_id = ?
	`, string(accountType), accountID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to compute balance: %w", err)
	}
	return balance, nil
}

// AccountHistory returns the newest entries for an account first.
func (c *Client) AccountHistory(ctx context.Context, accountType models.AccountType, accountID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return c.listEntries(ctx, `WHERE account_type = ? AND account_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		string(accountType), accountID, limit)
}

// VerifyLedger returns the ids of transactions whose entries do not sum to
// zero. A healthy ledger returns none.
func (c *Client) VerifyLedger(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT transaction_id FROM ledger_entries
		GROUP BY transaction_id HAVING SUM(amount_cents) <> 0
		ORDER BY transaction_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ledger: %w", err)
	}
	defer rows.Close()

	var unbalanced []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan transaction id: %w", err)
		}
		unbalanced = append(unbalanced, id)
	}
	return unbalanced, rows.Err()
}

func (c *Client) listEntries(ctx context.Context, where string, args ...any) ([]models.LedgerEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, transaction_id, query_id, account_type, account_id, amount_cents, memo, created_at
		FROM ledger_entries `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var (
			entry       models.LedgerEntry
			accountType string
			createdAt   int64
		)
		if err := rows.Scan(&entry.ID, &entry.TransactionID, &entry.QueryID, &accountType, &entry.AccountID,
			&entry.AmountCents, &entry.Memo, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entry.AccountType = models.AccountType(accountType)
		entry.CreatedAt = fromUnix(createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
