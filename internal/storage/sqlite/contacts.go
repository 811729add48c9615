package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/groupchat/backend/internal/storage/models"
)

const contactColumns = `id, name, expertise_summary, expertise_vector, trust_score, response_rate, available,
	disabled, consent, tags, last_contacted_at, total_contributions, total_earnings_cents, created_at, updated_at`

// UpsertContact inserts or updates a profile. Counters (contributions,
// earnings) are owned by settlement and never overwritten here.
func (c *Client) UpsertContact(ctx context.Context, contact *models.Contact) error {
	consent, err := json.Marshal(contact.Consent)
	if err != nil {
		return fmt.Errorf("failed to marshal consent: %w", err)
	}
	tags, err := json.Marshal(normalizeTags(contact.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	now := time.Now()
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = now
	}
	contact.UpdatedAt = now

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO contacts (id, name, expertise_summary, expertise_vector, trust_score, response_rate,
			available, disabled, consent, tags, last_contacted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			expertise_summary = excluded.expertise_summary,
			expertise_vector = COALESCE(excluded.expertise_vector, contacts.expertise_vector),
			trust_score = excluded.trust_score,
			available = excluded.available,
			disabled = excluded.disabled,
			consent = excluded.consent,
			tags = excluded.tags,
			updated_at = excluded.updated_at
	`,
		contact.ID, contact.Name, contact.ExpertiseSummary, encodeVector(contact.ExpertiseVector),
		contact.TrustScore, contact.ResponseRate, boolInt(contact.Available), boolInt(contact.Disabled),
		string(consent), string(tags), nullableTime(contact.LastContactedAt),
		toUnix(contact.CreatedAt), toUnix(contact.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

func (c *Client) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	contact, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contact %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return contact, nil
}

// ListActiveContacts returns contacts that are not soft-disabled, ordered by id.
func (c *Client) ListActiveContacts(ctx context.Context) ([]models.Contact, error) {
	return c.listContacts(ctx, `SELECT `+contactColumns+` FROM contacts WHERE disabled = 0 ORDER BY id`)
}

func (c *Client) GetContacts(ctx context.Context, ids []string) ([]models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return c.listContacts(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
}

func (c *Client) listContacts(ctx context.Context, query string, args ...any) ([]models.Contact, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, *contact)
	}
	return contacts, rows.Err()
}

func (c *Client) SetContactDisabled(ctx context.Context, id string, disabled bool) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE contacts SET disabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(disabled), toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contact %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (c *Client) MarkContacted(ctx context.Context, id string, at time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE contacts SET last_contacted_at = ?, updated_at = ? WHERE id = ?`,
		toUnix(at), toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark contact contacted: %w", err)
	}
	return nil
}

// UpdateContactStats stores recalculated trust and response rate.
func (c *Client) UpdateContactStats(ctx context.Context, id string, trust, responseRate float64) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE contacts SET trust_score = ?, response_rate = ?, updated_at = ? WHERE id = ?`,
		clamp01(trust), clamp01(responseRate), toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update contact stats: %w", err)
	}
	return nil
}

func (c *Client) AddReferral(ctx context.Context, referrerID, referredID string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO referrals (referred_id, referrer_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(referred_id) DO NOTHING
	`, referredID, referrerID, toUnix(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to add referral: %w", err)
	}
	return nil
}

// ReferrersOf maps each referred contact id to its referrer. Contacts without
// a referrer are absent from the result.
func (c *Client) ReferrersOf(ctx context.Context, contactIDs []string) (map[string]string, error) {
	result := make(map[string]string)
	if len(contactIDs) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(contactIDs)), ",")
	args := make([]any, len(contactIDs))
	for i, id := range contactIDs {
		args[i] = id
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT referred_id, referrer_id FROM referrals WHERE referred_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var referred, referrer string
		if err := rows.Scan(&referred, &referrer); err != nil {
			return nil, fmt.Errorf("failed to scan referral: %w", err)
		}
		result[referred] = referrer
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContact(row scanner) (*models.Contact, error) {
	var (
		contact             models.Contact
		vector              []byte
		available, disabled int
		consent, tags       string
		lastContacted       sql.NullInt64
		createdAt, updated  int64
	)
	err := row.Scan(&contact.ID, &contact.Name, &contact.ExpertiseSummary, &vector, &contact.TrustScore,
		&contact.ResponseRate, &available, &disabled, &consent, &tags, &lastContacted,
		&contact.TotalContributions, &contact.TotalEarningsCents, &createdAt, &updated)
	if err != nil {
		return nil, err
	}

	contact.ExpertiseVector = decodeVector(vector)
	contact.Available = available == 1
	contact.Disabled = disabled == 1
	contact.LastContactedAt = timePtr(lastContacted)
	contact.CreatedAt = fromUnix(createdAt)
	contact.UpdatedAt = fromUnix(updated)

	if err := json.Unmarshal([]byte(consent), &contact.Consent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consent: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &contact.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return &contact, nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
