package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupchat/backend/internal/storage/models"
)

func createTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := NewClient(filepath.Join(t.TempDir(), "groupchat.db"))
	require.NoError(t, err)
	require.NoError(t, client.InitSchema())
	t.Cleanup(func() { client.Close() })
	return client
}

func seedContact(t *testing.T, c *Client, id string) {
	t.Helper()
	require.NoError(t, c.UpsertContact(context.Background(), &models.Contact{
		ID:              id,
		Name:            "Contact " + id,
		TrustScore:      0.5,
		Available:       true,
		Consent:         map[models.Channel]bool{models.ChannelSMS: true},
		Tags:            []string{"Go", " go ", "SQLite"},
		ExpertiseVector: []float32{0.25, -1.5, 3},
	}))
}

func seedQuery(t *testing.T, c *Client, id string, status models.QueryStatus) *models.Query {
	t.Helper()
	now := time.Now()
	q := &models.Query{
		ID:               id,
		QuestionText:     "how do I tune sqlite?",
		BudgetCents:      500,
		Timeout:          time.Minute,
		MinContributions: 2,
		MaxMatches:       5,
		Status:           status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, c.CreateQuery(context.Background(), q))
	return q
}

func seedContribution(t *testing.T, c *Client, id, queryID, contactID string, at time.Time) {
	t.Helper()
	require.NoError(t, c.InsertContribution(context.Background(), &models.Contribution{
		ID:           id,
		QueryID:      queryID,
		ContactID:    contactID,
		ResponseText: "Use WAL mode and a busy timeout.",
		Confidence:   0.8,
		ReceivedAt:   at,
	}))
}

func TestContactUpsertNormalizesTagsAndKeepsVector(t *testing.T) {
	c := createTestClient(t)
	ctx := context.Background()
	seedContact(t, c, "c1")

	got, err := c.GetContact(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "sqlite"}, got.Tags)
	assert.Equal(t, []float32{0.25, -1.5, 3}, got.ExpertiseVector)
	assert.True(t, got.ConsentsTo(models.ChannelSMS))

	// A profile update without a vector keeps the stored one.
	got.ExpertiseVector = nil
	got.Name = "Renamed"
	require.NoError(t, c.UpsertContact(ctx, got))

	again, err := c.GetContact(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", again.Name)
	assert.Equal(t, []float32{0.25, -1.5, 3}, again.ExpertiseVector)
}

func TestSoftDisabledContactsAreNotListed(t *testing.T) {
	c := createTestClient(t)
	ctx := context.Background()
	seedContact(t, c, "c1")
	seedContact(t, c, "c2")

	require.NoError(t, c.SetContactDisabled(ctx, "c1", true))

	active, err := c.ListActiveContacts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c2", active[0].ID)

	_, err = c.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = 'c1'`)
	require.Error(t, err)
}

func TestTransitionStatusIsCompareAndSwap(t *testing.T) {
	c := createTestClient(t)
	ctx := context.Background()
	seedQuery(t, c, "q1", models.StatusPending)

	require.NoError(t, c.TransitionStatus(ctx, "q1", models.StatusPending, models.StatusRouting, "", nil))

	err := c.TransitionStatus(ctx, "q1", models.StatusPending, models.StatusRouting, "", nil)
	require.ErrorIs(t, err, models.ErrStatusConflict)

	err = c.TransitionStatus(ctx, "missing", models.StatusPending, models.StatusRouting, "", nil)
	require.ErrorIs(t, err, models.ErrNotFound)

	deadline := time.Now().Add(time.Minute)
	require.NoError(t, c.TransitionStatus(ctx, "q1", models.StatusRouting, models.StatusCollecting, "", &deadline))
	q, err := c.GetQuery(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCollecting, q.Status)
	require.NotNil(t, q.CollectDeadline)
	assert.Equal(t, deadline.UnixNano(), q.CollectDeadline.UnixNano())
}

func TestTerminalQueriesAreImmutable(t *testing.T) {
	c := createTestClient(t)
	ctx := context.Background()
	seedQuery(t, c, "q1", models.StatusRouting)

	require.NoError(t, c.TransitionStatus(ctx, "q1", models.StatusRouting, models.StatusFailed, models.ReasonNoEligibleExperts, nil))

	q, err := c.GetQuery(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonNoEligibleExperts, q.FailureReason)

	_, err = c.db.ExecContext(ctx, `UPDATE queries SET status = 'routing' WHERE id = 'q1'`)
	require.Error(t, err)
}

func TestDuplicateContributionRejected(t *testing.T) {
	c := createTestClient(t)
	seedContact(t, c, "c1")
	seedQuery(t, c, "q1", models.StatusCollecting)
	seedContribution(t, c, "k1", "q1", "c1", time.Now())

	err := c.InsertContribution(context.Background(), &models.Contribution{
		ID: "k2", QueryID: "q1", ContactID: "c1", ResponseText: "again", Confidence: 0.1, ReceivedAt: time.Now(),
	})
	require.ErrorIs(t, err, models.ErrDuplicateContribution)
}

func TestListContributionsOrdersByArrivalAndHidesLate(t *testing.T) {
	c := createTestClient(t)
	ctx := context.Background()
	seedContact(t, c, "c1")
	seedContact(t, c, "c2")
	seedContact(t, c, "c3")
	seedQuery(t, c, "q1", models.StatusCollecting)

	base := time.Now()
	seedContribution(t, c, "k2", "q1", "c2", base.Add(2*time.Second))
	seedContribution(t, c, "k1", "q1", "c1", base.Add(time.Second))
	require.NoError(t, c.InsertContribution(ctx, &models.Contribution{
		ID: "k3", QueryID: "q1", ContactID: "c3", ResponseText: "late", Confidence: 0.5,
		ReceivedAt: base.Add(3 * time.Second), Late: true,
	}))

	onTime, err := c.ListContributions(ctx, "q1", false)
	require.NoError(t, err)
	require.Len(t, onTime, 2)
	assert.Equal(t, "k1", onTime[0].ID)
	assert.Equal(t, "k2", onTime[1].ID)

	all, err := c.ListContributions(ctx, "q1", true)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSaveAnswerRejectsCrossQueryCitation(t *testing.T) {
	c := createTestClient(t)
	ctx := context.Background()
	seedContact(t, c, "c1")
	seedQuery(t, c, "q1", models.StatusCompiling)
	seedQuery(t, c, "q2", models.StatusCompiling)
	seedContribution(t, c, "k-other", "q2", "c1", time.Now())

	err := c.SaveAnswer(ctx, &models.CompiledAnswer{
		ID:        "a1",
		QueryID:   "q1",
		FinalText: "Use WAL. [1]",
		Citations: []models.Citation{{
			ID: "cit1", QueryID: "q1", ContributionID: "k-other", ClaimStart: 0, ClaimEnd: 8, Position: 1,
		}},
		CreatedAt: time.Now(),
	})
	require.ErrorIs(t, err, models.ErrCitationScope)

	_, err = c.GetAnswer(ctx, "q1")
	require.ErrorIs(t, err, models.ErrNotFound, "the failed transaction must leave no answer behind")
}

func TestSaveAnswerMarksCitedContributionsUsed(t *testing.T) {
	c := createTestClient(t)
	ctx := context.Background()
	seedContact(t, c, "c1")
	seedContact(t, c, "c2")
	seedQuery(t, c, "q1", models.StatusCompiling)
	seedContribution(t, c, "k1", "q1", "c1", time.Now())
	seedContribution(t, c, "k2", "q1", "c2", time.Now().Add(time.Second))

	require.NoError(t, c.SaveAnswer(ctx, &models.CompiledAnswer{
		ID:              "a1",
		QueryID:         "q1",
		FinalText:       "Use WAL. [1]",
		ConfidenceScore: 0.8,
		Citations: []models.Citation{{
			ID: "cit1", QueryID: "q1", ContributionID: "k1", ClaimStart: 0, ClaimEnd: 8,
			SourceExcerpt: "Use WAL mode", Confidence: 0.8, Position: 1,
		}},
		Attempts:  1,
		CreatedAt: time.Now(),
	}))

	contributions, err := c.ListContributions(ctx, "q1", false)
	require.NoError(t, err)
	assert.True(t, contributions[0].Used)
	assert.False(t, contributions[1].Used)

	answer, err := c.GetAnswer(ctx, "q1")
	require.NoError(t, err)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, "k1", answer.Citations[0].ContributionID)

	_, err = c.db.ExecContext(ctx, `UPDATE contributions SET response_text = 'edited' WHERE id = 'k1'`)
	require.Error(t, err)
}

func balancedSettlement(queryID, txID string) *models.Settlement {
	now := time.Now()
	entry := func(id string, accountType models.AccountType, account string, amount int64) models.LedgerEntry {
		return models.LedgerEntry{
			ID: id, TransactionID: txID, QueryID: queryID, AccountType: accountType,
			AccountID: account, AmountCents: amount, CreatedAt: now,
		}
	}
	return &models.Settlement{
		TransactionID:        txID,
		QueryID:              queryID,
		BudgetCents:          100,
		ContributorPoolCents: 70,
		PlatformCents:        20,
		ReferrerCents:        10,
		Payouts:              []models.Payout{{ContributionID: "k1", ContactID: "c1", Used: true, AmountCents: 70}},
		Entries: []models.LedgerEntry{
			entry(txID+"-1", models.AccountQueryBudget, queryID, -100),
			entry(txID+"-2", models.AccountContributor, "c1", 70),
			entry(txID+"-3", models.AccountPlatform, models.PlatformRevenueAccount, 20),
			entry(txID+"-4", models.AccountReferrer, models.ReferralPoolAccount, 10),
		},
		SettledAt: now,
	}
}

func TestCommitSettlementOncePerQuery(t *testing.T) {
	c := createTestClient(t)
	ctx := context.Background()
	seedContact(t, c, "c1")

	require.NoError(t, c.CommitSettlement(ctx, balancedSettlement("q1", "tx1")))

	err := c.CommitSettlement(ctx, balancedSettlement("q1", "tx2"))
	require.ErrorIs(t, err, models.ErrAlreadySettled)

	var entries int
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&entries))
	assert.Equal(t, 4, entries)

	balance, err := c.AccountBalance(ctx, models.AccountContributor, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)

	contact, err := c.GetContact(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), contact.TotalEarningsCents)
	assert.Equal(t, 1, contact.TotalContributions)

	settlement, err := c.GetSettlement(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "tx1", settlement.TransactionID)
	assert.Len(t, settlement.Entries, 4)

	unbalanced, err := c.VerifyLedger(ctx)
	require.NoError(t, err)
	assert.Empty(t, unbalanced)
}

func TestCommitSettlementRollsBackImbalance(t *testing.T) {
	c := createTestClient(t)
	ctx := context.Background()
	seedContact(t, c, "c1")

	settlement := balancedSettlement("q1", "tx1")
	settlement.Entries[1].AmountCents = 71

	err := c.CommitSettlement(ctx, settlement)
	require.ErrorIs(t, err, models.ErrLedgerImbalance)

	_, err = c.GetSettlement(ctx, "q1")
	require.ErrorIs(t, err, models.ErrNotFound)

	var entries int
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&entries))
	assert.Zero(t, entries)
}

func TestLedgerEntriesAreAppendOnly(t *testing.T) {
	c := createTestClient(t)
	ctx := context.Background()
	seedContact(t, c, "c1")
	require.NoError(t, c.CommitSettlement(ctx, balancedSettlement("q1", "tx1")))

	_, err := c.db.ExecContext(ctx, `UPDATE ledger_entries SET amount_cents = 1 WHERE id = 'tx1-2'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = c.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE transaction_id = 'tx1'`)
	require.Error(t, err)
}

func TestReferrersOf(t *testing.T) {
	c := createTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.AddReferral(ctx, "r1", "c1"))
	require.NoError(t, c.AddReferral(ctx, "r2", "c1"))

	referrers, err := c.ReferrersOf(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c1": "r1"}, referrers)
}
