package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/metrics"
	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/pkg/logger"
)

var (
	ErrAlreadySettled  = models.ErrAlreadySettled
	ErrLedgerImbalance = models.ErrLedgerImbalance
)

type Store interface {
	CommitSettlement(ctx context.Context, settlement *models.Settlement) error
	GetSettlement(ctx context.Context, queryID string) (*models.Settlement, error)
	AccountBalance(ctx context.Context, accountType models.AccountType, accountID string) (int64, error)
	AccountHistory(ctx context.Context, accountType models.AccountType, accountID string, limit int) ([]models.LedgerEntry, error)
}

// ReferrerLookup maps contributor contact ids to the contact that referred
// them. Contributors without a referrer are absent from the result.
type ReferrerLookup interface {
	ReferrersOf(ctx context.Context, contactIDs []string) (map[string]string, error)
}

type Engine struct {
	store     Store
	referrers ReferrerLookup
	cfg       SplitConfig
	now       func() time.Time
	newID     func() string
}

func NewEngine(store Store, referrers ReferrerLookup, cfg SplitConfig) *Engine {
	return &Engine{
		store:     store,
		referrers: referrers,
		cfg:       cfg,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

type Request struct {
	QueryID       string
	BudgetCents   int64
	Contributions []Contribution
}

// Settle computes the payout split for a query and commits it as one
// balanced transaction. A query that is already settled returns the stored
// settlement together with ErrAlreadySettled; callers treat that as success.
func (e *Engine) Settle(ctx context.Context, req Request) (*models.Settlement, error) {
	existing, err := e.store.GetSettlement(ctx, req.QueryID)
	if err == nil {
		metrics.Settlements.WithLabelValues("already_settled").Inc()
		return existing, ErrAlreadySettled
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to check settlement: %w", err)
	}

	split, err := ComputeSplit(req.BudgetCents, req.Contributions, e.cfg)
	if err != nil {
		metrics.Settlements.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("failed to compute split: %w", err)
	}

	referrerCredits, err := e.referrerCredits(ctx, split)
	if err != nil {
		return nil, err
	}

	settlement := e.buildSettlement(req.QueryID, split, referrerCredits)
	if err := Validate(settlement); err != nil {
		e.alarm(settlement, err)
		return nil, err
	}

	if err := e.store.CommitSettlement(ctx, settlement); err != nil {
		switch {
		case errors.Is(err, ErrAlreadySettled):
			metrics.Settlements.WithLabelValues("already_settled").Inc()
			stored, getErr := e.store.GetSettlement(ctx, req.QueryID)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load existing settlement: %w", getErr)
			}
			return stored, ErrAlreadySettled
		case errors.Is(err, ErrLedgerImbalance):
			e.alarm(settlement, err)
		default:
			metrics.Settlements.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}

	metrics.Settlements.WithLabelValues("committed").Inc()
	metrics.SettledCents.WithLabelValues("contributor").Add(float64(split.ContributorPoolCents))
	metrics.SettledCents.WithLabelValues("platform").Add(float64(split.PlatformCents))
	metrics.SettledCents.WithLabelValues("referrer").Add(float64(split.ReferrerCents))

	logger.Info("Query settled",
		zap.String("query_id", req.QueryID),
		zap.String("transaction_id", settlement.TransactionID),
		zap.Int64("budget_cents", split.BudgetCents),
		zap.Int64("contributor_pool_cents", split.ContributorPoolCents),
		zap.Int64("acknowledgment_cents", split.AcknowledgmentCents),
		zap.Int("entries", len(settlement.Entries)),
	)

	return settlement, nil
}

func (e *Engine) Balance(ctx context.Context, accountType models.AccountType, accountID string) (int64, error) {
	return e.store.AccountBalance(ctx, accountType, accountID)
}

func (e *Engine) History(ctx context.Context, accountType models.AccountType, accountID string, limit int) ([]models.LedgerEntry, error) {
	return e.store.AccountHistory(ctx, accountType, accountID, limit)
}

type credit struct {
	accountID string
	amount    int64
	memo      string
}

// referrerCredits divides the referrer pool among the referrers of paid
// contributors, in proportion to what their referrals earned. With no
// referrers the whole pool goes to the shared referral pool account.
func (e *Engine) referrerCredits(ctx context.Context, split *Split) ([]credit, error) {
	if split.ReferrerCents == 0 {
		return nil, nil
	}

	pool := []credit{{accountID: models.ReferralPoolAccount, amount: split.ReferrerCents, memo: "unclaimed referral share"}}
	if e.referrers == nil {
		return pool, nil
	}

	var paid []string
	for _, p := range split.Payouts {
		if p.AmountCents > 0 {
			paid = append(paid, p.ContactID)
		}
	}
	referrers, err := e.referrers.ReferrersOf(ctx, paid)
	if err != nil {
		return nil, fmt.Errorf("failed to look up referrers: %w", err)
	}

	earned := make(map[string]int64)
	for _, p := range split.Payouts {
		if referrer, ok := referrers[p.ContactID]; ok && p.AmountCents > 0 {
			earned[referrer] += p.AmountCents
		}
	}
	if len(earned) == 0 {
		return pool, nil
	}

	ids := make([]string, 0, len(earned))
	for id := range earned {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	weights := make([]int64, len(ids))
	for i, id := range ids {
		weights[i] = earned[id]
	}
	amounts, err := Allocate(split.ReferrerCents, weights)
	if err != nil {
		return nil, err
	}

	credits := make([]credit, len(ids))
	for i, id := range ids {
		credits[i] = credit{accountID: id, amount: amounts[i], memo: "referral bonus"}
	}
	return credits, nil
}

func (e *Engine) buildSettlement(queryID string, split *Split, referrerCredits []credit) *models.Settlement {
	now := e.now()
	txID := e.newID()
	settlement := &models.Settlement{
		TransactionID:        txID,
		QueryID:              queryID,
		BudgetCents:          split.BudgetCents,
		ContributorPoolCents: split.ContributorPoolCents,
		PlatformCents:        split.PlatformCents,
		ReferrerCents:        split.ReferrerCents,
		Payouts:              split.Payouts,
		SettledAt:            now,
	}

	add := func(accountType models.AccountType, accountID string, amount int64, memo string) {
		if amount == 0 {
			return
		}
		settlement.Entries = append(settlement.Entries, models.LedgerEntry{
			ID:            e.newID(),
			TransactionID: txID,
			QueryID:       queryID,
			AccountType:   accountType,
			AccountID:     accountID,
			AmountCents:   amount,
			Memo:          memo,
			CreatedAt:     now,
		})
	}

	add(models.AccountQueryBudget, queryID, -split.BudgetCents, "query payment")
	for _, p := range split.Payouts {
		memo := "contribution payout " + p.ContributionID
		if !p.Used {
			memo = "contribution acknowledgment " + p.ContributionID
		}
		add(models.AccountContributor, p.ContactID, p.AmountCents, memo)
	}
	add(models.AccountPlatform, models.PlatformRevenueAccount, split.PlatformCents, "platform fee")
	for _, c := range referrerCredits {
		add(models.AccountReferrer, c.accountID, c.amount, c.memo)
	}

	return settlement
}

// Validate checks a settlement before anything is written: one debit equal
// to the budget, positive credits, a single transaction id, contributor
// payouts summing to the contributor pool and a zero total.
func Validate(s *models.Settlement) error {
	var sum, debits, contributors int64
	for _, entry := range s.Entries {
		if entry.TransactionID != s.TransactionID {
			return fmt.Errorf("%w: entry %s in transaction %s", ErrLedgerImbalance, entry.ID, entry.TransactionID)
		}
		if entry.AmountCents == 0 {
			return fmt.Errorf("%w: zero amount entry %s", ErrLedgerImbalance, entry.ID)
		}
		if entry.AccountType == models.AccountQueryBudget {
			debits += entry.AmountCents
		} else if entry.AmountCents < 0 {
			return fmt.Errorf("%w: negative credit to %s:%s", ErrLedgerImbalance, entry.AccountType, entry.AccountID)
		}
		if entry.AccountType == models.AccountContributor {
			contributors += entry.AmountCents
		}
		sum += entry.AmountCents
	}

	if debits != -s.BudgetCents {
		return fmt.Errorf("%w: debit %d does not match budget %d", ErrLedgerImbalance, debits, s.BudgetCents)
	}
	if contributors != s.ContributorPoolCents {
		return fmt.Errorf("%w: contributor credits %d, pool %d", ErrLedgerImbalance, contributors, s.ContributorPoolCents)
	}
	if sum != 0 {
		return fmt.Errorf("%w: entries sum to %d", ErrLedgerImbalance, sum)
	}
	return nil
}

func (e *Engine) alarm(s *models.Settlement, err error) {
	metrics.LedgerImbalance.Inc()
	metrics.Settlements.WithLabelValues("imbalance").Inc()
	logger.Error("Ledger imbalance detected, settlement aborted",
		zap.String("query_id", s.QueryID),
		zap.String("transaction_id", s.TransactionID),
		zap.Error(err),
	)
}
