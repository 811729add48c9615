package ledger

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/pkg/config"
)

var (
	ErrInvalidBudget       = errors.New("budget must be positive")
	ErrNoUsedContributions = errors.New("no cited contributions to pay")
	ErrInvalidSplit        = errors.New("invalid ledger split")
)

type UnusedPolicy string

const (
	// UnusedZero pays uncited contributions nothing.
	UnusedZero UnusedPolicy = "zero"
	// UnusedFlat pays each uncited on-time contribution a flat
	// acknowledgment from a sub-pool reserved out of the contributor pool.
	UnusedFlat UnusedPolicy = "flat"
)

// weightScale turns confidence into an integer weight so that shares are
// computed with exact integer arithmetic.
const weightScale = 1_000_000

// SplitConfig holds ratios as basis points. They must sum to 10000.
type SplitConfig struct {
	ContributorPoolBP   int64
	PlatformBP          int64
	ReferrerBP          int64
	UnusedPolicy        UnusedPolicy
	AcknowledgmentCents int64
}

func SplitConfigFrom(cfg config.LedgerConfig) (SplitConfig, error) {
	split := SplitConfig{
		ContributorPoolBP:   config.BasisPoints(cfg.ContributorPool),
		PlatformBP:          config.BasisPoints(cfg.Platform),
		ReferrerBP:          config.BasisPoints(cfg.Referrer),
		UnusedPolicy:        UnusedPolicy(cfg.UnusedPolicy),
		AcknowledgmentCents: cfg.AcknowledgmentCents,
	}
	return split, split.Validate()
}

func DefaultSplitConfig() SplitConfig {
	return SplitConfig{ContributorPoolBP: 7000, PlatformBP: 2000, ReferrerBP: 1000, UnusedPolicy: UnusedZero}
}

func (c SplitConfig) Validate() error {
	for _, bp := range []int64{c.ContributorPoolBP, c.PlatformBP, c.ReferrerBP} {
		if bp < 0 || bp > 10000 {
			return fmt.Errorf("%w: ratio %d bp out of range", ErrInvalidSplit, bp)
		}
	}
	if sum := c.ContributorPoolBP + c.PlatformBP + c.ReferrerBP; sum != 10000 {
		return fmt.Errorf("%w: ratios sum to %d bp, want 10000", ErrInvalidSplit, sum)
	}
	switch c.UnusedPolicy {
	case UnusedZero, UnusedFlat:
	default:
		return fmt.Errorf("%w: unknown unused policy %q", ErrInvalidSplit, c.UnusedPolicy)
	}
	if c.AcknowledgmentCents < 0 {
		return fmt.Errorf("%w: negative acknowledgment", ErrInvalidSplit)
	}
	return nil
}

// Contribution is the settlement view of a contribution.
type Contribution struct {
	ID         string
	ContactID  string
	Confidence float64
	Citations  int
	Late       bool
	ReceivedAt time.Time
}

func (c Contribution) used() bool {
	return c.Citations > 0 && !c.Late
}

type Split struct {
	BudgetCents          int64
	ContributorPoolCents int64
	PlatformCents        int64
	ReferrerCents        int64
	AcknowledgmentCents  int64
	Payouts              []models.Payout
}

// ComputeSplit divides a budget into contributor, platform and referrer pools
// and the contributor pool into per-contribution payouts.
//
// The contributor pool is round-half-up(budget × ratio). The rest of the
// budget goes to platform and referrer in proportion to their ratios. Late
// contributions are excluded. Cited contributions share the pool by
// confidence × (1 + citations); with the flat policy, uncited contributions
// first receive an acknowledgment from a reserve capped at half the pool.
// Every division uses the largest-remainder method (see Allocate), with
// contributions ordered by arrival time and then id.
func ComputeSplit(budgetCents int64, contributions []Contribution, cfg SplitConfig) (*Split, error) {
	if budgetCents <= 0 {
		return nil, ErrInvalidBudget
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ordered := make([]Contribution, 0, len(contributions))
	for _, c := range contributions {
		if !c.Late {
			ordered = append(ordered, c)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ReceivedAt.Equal(ordered[j].ReceivedAt) {
			return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var used, unused []int
	for i, c := range ordered {
		if c.used() {
			used = append(used, i)
		} else {
			unused = append(unused, i)
		}
	}
	if len(used) == 0 {
		return nil, ErrNoUsedContributions
	}

	split := &Split{BudgetCents: budgetCents}
	split.ContributorPoolCents = (budgetCents*cfg.ContributorPoolBP + 5000) / 10000

	rest, err := Allocate(budgetCents-split.ContributorPoolCents, []int64{cfg.PlatformBP, cfg.ReferrerBP})
	if err != nil {
		return nil, err
	}
	split.PlatformCents, split.ReferrerCents = rest[0], rest[1]

	payouts := make([]models.Payout, len(ordered))
	for i, c := range ordered {
		payouts[i] = models.Payout{
			ContributionID: c.ID,
			ContactID:      c.ContactID,
			Citations:      c.Citations,
			Used:           c.used(),
		}
	}

	if cfg.UnusedPolicy == UnusedFlat && cfg.AcknowledgmentCents > 0 && len(unused) > 0 {
		reserve := cfg.AcknowledgmentCents * int64(len(unused))
		if limit := split.ContributorPoolCents / 2; reserve > limit {
			reserve = limit
		}
		acks, err := Allocate(reserve, equalWeights(len(unused)))
		if err != nil {
			return nil, err
		}
		for k, idx := range unused {
			payouts[idx].AmountCents = acks[k]
		}
		split.AcknowledgmentCents = reserve
	}

	weights := make([]int64, len(used))
	var total int64
	for k, idx := range used {
		c := ordered[idx]
		weights[k] = int64(math.Round(clamp01(c.Confidence)*weightScale)) * int64(1+c.Citations)
		total += weights[k]
		payouts[idx].Weight = clamp01(c.Confidence) * float64(1+c.Citations)
	}
	if total == 0 {
		weights = equalWeights(len(used))
	}

	shares, err := Allocate(split.ContributorPoolCents-split.AcknowledgmentCents, weights)
	if err != nil {
		return nil, err
	}
	for k, idx := range used {
		payouts[idx].AmountCents = shares[k]
	}

	split.Payouts = payouts
	return split, nil
}

// Allocate splits total into integer parts proportional to weights. Each
// part starts at floor(total × w / Σw); the leftover units go one at a time
// to the parts with the largest fractional remainder, ties going to the
// lower index. The parts always sum to total.
func Allocate(total int64, weights []int64) ([]int64, error) {
	if total < 0 {
		return nil, fmt.Errorf("cannot allocate negative amount %d", total)
	}
	parts := make([]int64, len(weights))
	if total == 0 {
		return parts, nil
	}

	sum := new(big.Int)
	for _, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("negative weight %d", w)
		}
		sum.Add(sum, big.NewInt(w))
	}
	if sum.Sign() == 0 {
		return nil, fmt.Errorf("cannot allocate %d across zero total weight", total)
	}

	remainders := make([]*big.Int, len(weights))
	var assigned int64
	bigTotal := big.NewInt(total)
	for i, w := range weights {
		product := new(big.Int).Mul(bigTotal, big.NewInt(w))
		quotient, remainder := new(big.Int).QuoRem(product, sum, new(big.Int))
		parts[i] = quotient.Int64()
		remainders[i] = remainder
		assigned += parts[i]
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]].Cmp(remainders[order[b]]) > 0
	})

	for k := int64(0); k < total-assigned; k++ {
		parts[order[k]]++
	}
	return parts, nil
}

func equalWeights(n int) []int64 {
	weights := make([]int64, n)
	for i := range weights {
		weights[i] = 1
	}
	return weights
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
