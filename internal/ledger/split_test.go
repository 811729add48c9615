package ledger

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func threeContributors() []Contribution {
	return []Contribution{
		{ID: "k-a", ContactID: "alice", Confidence: 0.9, Citations: 2, ReceivedAt: t0},
		{ID: "k-b", ContactID: "bob", Confidence: 0.6, Citations: 1, ReceivedAt: t0.Add(time.Minute)},
		{ID: "k-c", ContactID: "carol", Confidence: 0.3, Citations: 0, ReceivedAt: t0.Add(2 * time.Minute)},
	}
}

func amounts(split *Split) map[string]int64 {
	out := make(map[string]int64)
	for _, p := range split.Payouts {
		out[p.ContactID] = p.AmountCents
	}
	return out
}

func TestComputeSplitZeroPolicy(t *testing.T) {
	split, err := ComputeSplit(500, threeContributors(), DefaultSplitConfig())
	require.NoError(t, err)

	assert.Equal(t, int64(350), split.ContributorPoolCents)
	assert.Equal(t, int64(100), split.PlatformCents)
	assert.Equal(t, int64(50), split.ReferrerCents)

	// Weights 2.7 and 1.2: floors are 242 and 107 with remainders .31 and
	// .69, so the leftover cent goes to bob.
	assert.Equal(t, map[string]int64{"alice": 242, "bob": 108, "carol": 0}, amounts(split))
	assert.Zero(t, split.AcknowledgmentCents)
}

func TestComputeSplitFlatPolicy(t *testing.T) {
	cfg := DefaultSplitConfig()
	cfg.UnusedPolicy = UnusedFlat
	cfg.AcknowledgmentCents = 5

	split, err := ComputeSplit(500, threeContributors(), cfg)
	require.NoError(t, err)

	assert.Equal(t, int64(5), split.AcknowledgmentCents)
	// 345 across weights 2.7 and 1.2: floors 238 and 106 with remainders
	// .85 and .15, so alice takes the leftover cent.
	assert.Equal(t, map[string]int64{"alice": 239, "bob": 106, "carol": 5}, amounts(split))

	var total int64
	for _, p := range split.Payouts {
		total += p.AmountCents
	}
	assert.Equal(t, int64(350), total)
}

func TestComputeSplitAcknowledgmentReserveIsCapped(t *testing.T) {
	cfg := DefaultSplitConfig()
	cfg.UnusedPolicy = UnusedFlat
	cfg.AcknowledgmentCents = 100

	contributions := threeContributors()
	split, err := ComputeSplit(20, contributions, cfg)
	require.NoError(t, err)

	assert.Equal(t, int64(14), split.ContributorPoolCents)
	// 100 requested, capped at half of the 14-cent pool.
	assert.Equal(t, int64(7), split.AcknowledgmentCents)
	paid := amounts(split)
	assert.Equal(t, int64(7), paid["carol"])
	assert.Equal(t, int64(7), paid["alice"]+paid["bob"])
}

func TestRemainderTieBreaksByArrivalOrder(t *testing.T) {
	// Equal weights leave equal remainders. The earliest contribution gets
	// the leftover cent even though its id sorts last.
	contributions := []Contribution{
		{ID: "z", ContactID: "late-id-early-arrival", Confidence: 0.5, Citations: 1, ReceivedAt: t0},
		{ID: "a", ContactID: "early-id", Confidence: 0.5, Citations: 1, ReceivedAt: t0.Add(time.Second)},
		{ID: "m", ContactID: "middle", Confidence: 0.5, Citations: 1, ReceivedAt: t0.Add(2 * time.Second)},
	}

	split, err := ComputeSplit(100, contributions, DefaultSplitConfig())
	require.NoError(t, err)
	assert.Equal(t, int64(70), split.ContributorPoolCents)
	assert.Equal(t, map[string]int64{"late-id-early-arrival": 24, "early-id": 23, "middle": 23}, amounts(split))
	assert.Equal(t, "z", split.Payouts[0].ContributionID)
}

func TestRemainderTieBreaksByIDWhenSimultaneous(t *testing.T) {
	contributions := []Contribution{
		{ID: "b", ContactID: "second", Confidence: 0.5, Citations: 1, ReceivedAt: t0},
		{ID: "a", ContactID: "first", Confidence: 0.5, Citations: 1, ReceivedAt: t0},
	}

	split, err := ComputeSplit(3, contributions, DefaultSplitConfig())
	require.NoError(t, err)
	// pool = round(2.1) = 2, one cent each; then budget 5 gives pool 4 (3.5 rounds up).
	assert.Equal(t, map[string]int64{"first": 1, "second": 1}, amounts(split))

	split, err = ComputeSplit(5, contributions, DefaultSplitConfig())
	require.NoError(t, err)
	assert.Equal(t, int64(4), split.ContributorPoolCents)
	assert.Equal(t, int64(1), split.PlatformCents)
	assert.Equal(t, int64(0), split.ReferrerCents)
}

func TestLateContributionsAreNeverPaid(t *testing.T) {
	cfg := DefaultSplitConfig()
	cfg.UnusedPolicy = UnusedFlat
	cfg.AcknowledgmentCents = 5

	contributions := append(threeContributors(), Contribution{
		ID: "k-late", ContactID: "dave", Confidence: 1, Citations: 3, Late: true, ReceivedAt: t0.Add(time.Hour),
	})
	split, err := ComputeSplit(500, contributions, cfg)
	require.NoError(t, err)

	_, paid := amounts(split)["dave"]
	assert.False(t, paid)
	assert.Len(t, split.Payouts, 3)
}

func TestComputeSplitRejectsUnpayableInput(t *testing.T) {
	_, err := ComputeSplit(0, threeContributors(), DefaultSplitConfig())
	require.ErrorIs(t, err, ErrInvalidBudget)

	_, err = ComputeSplit(500, []Contribution{{ID: "k", ContactID: "c", Confidence: 1}}, DefaultSplitConfig())
	require.ErrorIs(t, err, ErrNoUsedContributions)

	bad := DefaultSplitConfig()
	bad.ReferrerBP = 1500
	_, err = ComputeSplit(500, threeContributors(), bad)
	require.ErrorIs(t, err, ErrInvalidSplit)
}

func TestZeroConfidenceFallsBackToEqualWeights(t *testing.T) {
	contributions := []Contribution{
		{ID: "a", ContactID: "a", Confidence: 0, Citations: 1, ReceivedAt: t0},
		{ID: "b", ContactID: "b", Confidence: 0, Citations: 4, ReceivedAt: t0.Add(time.Second)},
	}
	split, err := ComputeSplit(100, contributions, DefaultSplitConfig())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 35, "b": 35}, amounts(split))
}

func TestSplitConservesEveryCent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	policies := []SplitConfig{DefaultSplitConfig(), {
		ContributorPoolBP: 6500, PlatformBP: 2500, ReferrerBP: 1000, UnusedPolicy: UnusedFlat, AcknowledgmentCents: 3,
	}}

	for _, cfg := range policies {
		for budget := int64(1); budget <= 1000; budget += 7 {
			for n := 1; n <= 7; n++ {
				contributions := make([]Contribution, n)
				for i := range contributions {
					contributions[i] = Contribution{
						ID:         fmt.Sprintf("k%d", i),
						ContactID:  fmt.Sprintf("c%d", i),
						Confidence: rng.Float64(),
						Citations:  rng.Intn(4),
						ReceivedAt: t0.Add(time.Duration(rng.Intn(3)) * time.Second),
					}
				}
				contributions[0].Citations = 1

				split, err := ComputeSplit(budget, contributions, cfg)
				require.NoError(t, err)

				var paid int64
				for _, p := range split.Payouts {
					require.GreaterOrEqual(t, p.AmountCents, int64(0))
					paid += p.AmountCents
				}
				require.Equal(t, split.ContributorPoolCents, paid, "budget %d, %d contributors", budget, n)
				require.Equal(t, budget, split.ContributorPoolCents+split.PlatformCents+split.ReferrerCents)
				require.Equal(t, (budget*cfg.ContributorPoolBP+5000)/10000, split.ContributorPoolCents)
			}
		}
	}
}

func TestAllocate(t *testing.T) {
	parts, err := Allocate(10, []int64{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3, 3}, parts)

	parts, err = Allocate(7, []int64{0, 5, 0})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 7, 0}, parts)

	parts, err = Allocate(0, nil)
	require.NoError(t, err)
	assert.Empty(t, parts)

	_, err = Allocate(5, []int64{0, 0})
	require.Error(t, err)
}
