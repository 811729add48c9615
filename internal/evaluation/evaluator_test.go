package evaluation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/internal/storage/sqlite"
)

func TestEvaluateQueryAdjustsTrustByOutcome(t *testing.T) {
	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "eval.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	for _, id := range []string{"cited", "uncited", "silent", "skipped"} {
		require.NoError(t, store.UpsertContact(ctx, &models.Contact{
			ID: id, Name: id, TrustScore: 0.5, ResponseRate: 0.5, Available: true,
		}))
	}

	now := time.Now()
	require.NoError(t, store.CreateQuery(ctx, &models.Query{
		ID: "q1", QuestionText: "q", BudgetCents: 100, Timeout: time.Minute,
		MinContributions: 1, MaxMatches: 5, Status: models.StatusCollecting, CreatedAt: now, UpdatedAt: now,
	}))
	for id, status := range map[string]models.DeliveryStatus{
		"cited": models.DeliveryDelivered, "uncited": models.DeliveryDelivered,
		"silent": models.DeliveryDelivered, "skipped": models.DeliverySkipped,
	} {
		require.NoError(t, store.RecordDelivery(ctx, &models.Delivery{
			QueryID: "q1", ContactID: id, Channel: models.ChannelSMS, Status: status, Attempts: 1, CreatedAt: now,
		}))
	}
	for i, id := range []string{"cited", "uncited"} {
		require.NoError(t, store.InsertContribution(ctx, &models.Contribution{
			ID: "c-" + id, QueryID: "q1", ContactID: id, ResponseText: "answer", Confidence: 0.8,
			ReceivedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	answer := &models.CompiledAnswer{
		QueryID: "q1",
		Citations: []models.Citation{
			{ContributionID: "c-cited"}, {ContributionID: "c-cited"},
		},
	}

	evaluator := NewEvaluator(store, Config{LearningRate: 0.1, ResponseAlpha: 0.2})
	report, err := evaluator.EvaluateQuery(ctx, "q1", answer)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Reached)
	assert.Equal(t, 2, report.Responded)
	assert.Equal(t, 1, report.Cited)

	expect := map[string][2]float64{
		"cited":   {0.55, 0.6},
		"uncited": {0.5125, 0.6},
		"silent":  {0.475, 0.4},
		"skipped": {0.5, 0.5},
	}
	for id, want := range expect {
		contact, err := store.GetContact(ctx, id)
		require.NoError(t, err)
		assert.InDelta(t, want[0], contact.TrustScore, 1e-9, id)
		assert.InDelta(t, want[1], contact.ResponseRate, 1e-9, id)
	}
}

func TestScoreStaysWithinBounds(t *testing.T) {
	e := NewEvaluator(nil, Config{LearningRate: 1, ResponseAlpha: 1})

	high := e.score(models.Contact{TrustScore: 1, ResponseRate: 1}, true, 3)
	assert.Equal(t, 1.0, high.TrustAfter)
	assert.Equal(t, 1.0, high.ResponseRateAfter)

	low := e.score(models.Contact{TrustScore: 0.2, ResponseRate: 0.9}, false, 0)
	assert.InDelta(t, 0.1, low.TrustAfter, 1e-9)
	assert.Zero(t, low.ResponseRateAfter)
}
