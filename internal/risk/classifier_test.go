package risk

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetohq/veto/internal/model"
)

func newAction(t *testing.T, typ string, cat model.Category, meta model.ActionMetadata) model.Action {
	t.Helper()
	return model.Action{
		ID:        uuid.New(),
		Engine:    "test-engine",
		Category:  cat,
		Type:      typ,
		Params:    map[string]string{},
		Metadata:  meta,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWeightsSumToOne(t *testing.T) {
	sum := WeightFinancialValue + WeightReversibility + WeightCategoryBase +
		WeightUrgency + WeightVisibility
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestLevelForScoreThresholds(t *testing.T) {
	tests := []struct {
		score float64
		level model.RiskLevel
	}{
		{0, model.RiskSafe},
		{20, model.RiskSafe},
		{20.01, model.RiskLow},
		{40, model.RiskLow},
		{41, model.RiskMedium},
		{60, model.RiskMedium},
		{61, model.RiskHigh},
		{80, model.RiskHigh},
		{80.5, model.RiskCritical},
		{100, model.RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.level, model.LevelForScore(tt.score), "score %v", tt.score)
	}
}

func TestLevelForScoreMonotonic(t *testing.T) {
	rank := map[model.RiskLevel]int{
		model.RiskSafe: 0, model.RiskLow: 1, model.RiskMedium: 2,
		model.RiskHigh: 3, model.RiskCritical: 4,
	}
	prev := -1
	for s := 0.0; s <= 100.0; s += 0.5 {
		r := rank[model.LevelForScore(s)]
		require.GreaterOrEqual(t, r, prev, "level rank regressed at score %v", s)
		prev = r
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := New(nil)
	a := newAction(t, "dca_buy", model.CategoryTrading, model.ActionMetadata{
		EstimatedValue: 10,
		Reversible:     false,
	})
	first := c.Classify(a)
	second := c.Classify(a)
	assert.Equal(t, first, second)
}

func TestClassifySmallTradeIsSafe(t *testing.T) {
	// A $10 irreversible DCA buy must land in the safe band and be
	// recommended for auto-execution.
	c := New(nil)
	a := newAction(t, "dca_buy", model.CategoryTrading, model.ActionMetadata{
		EstimatedValue: 10,
		Reversible:     false,
	})
	got := c.Classify(a)
	require.LessOrEqual(t, got.Score, 20.0, "score must stay in the safe band, got %v", got.Score)
	assert.Equal(t, model.RiskSafe, got.Level)
	assert.Equal(t, model.OutcomeAutoExecute, got.Recommendation)
}

func TestClassifyDangerousTypeNeverAutoExecutes(t *testing.T) {
	c := New(nil)
	metas := []model.ActionMetadata{
		{EstimatedValue: 0, Reversible: true, Urgency: model.UrgencyLow},
		{EstimatedValue: 5000, Reversible: false, Urgency: model.UrgencyCritical},
	}
	for _, meta := range metas {
		a := newAction(t, "deploy_production", model.CategoryDeployment, meta)
		got := c.Classify(a)
		assert.NotEqual(t, model.OutcomeAutoExecute, got.Recommendation,
			"dangerous type auto-executed with meta %+v", meta)
	}
}

func TestClassifySafeTypeBlockedByAlwaysApproveCategory(t *testing.T) {
	c := New([]model.Category{model.CategoryTrading})
	a := newAction(t, "dca_buy", model.CategoryTrading, model.ActionMetadata{
		EstimatedValue: 10,
	})
	got := c.Classify(a)
	assert.NotEqual(t, model.OutcomeAutoExecute, got.Recommendation)
}

func TestClassifyHighValueDeployEscalates(t *testing.T) {
	c := New(nil)
	a := newAction(t, "deploy_production", model.CategoryDeployment, model.ActionMetadata{
		EstimatedValue: 5000,
	})
	got := c.Classify(a)
	assert.Equal(t, model.RiskHigh, got.Level)
	assert.Equal(t, model.OutcomeEscalate, got.Recommendation)
}

func TestClassifyScoreBounds(t *testing.T) {
	c := New(nil)
	for _, cat := range []model.Category{
		model.CategoryTrading, model.CategoryContent, model.CategoryBuild,
		model.CategoryDeployment, model.CategoryConfiguration,
	} {
		for _, u := range []model.Urgency{model.UrgencyLow, model.UrgencyCritical} {
			a := newAction(t, "anything", cat, model.ActionMetadata{
				EstimatedValue: 1e9,
				Urgency:        u,
			})
			got := c.Classify(a)
			assert.GreaterOrEqual(t, got.Score, 0.0)
			assert.LessOrEqual(t, got.Score, 100.0)
		}
	}
}

func TestClassifyReversibleAddsCheckpointConstraint(t *testing.T) {
	c := New(nil)
	a := newAction(t, "update_docs", model.CategoryContent, model.ActionMetadata{
		Reversible: true,
	})
	got := c.Classify(a)
	assert.Contains(t, got.Constraints, "checkpoint_before_execute")
}
