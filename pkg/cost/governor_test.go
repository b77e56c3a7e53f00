package cost

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodpilot/prodpilot/pkg/database"
	"github.com/prodpilot/prodpilot/pkg/models"
	"github.com/prodpilot/prodpilot/pkg/store"
)

func testLimits() Limits {
	return Limits{
		MaxTokensPerRun:  1000,
		MaxUSDPerRun:     5.0,
		MaxUSDLifetime:   100.0,
		PriceInPerToken:  0.03 / 1000,
		PriceOutPerToken: 0.06 / 1000,
	}
}

func newTestLedger(t *testing.T) *store.Store {
	t.Helper()
	client, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return store.New(client)
}

func TestEstimateTokens_RoundsUp(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(""))
	assert.Equal(t, int64(1), EstimateTokens("hi"))
	// 7 chars / 3.5 = exactly 2.
	assert.Equal(t, int64(2), EstimateTokens("1234567"))
	// 8 chars / 3.5 = 2.28..., rounds up.
	assert.Equal(t, int64(3), EstimateTokens("12345678"))
}

func TestEstimateTokens_ConservativeOnProse(t *testing.T) {
	prompts := []string{
		"Extract the core problem from the following forum post and decide whether it is worth building a product around.",
		"You are a meticulous technical writer. Produce a complete, actionable guide that solves the stated problem end to end, with concrete examples.",
		"Verify the generated content against the product specification. Score the quality of the examples and flag anything generic or missing.",
	}
	for _, p := range prompts {
		// English averages roughly 1.33 tokens per word. The estimate must
		// stay at or above 90% of that reference.
		words := int64(len(strings.Fields(p)))
		reference := float64(words) * 4.0 / 3.0
		assert.GreaterOrEqual(t, float64(EstimateTokens(p)), 0.9*reference, "prompt: %s", p)
	}
}

func TestCheckBeforeCall_WithinLimits(t *testing.T) {
	ledger := newTestLedger(t)
	g, err := NewGovernor(context.Background(), ledger, testLimits(), "gpt-4")
	require.NoError(t, err)

	require.NoError(t, g.CheckBeforeCall(context.Background(), "p1", 400, 200))

	// A passing check leaves no trace in the ledger.
	total, err := ledger.LifetimeSpend(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestCheckBeforeCall_TokenLimitRefusal(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	g, err := NewGovernor(ctx, ledger, testLimits(), "gpt-4")
	require.NoError(t, err)

	err = g.CheckBeforeCall(ctx, "p1", 800, 300)
	require.Error(t, err)

	var limitErr *LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, LimitPerRunTokens, limitErr.Which)
	assert.Equal(t, float64(1100), limitErr.Actual)
	assert.Equal(t, float64(1000), limitErr.Limit)
	assert.True(t, limitErr.Terminal())

	// Refusal is bookkeeping, not spend.
	total, err := ledger.LifetimeSpend(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	events, err := ledger.RecentActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.ActionCostExhausted, events[0].Action)
	assert.True(t, events[0].CostExhaustedFlag)
}

func TestCheckBeforeCall_RunUSDRefusal(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	limits := testLimits()
	limits.MaxTokensPerRun = 10_000_000
	limits.MaxUSDPerRun = 0.01
	g, err := NewGovernor(ctx, ledger, limits, "gpt-4")
	require.NoError(t, err)

	// 200 in + 100 out = 0.006 + 0.006 = 0.012 > 0.01.
	err = g.CheckBeforeCall(ctx, "p1", 200, 100)
	var limitErr *LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, LimitPerRunUSD, limitErr.Which)
	assert.InDelta(t, 0.012, limitErr.Actual, 1e-9)
}

func TestCheckBeforeCall_LifetimeRefusal(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	// Prior runs spent $99.995 already.
	require.NoError(t, ledger.AppendCostEntry(ctx, &models.CostEntry{
		RunID: "old-run", USDCost: 99.995, Model: "gpt-4",
	}))

	g, err := NewGovernor(ctx, ledger, testLimits(), "gpt-4")
	require.NoError(t, err)

	// Call cost 0.012 pushes lifetime past 100.
	err = g.CheckBeforeCall(ctx, "p1", 200, 100)
	var limitErr *LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, LimitLifetimeUSD, limitErr.Which)
}

func TestRecordUsage_ExactCostAndCounters(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	g, err := NewGovernor(ctx, ledger, testLimits(), "gpt-4")
	require.NoError(t, err)

	require.NoError(t, g.RecordUsage(ctx, 1000, 500))

	stats := g.Stats()
	assert.Equal(t, int64(1000), stats.TokensSent)
	assert.Equal(t, int64(500), stats.TokensReceived)
	// 1000·0.03/1000 + 500·0.06/1000 = 0.03 + 0.03
	assert.InDelta(t, 0.06, stats.RunCostUSD, 1e-9)

	total, err := ledger.LifetimeSpend(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.06, total, 1e-9)
}

func TestRecordUsage_FeedsSubsequentProjections(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	limits := testLimits()
	g, err := NewGovernor(ctx, ledger, limits, "gpt-4")
	require.NoError(t, err)

	require.NoError(t, g.CheckBeforeCall(ctx, "p1", 400, 200))
	require.NoError(t, g.RecordUsage(ctx, 400, 200))

	// 600 tokens used; another 600 projects to 1200 > 1000.
	err = g.CheckBeforeCall(ctx, "p1", 400, 200)
	var limitErr *LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, LimitPerRunTokens, limitErr.Which)
}

func TestGovernor_DistinctRunIDs(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	g1, err := NewGovernor(ctx, ledger, testLimits(), "gpt-4")
	require.NoError(t, err)
	g2, err := NewGovernor(ctx, ledger, testLimits(), "gpt-4")
	require.NoError(t, err)

	assert.NotEqual(t, g1.RunID(), g2.RunID())
}

func TestGovernor_SeedsLifetimeFromStore(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.AppendCostEntry(ctx, &models.CostEntry{
		RunID: "old-run", USDCost: 40.0, Model: "gpt-4",
	}))
	limits := testLimits()
	limits.MaxUSDLifetime = 40.005

	g, err := NewGovernor(ctx, ledger, limits, "gpt-4")
	require.NoError(t, err)

	// Even a tiny call breaches the nearly-spent lifetime budget.
	err = g.CheckBeforeCall(ctx, "p1", 200, 100)
	var limitErr *LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, LimitLifetimeUSD, limitErr.Which)
}
