// Package cost implements the process-wide spending gate. Every model call
// goes through the Governor twice: a conservative pre-call projection that can
// refuse the call, and a post-call accounting of actual usage.
package cost

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/prodpilot/prodpilot/pkg/models"
)

// Limit identifiers used in refusal records and abort artifacts.
const (
	LimitPerRunTokens = "per_run_tokens"
	LimitPerRunUSD    = "per_run_usd"
	LimitLifetimeUSD  = "lifetime_usd"
)

// charsPerToken is the fallback estimation divisor. Empirically English prose
// averages around 4 characters per token; 3.5 keeps the estimate on the high
// side so projections refuse before actual spend can breach a limit.
const charsPerToken = 3.5

// LimitExceededError identifies which budget a projection breached.
type LimitExceededError struct {
	Which  string
	Actual float64
	Limit  float64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("cost limit exceeded: %s projected %.4f over limit %.4f", e.Which, e.Actual, e.Limit)
}

// Terminal marks the error as never retriable.
func (e *LimitExceededError) Terminal() bool {
	return true
}

// Limits carries the configured budgets and token prices.
type Limits struct {
	MaxTokensPerRun  int64
	MaxUSDPerRun     float64
	MaxUSDLifetime   float64
	PriceInPerToken  float64
	PriceOutPerToken float64
}

// Ledger is the slice of the store the Governor writes to.
type Ledger interface {
	AppendCostEntry(ctx context.Context, e *models.CostEntry) error
	AppendAudit(ctx context.Context, action models.AuditAction, postID, runID string, details map[string]any, errorFlag, costExhausted bool) error
	LifetimeSpend(ctx context.Context) (float64, error)
}

// RunStats is a point-in-time snapshot of the current run's counters.
type RunStats struct {
	RunID          string
	TokensSent     int64
	TokensReceived int64
	RunCostUSD     float64
}

// Governor tracks one orchestrator run. Lifetime spend is read from the store
// once at construction and maintained in memory; correctness relies on the
// single-writer startup contract.
type Governor struct {
	ledger Ledger
	limits Limits
	model  string

	mu             sync.Mutex
	runID          string
	tokensSent     int64
	tokensReceived int64
	runCostUSD     float64
	lifetimeSpend  float64
}

// NewGovernor creates a Governor for a fresh run, seeding the lifetime tally
// from the store.
func NewGovernor(ctx context.Context, ledger Ledger, limits Limits, model string) (*Governor, error) {
	lifetime, err := ledger.LifetimeSpend(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read lifetime spend: %w", err)
	}
	return &Governor{
		ledger:        ledger,
		limits:        limits,
		model:         model,
		runID:         uuid.NewString(),
		lifetimeSpend: lifetime,
	}, nil
}

// RunID returns the identifier correlating this run's cost entries.
func (g *Governor) RunID() string {
	return g.runID
}

// EstimateTokens returns a conservative token count for text. Rounds up so
// the projection errs toward refusal.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	return int64(math.Ceil(float64(len(text)) / charsPerToken))
}

// CheckBeforeCall projects the next call against all three budgets. On
// refusal it appends a CostEntry with abort_reason set and a cost_exhausted
// audit event, then returns a *LimitExceededError. No remote call may be made
// after a refusal.
func (g *Governor) CheckBeforeCall(ctx context.Context, postID string, estIn, estOut int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	callCost := g.callCost(estIn, estOut)

	projectedTokens := g.tokensSent + g.tokensReceived + estIn + estOut
	projectedRunCost := g.runCostUSD + callCost
	projectedLifetime := g.lifetimeSpend + callCost

	var refusal *LimitExceededError
	switch {
	case projectedTokens > g.limits.MaxTokensPerRun:
		refusal = &LimitExceededError{
			Which:  LimitPerRunTokens,
			Actual: float64(projectedTokens),
			Limit:  float64(g.limits.MaxTokensPerRun),
		}
	case projectedRunCost > g.limits.MaxUSDPerRun:
		refusal = &LimitExceededError{Which: LimitPerRunUSD, Actual: projectedRunCost, Limit: g.limits.MaxUSDPerRun}
	case projectedLifetime > g.limits.MaxUSDLifetime:
		refusal = &LimitExceededError{Which: LimitLifetimeUSD, Actual: projectedLifetime, Limit: g.limits.MaxUSDLifetime}
	default:
		return nil
	}

	reason := refusal.Which
	entry := &models.CostEntry{
		RunID:       g.runID,
		TokensIn:    int(estIn),
		TokensOut:   int(estOut),
		USDCost:     callCost,
		Model:       g.model,
		AbortReason: &reason,
	}
	if err := g.ledger.AppendCostEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to record refusal: %w", err)
	}
	if err := g.ledger.AppendAudit(ctx, models.ActionCostExhausted, postID, g.runID, map[string]any{
		"which":  refusal.Which,
		"actual": refusal.Actual,
		"limit":  refusal.Limit,
	}, false, true); err != nil {
		return fmt.Errorf("failed to audit refusal: %w", err)
	}
	return refusal
}

// RecordUsage accounts a completed call. Called exactly once per successful
// model call, never for refusals.
func (g *Governor) RecordUsage(ctx context.Context, actualIn, actualOut int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cost := g.callCost(actualIn, actualOut)
	entry := &models.CostEntry{
		RunID:     g.runID,
		TokensIn:  int(actualIn),
		TokensOut: int(actualOut),
		USDCost:   cost,
		Model:     g.model,
	}
	if err := g.ledger.AppendCostEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	g.tokensSent += actualIn
	g.tokensReceived += actualOut
	g.runCostUSD += cost
	g.lifetimeSpend += cost
	return nil
}

// Stats snapshots the run counters, used for the abort artifact and the
// end-of-run log line.
func (g *Governor) Stats() RunStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return RunStats{
		RunID:          g.runID,
		TokensSent:     g.tokensSent,
		TokensReceived: g.tokensReceived,
		RunCostUSD:     g.runCostUSD,
	}
}

func (g *Governor) callCost(in, out int64) float64 {
	return float64(in)*g.limits.PriceInPerToken + float64(out)*g.limits.PriceOutPerToken
}
