package phase

import (
	"context"

	"dirforge/internal/budget"
	"dirforge/internal/config"
	"dirforge/internal/logging"
	"dirforge/internal/queue"
	"dirforge/internal/record"
)

// callEstimate is the reservation size for one collaborator call, in the
// same abstract cost units as the configured caps. Clients report the
// realized cost per call; the estimate only has to be conservative.
const callEstimate = 1.0

// SearchExecutor runs discovery query tasks against the search
// collaborator.
type SearchExecutor struct {
	client SearchClient
	guard  guard
}

// NewSearchExecutor wires a search client behind the guard stack.
func NewSearchExecutor(client SearchClient, ledger *budget.Ledger, cfg config.PhaseConfig) *SearchExecutor {
	return &SearchExecutor{
		client: client,
		guard: guard{
			service:  budget.ServiceSearch,
			ledger:   ledger,
			gate:     NewRateGate(cfg.MinDelayDuration()),
			retry:    NewRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDuration()),
			timeout:  cfg.CallTimeoutDuration(),
			estimate: callEstimate,
		},
	}
}

// Run executes one query task and returns the discovered candidates.
// Candidates are raw collaborator output; dedup and persistence happen
// downstream.
func (e *SearchExecutor) Run(ctx context.Context, task *queue.Task) ([]record.Candidate, Outcome) {
	var result SearchResult
	cost, err := e.guard.invoke(ctx, func(ctx context.Context) (float64, error) {
		r, err := e.client.Search(ctx, task.Query)
		if err == nil {
			result = r
		}
		return r.Cost, err
	})
	if err != nil {
		logging.Get(logging.CategorySearch).Warn("Query %s failed: %v", task.ID, err)
		return nil, Outcome{Cost: cost, Err: err}
	}

	logging.Phase(logging.CategorySearch, "Query %s returned %d candidates (cost %.4f)",
		task.ID, len(result.Candidates), cost)
	return result.Candidates, Outcome{Success: true, Produced: len(result.Candidates), Cost: cost}
}
