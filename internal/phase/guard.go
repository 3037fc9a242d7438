package phase

import (
	"context"
	"time"

	"dirforge/internal/budget"
)

// guard is the shared wrapper around one external call: budget
// reservation, rate gate, per-call timeout, bounded retries. Each
// executor owns one guard configured for its collaborator.
type guard struct {
	service  budget.Service
	ledger   *budget.Ledger
	gate     *RateGate
	retry    RetryPolicy
	timeout  time.Duration
	estimate float64
}

// invoke runs fn under the full guard stack. fn reports the realized cost
// of its attempt; costs accumulate across retries and are committed
// against the reservation whether the call ultimately succeeded or not,
// since failed attempts still spent real money.
func (g *guard) invoke(ctx context.Context, fn func(ctx context.Context) (float64, error)) (float64, error) {
	if dec := g.ledger.Reserve(g.service, g.estimate); !dec.Allowed {
		return 0, &BudgetError{Service: g.service, Reason: dec.Reason}
	}

	var total float64
	err := g.retry.Do(ctx, func(ctx context.Context) error {
		if err := g.gate.Wait(ctx); err != nil {
			return err
		}
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		cost, err := fn(callCtx)
		total += cost
		return err
	})

	g.ledger.Commit(g.service, total)
	return total, err
}
