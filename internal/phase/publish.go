package phase

import (
	"context"
	"errors"

	"dirforge/internal/budget"
	"dirforge/internal/config"
	"dirforge/internal/logging"
	"dirforge/internal/record"
)

// PublishExecutor pushes enriched records into the live directory, one
// record per call.
type PublishExecutor struct {
	client PublishClient
	store  RecordUpdater
	guard  guard
}

// NewPublishExecutor wires a publish client behind the guard stack.
func NewPublishExecutor(client PublishClient, store RecordUpdater, ledger *budget.Ledger, cfg config.PhaseConfig) *PublishExecutor {
	return &PublishExecutor{
		client: client,
		store:  store,
		guard: guard{
			service:  budget.ServicePublish,
			ledger:   ledger,
			gate:     NewRateGate(cfg.MinDelayDuration()),
			retry:    NewRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDuration()),
			timeout:  cfg.CallTimeoutDuration(),
			estimate: callEstimate,
		},
	}
}

// Run publishes one record. The upsert is keyed by the record's existing
// ExternalPublishRef, so retrying after a crash updates the same listing
// instead of minting a second one.
func (e *PublishExecutor) Run(ctx context.Context, rec *record.Directory) Outcome {
	var receipt PublishReceipt
	cost, err := e.guard.invoke(ctx, func(ctx context.Context) (float64, error) {
		r, err := e.client.Upsert(ctx, rec)
		if err == nil {
			receipt = r
		}
		return r.Cost, err
	})
	if err != nil {
		// A budget denial is a deferral: the record stays unsynced for the
		// next cycle rather than being marked sync-failed.
		if errors.Is(err, ErrBudgetExceeded) {
			return Outcome{Err: err}
		}
		logging.Get(logging.CategoryPublish).Warn("Publish of %s failed: %v", rec.InternalID, err)
		if serr := e.store.UpdatePublish(rec.InternalID, record.PublishSyncFailed, rec.ExternalPublishRef); serr != nil {
			logging.Get(logging.CategoryPublish).Error("Failed to mark %s sync-failed: %v", rec.InternalID, serr)
		}
		return Outcome{Cost: cost, Err: err}
	}

	if err := e.store.UpdatePublish(rec.InternalID, record.PublishSynced, receipt.Ref); err != nil {
		logging.Get(logging.CategoryPublish).Error("Failed to store publish ref for %s: %v", rec.InternalID, err)
		return Outcome{Cost: cost, Err: err}
	}

	logging.Phase(logging.CategoryPublish, "Published %s as %s (cost %.4f)", rec.InternalID, receipt.Ref, cost)
	return Outcome{Success: true, Produced: 1, Cost: cost}
}
