package phase

import (
	"context"
	"errors"
	"fmt"

	"dirforge/internal/budget"
	"dirforge/internal/config"
	"dirforge/internal/logging"
	"dirforge/internal/record"
	"dirforge/internal/taxonomy"
)

// EnrichExecutor generates descriptions for accepted records, one
// collaborator call per batch.
type EnrichExecutor struct {
	client EnrichClient
	store  RecordUpdater
	guard  guard
}

// NewEnrichExecutor wires an enrichment client behind the guard stack.
func NewEnrichExecutor(client EnrichClient, store RecordUpdater, ledger *budget.Ledger, cfg config.PhaseConfig) *EnrichExecutor {
	return &EnrichExecutor{
		client: client,
		store:  store,
		guard: guard{
			service:  budget.ServiceEnrich,
			ledger:   ledger,
			gate:     NewRateGate(cfg.MinDelayDuration()),
			retry:    NewRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDuration()),
			timeout:  cfg.CallTimeoutDuration(),
			estimate: callEstimate,
		},
	}
}

// Run enriches one batch of records. Per-item results are attributed back
// to each record; items the collaborator dropped or mangled get a
// placeholder description rather than aborting the batch. A batch-level
// failure marks every record enrich-failed.
func (e *EnrichExecutor) Run(ctx context.Context, batch []*record.Directory) Outcome {
	if len(batch) == 0 {
		return Outcome{Success: true}
	}

	items := make([]EnrichItem, len(batch))
	for i, rec := range batch {
		items[i] = EnrichItem{
			InternalID: rec.InternalID,
			Name:       rec.DisplayName,
			Category:   rec.CategoryTag,
			Location:   rec.LocationTag,
		}
	}

	var result EnrichResult
	cost, err := e.guard.invoke(ctx, func(ctx context.Context) (float64, error) {
		r, err := e.client.Enrich(ctx, items)
		if err == nil {
			result = r
		}
		return r.Cost, err
	})
	if err != nil {
		// A budget denial is a deferral: the batch stays pending for the
		// next cycle rather than being marked failed.
		if errors.Is(err, ErrBudgetExceeded) {
			return Outcome{Err: err}
		}
		logging.Get(logging.CategoryEnrich).Warn("Batch of %d failed: %v", len(batch), err)
		for _, rec := range batch {
			if serr := e.store.UpdateEnrichment(rec.InternalID, record.EnrichFailed, ""); serr != nil {
				logging.Get(logging.CategoryEnrich).Error("Failed to mark %s enrich-failed: %v", rec.InternalID, serr)
			}
		}
		return Outcome{Cost: cost, Err: err}
	}

	produced := 0
	for _, rec := range batch {
		text, ok := result.Texts[rec.InternalID]
		if !ok || text == "" {
			text = placeholderDescription(rec)
			logging.Get(logging.CategoryEnrich).Warn("No usable text for %s, using placeholder", rec.InternalID)
		}
		if serr := e.store.UpdateEnrichment(rec.InternalID, record.EnrichDone, text); serr != nil {
			logging.Get(logging.CategoryEnrich).Error("Failed to store enrichment for %s: %v", rec.InternalID, serr)
			continue
		}
		e.applyCategory(rec, result.Categories[rec.InternalID])
		produced++
	}

	logging.Phase(logging.CategoryEnrich, "Enriched %d/%d records (cost %.4f)", produced, len(batch), cost)
	return Outcome{Success: true, Produced: produced, Cost: cost}
}

// applyCategory resolves a collaborator-refined category against the
// master list. Off-list values land on the fallback category with the
// review flag set; values matching the record's current tag are a no-op.
func (e *EnrichExecutor) applyCategory(rec *record.Directory, refined string) {
	if refined == "" {
		return
	}
	tag := taxonomy.NormalizeCategory(refined)
	if tag.Value == rec.CategoryTag && !tag.NeedsReview() {
		return
	}
	if tag.NeedsReview() {
		logging.Get(logging.CategoryEnrich).Warn("Category %q for %s is off the master list, flagging for review", refined, rec.InternalID)
	}
	if err := e.store.UpdateCategory(rec.InternalID, tag.Value, tag.NeedsReview()); err != nil {
		logging.Get(logging.CategoryEnrich).Error("Failed to store category for %s: %v", rec.InternalID, err)
	}
}

// placeholderDescription is the degraded fallback when the collaborator's
// response omits an item. Flat but accurate; a later pass can regenerate.
func placeholderDescription(rec *record.Directory) string {
	return fmt.Sprintf("%s provides %s services in %s.",
		rec.DisplayName, rec.CategoryTag, taxonomy.DisplayLocation(rec.LocationTag))
}
