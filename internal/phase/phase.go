// Package phase runs the three external-collaborator stages of a campaign:
// search, enrich, publish. Each executor composes the same guard rails
// around its collaborator client: a budget reservation, a minimum
// inter-call delay, a per-call timeout, and bounded retries for transient
// failures. Collaborator clients are consumed, never implemented here.
package phase

import (
	"context"
	"errors"
	"fmt"

	"dirforge/internal/budget"
	"dirforge/internal/record"
)

// Outcome is the uniform result of running one unit of phase work.
type Outcome struct {
	Success  bool
	Produced int // records yielded or advanced by this unit
	Cost     float64
	Err      error
}

// ErrBudgetExceeded marks a task stopped by a budget denial. Match with
// errors.Is; the concrete *BudgetError carries the denial reason.
var ErrBudgetExceeded = errors.New("budget exceeded")

// BudgetError is the denial detail behind ErrBudgetExceeded.
type BudgetError struct {
	Service budget.Service
	Reason  budget.Reason
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("budget exceeded for %s (%s)", e.Service, e.Reason)
}

func (e *BudgetError) Is(target error) bool { return target == ErrBudgetExceeded }

// transientError marks failures worth retrying (timeouts, throttling,
// transport blips). Anything unwrapped is permanent.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient wraps an error to mark it retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether an error was marked retryable. Context
// timeouts on individual calls count as transient; a canceled parent
// context does not.
func IsTransient(err error) bool {
	var t *transientError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// SearchResult is one collaborator response to a discovery query.
type SearchResult struct {
	Candidates []record.Candidate
	Cost       float64
}

// SearchClient issues one discovery query against the search collaborator.
type SearchClient interface {
	Search(ctx context.Context, query string) (SearchResult, error)
}

// EnrichItem is one record handed to the enrichment collaborator.
type EnrichItem struct {
	InternalID string
	Name       string
	Category   string
	Location   string
}

// EnrichResult maps internal IDs to generated descriptions. IDs absent
// from Texts were unparseable in the collaborator's response. Categories
// carries the collaborator's refined category per item, when it offers
// one; entries are free-form text and must be normalized against the
// master list before they touch a record.
type EnrichResult struct {
	Texts      map[string]string
	Categories map[string]string
	Cost       float64
}

// EnrichClient generates descriptions for a batch of records in one call.
type EnrichClient interface {
	Enrich(ctx context.Context, items []EnrichItem) (EnrichResult, error)
}

// PublishReceipt acknowledges one record landing in the live directory.
type PublishReceipt struct {
	Ref  string
	Cost float64
}

// PublishClient upserts one record into the live directory. A non-empty
// ExternalPublishRef on the record means update-in-place, so re-publishing
// after a crash never creates a second listing.
type PublishClient interface {
	Upsert(ctx context.Context, rec *record.Directory) (PublishReceipt, error)
}

// RecordUpdater is the slice of the record store the enrich and publish
// executors write through.
type RecordUpdater interface {
	UpdateEnrichment(internalID string, status record.EnrichmentStatus, text string) error
	UpdateCategory(internalID, category string, needsReview bool) error
	UpdatePublish(internalID string, status record.PublishStatus, externalRef string) error
}
