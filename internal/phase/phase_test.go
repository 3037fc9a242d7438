package phase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dirforge/internal/budget"
	"dirforge/internal/config"
	"dirforge/internal/queue"
	"dirforge/internal/record"
	"dirforge/internal/taxonomy"
)

func testLedger(daily, lifetime float64) *budget.Ledger {
	return budget.NewLedger(map[budget.Service]budget.Caps{
		budget.ServiceSearch:  {Daily: daily, Lifetime: lifetime},
		budget.ServiceEnrich:  {Daily: daily, Lifetime: lifetime},
		budget.ServicePublish: {Daily: daily, Lifetime: lifetime},
	}, 0, nil)
}

// fastPhaseConfig keeps delays out of unit tests.
func fastPhaseConfig() config.PhaseConfig {
	return config.PhaseConfig{MaxConcurrent: 2, MinDelay: "0s", CallTimeout: "5s", MaxRetries: 2, RetryBase: "1ms", BatchSize: 5}
}

// --- RateGate ---

func TestRateGateSpacesCalls(t *testing.T) {
	g := NewRateGate(100 * time.Millisecond)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	var slept []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := g.Wait(context.Background()); err != nil {
			t.Fatalf("Wait %d failed: %v", i, err)
		}
	}

	// First call is immediate; the next two queue behind it.
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestRateGateZeroDelayNeverBlocks(t *testing.T) {
	g := NewRateGate(0)
	g.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatal("zero-delay gate must not sleep")
		return nil
	}
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestRateGateHonorsCancellation(t *testing.T) {
	g := NewRateGate(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	g.Wait(ctx) // claim the first slot

	cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// --- RetryPolicy ---

func TestRetryBackoffDoubles(t *testing.T) {
	p := NewRetryPolicy(3, 10*time.Millisecond)
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Transient(errors.New("throttled"))
	})
	if err == nil {
		t.Fatal("expected final error after retries exhausted")
	}
	if calls != 4 {
		t.Errorf("expected 4 attempts, got %d", calls)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("backoff %d = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	calls := 0
	perm := errors.New("invalid request")
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) {
		t.Errorf("expected permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent errors must not retry, got %d attempts", calls)
	}
}

func TestRetrySucceedsMidway(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("blip"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

// --- Search executor ---

type fakeSearch struct {
	mu      sync.Mutex
	calls   int
	results []SearchResult
	errs    []error
}

func (f *fakeSearch) Search(ctx context.Context, query string) (SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	var r SearchResult
	if i < len(f.results) {
		r = f.results[i]
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return r, err
}

func searchTask() *queue.Task {
	return &queue.Task{ID: "q-0001", Query: "plumbing services in Austin, TX", Status: queue.TaskPending}
}

func TestSearchExecutorReturnsCandidates(t *testing.T) {
	client := &fakeSearch{results: []SearchResult{{
		Candidates: []record.Candidate{{Name: "Joe's Plumbing"}, {Name: "Pipe Masters"}},
		Cost:       0.25,
	}}}
	ledger := testLedger(10, 100)
	e := NewSearchExecutor(client, ledger, fastPhaseConfig())

	candidates, out := e.Run(context.Background(), searchTask())
	if !out.Success || out.Err != nil {
		t.Fatalf("expected success, got %+v", out)
	}
	if len(candidates) != 2 || out.Produced != 2 {
		t.Errorf("expected 2 candidates, got %d (produced %d)", len(candidates), out.Produced)
	}
	if out.Cost != 0.25 {
		t.Errorf("expected cost 0.25, got %f", out.Cost)
	}
	if got := ledger.LifetimeSpent(budget.ServiceSearch); got != 0.25 {
		t.Errorf("expected realized cost committed, got %f", got)
	}
}

func TestSearchExecutorBudgetDenied(t *testing.T) {
	ledger := testLedger(0.5, 100) // below the 1.0 reservation estimate
	e := NewSearchExecutor(&fakeSearch{}, ledger, fastPhaseConfig())

	_, out := e.Run(context.Background(), searchTask())
	if !errors.Is(out.Err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", out.Err)
	}
	var be *BudgetError
	if !errors.As(out.Err, &be) || be.Reason != budget.ReasonDailyCap {
		t.Errorf("expected daily-cap denial detail, got %v", out.Err)
	}
	if c := (e.client.(*fakeSearch)).calls; c != 0 {
		t.Errorf("denied task must not reach the collaborator, got %d calls", c)
	}
}

func TestSearchExecutorRetriesTransientThenSucceeds(t *testing.T) {
	client := &fakeSearch{
		errs:    []error{Transient(errors.New("429")), nil},
		results: []SearchResult{{Cost: 0.1}, {Candidates: []record.Candidate{{Name: "Joe's"}}, Cost: 0.1}},
	}
	ledger := testLedger(10, 100)
	e := NewSearchExecutor(client, ledger, fastPhaseConfig())

	candidates, out := e.Run(context.Background(), searchTask())
	if out.Err != nil {
		t.Fatalf("expected recovery, got %v", out.Err)
	}
	if len(candidates) != 1 {
		t.Errorf("expected 1 candidate, got %d", len(candidates))
	}
	// Both attempts spent money.
	if got := ledger.LifetimeSpent(budget.ServiceSearch); got < 0.19 || got > 0.21 {
		t.Errorf("expected both attempts committed (~0.2), got %f", got)
	}
}

// --- Enrich executor ---

type fakeEnrich struct {
	result EnrichResult
	err    error
	got    []EnrichItem
}

func (f *fakeEnrich) Enrich(ctx context.Context, items []EnrichItem) (EnrichResult, error) {
	f.got = items
	return f.result, f.err
}

type fakeUpdater struct {
	mu         sync.Mutex
	enrichment map[string]string
	enrichStat map[string]record.EnrichmentStatus
	category   map[string]string
	review     map[string]bool
	publishRef map[string]string
	publishSt  map[string]record.PublishStatus
}

func newFakeUpdater() *fakeUpdater {
	return &fakeUpdater{
		enrichment: map[string]string{},
		enrichStat: map[string]record.EnrichmentStatus{},
		category:   map[string]string{},
		review:     map[string]bool{},
		publishRef: map[string]string{},
		publishSt:  map[string]record.PublishStatus{},
	}
}

func (f *fakeUpdater) UpdateEnrichment(id string, status record.EnrichmentStatus, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrichStat[id] = status
	f.enrichment[id] = text
	return nil
}

func (f *fakeUpdater) UpdateCategory(id, category string, needsReview bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.category[id] = category
	f.review[id] = needsReview
	return nil
}

func (f *fakeUpdater) UpdatePublish(id string, status record.PublishStatus, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishSt[id] = status
	f.publishRef[id] = ref
	return nil
}

func enrichBatch(n int) []*record.Directory {
	out := make([]*record.Directory, n)
	for i := range out {
		out[i] = &record.Directory{
			InternalID:  fmt.Sprintf("r-%d", i+1),
			DisplayName: fmt.Sprintf("Business %d", i+1),
			CategoryTag: "plumbing",
			LocationTag: "austin-tx",
		}
	}
	return out
}

func TestEnrichExecutorAttributesPerItem(t *testing.T) {
	client := &fakeEnrich{result: EnrichResult{
		Texts: map[string]string{"r-1": "Great plumber.", "r-2": "Solid service."},
		Cost:  0.5,
	}}
	updater := newFakeUpdater()
	e := NewEnrichExecutor(client, updater, testLedger(10, 100), fastPhaseConfig())

	out := e.Run(context.Background(), enrichBatch(2))
	if !out.Success || out.Produced != 2 {
		t.Fatalf("expected 2 enriched, got %+v", out)
	}
	if updater.enrichment["r-1"] != "Great plumber." {
		t.Errorf("per-item text not attributed: %q", updater.enrichment["r-1"])
	}
	if updater.enrichStat["r-2"] != record.EnrichDone {
		t.Errorf("expected r-2 done, got %s", updater.enrichStat["r-2"])
	}
}

func TestEnrichExecutorPlaceholderForDroppedItem(t *testing.T) {
	// Collaborator response omits r-2.
	client := &fakeEnrich{result: EnrichResult{Texts: map[string]string{"r-1": "Great plumber."}, Cost: 0.5}}
	updater := newFakeUpdater()
	e := NewEnrichExecutor(client, updater, testLedger(10, 100), fastPhaseConfig())

	out := e.Run(context.Background(), enrichBatch(2))
	if !out.Success || out.Produced != 2 {
		t.Fatalf("dropped items must not abort the batch: %+v", out)
	}
	if updater.enrichStat["r-2"] != record.EnrichDone {
		t.Errorf("expected r-2 done with placeholder, got %s", updater.enrichStat["r-2"])
	}
	if updater.enrichment["r-2"] == "" {
		t.Error("expected placeholder text for r-2")
	}
}

func TestEnrichExecutorResolvesRefinedCategory(t *testing.T) {
	// Collaborator refines r-1's category; r-2 keeps what it was submitted
	// with and r-3 echoes its current tag back.
	client := &fakeEnrich{result: EnrichResult{
		Texts: map[string]string{"r-1": "a", "r-2": "b", "r-3": "c"},
		Categories: map[string]string{
			"r-1": "Pest Control",
			"r-3": "plumbing",
		},
		Cost: 0.5,
	}}
	updater := newFakeUpdater()
	e := NewEnrichExecutor(client, updater, testLedger(10, 100), fastPhaseConfig())

	out := e.Run(context.Background(), enrichBatch(3))
	if !out.Success || out.Produced != 3 {
		t.Fatalf("expected 3 enriched, got %+v", out)
	}
	if updater.category["r-1"] != "pest-control" || updater.review["r-1"] {
		t.Errorf("expected r-1 recategorized to pest-control without review, got %q (review %v)",
			updater.category["r-1"], updater.review["r-1"])
	}
	for _, id := range []string{"r-2", "r-3"} {
		if _, ok := updater.category[id]; ok {
			t.Errorf("%s must not be rewritten when the category is absent or unchanged", id)
		}
	}
}

func TestEnrichExecutorOffListCategoryFallsBackFlagged(t *testing.T) {
	client := &fakeEnrich{result: EnrichResult{
		Texts:      map[string]string{"r-1": "a"},
		Categories: map[string]string{"r-1": "karaoke machine rental"},
		Cost:       0.5,
	}}
	updater := newFakeUpdater()
	e := NewEnrichExecutor(client, updater, testLedger(10, 100), fastPhaseConfig())

	out := e.Run(context.Background(), enrichBatch(1))
	if !out.Success {
		t.Fatalf("off-list category must not fail the batch: %+v", out)
	}
	if updater.category["r-1"] != taxonomy.FallbackCategory {
		t.Errorf("expected fallback category, got %q", updater.category["r-1"])
	}
	if !updater.review["r-1"] {
		t.Error("off-list category must be flagged for review")
	}
}

func TestEnrichExecutorBatchFailureMarksAllFailed(t *testing.T) {
	client := &fakeEnrich{err: errors.New("model unavailable")}
	updater := newFakeUpdater()
	e := NewEnrichExecutor(client, updater, testLedger(10, 100), fastPhaseConfig())

	out := e.Run(context.Background(), enrichBatch(2))
	if out.Success {
		t.Fatal("expected batch failure")
	}
	for _, id := range []string{"r-1", "r-2"} {
		if updater.enrichStat[id] != record.EnrichFailed {
			t.Errorf("expected %s enrich-failed, got %s", id, updater.enrichStat[id])
		}
	}
}

// --- Publish executor ---

type fakePublish struct {
	receipt PublishReceipt
	err     error
	got     *record.Directory
}

func (f *fakePublish) Upsert(ctx context.Context, rec *record.Directory) (PublishReceipt, error) {
	f.got = rec
	return f.receipt, f.err
}

func TestPublishExecutorStoresRef(t *testing.T) {
	client := &fakePublish{receipt: PublishReceipt{Ref: "pub-42", Cost: 0.2}}
	updater := newFakeUpdater()
	e := NewPublishExecutor(client, updater, testLedger(10, 100), fastPhaseConfig())

	rec := &record.Directory{InternalID: "r-1", DisplayName: "Joe's Plumbing"}
	out := e.Run(context.Background(), rec)
	if !out.Success || out.Produced != 1 {
		t.Fatalf("expected publish success, got %+v", out)
	}
	if updater.publishSt["r-1"] != record.PublishSynced || updater.publishRef["r-1"] != "pub-42" {
		t.Errorf("publish result not stored: %s %q", updater.publishSt["r-1"], updater.publishRef["r-1"])
	}
}

func TestPublishExecutorFailureKeepsExistingRef(t *testing.T) {
	client := &fakePublish{err: errors.New("500")}
	updater := newFakeUpdater()
	e := NewPublishExecutor(client, updater, testLedger(10, 100), fastPhaseConfig())

	// A record published once before keeps its ref through a failed retry,
	// so the next attempt still updates in place.
	rec := &record.Directory{InternalID: "r-1", ExternalPublishRef: "pub-42"}
	out := e.Run(context.Background(), rec)
	if out.Success {
		t.Fatal("expected publish failure")
	}
	if updater.publishSt["r-1"] != record.PublishSyncFailed {
		t.Errorf("expected sync-failed, got %s", updater.publishSt["r-1"])
	}
	if updater.publishRef["r-1"] != "pub-42" {
		t.Errorf("existing publish ref must survive a failure, got %q", updater.publishRef["r-1"])
	}
}
