package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dirforge/internal/budget"
	"dirforge/internal/checkpoint"
	"dirforge/internal/config"
	"dirforge/internal/dedup"
	"dirforge/internal/logging"
	"dirforge/internal/phase"
	"dirforge/internal/queue"
	"dirforge/internal/record"
	"dirforge/internal/store"
)

// ErrAborted wraps the fatal condition that killed a campaign.
var ErrAborted = errors.New("campaign aborted")

// Event is a progress notification for observers (CLI, report sink).
// Delivery is best-effort; a slow consumer never stalls the pipeline.
type Event struct {
	Type    string    // "accepted", "duplicate", "checkpoint", "status", "warning"
	Message string
	Time    time.Time
}

// Clients bundles the three external collaborators plus the published
// identity index.
type Clients struct {
	Search    phase.SearchClient
	Enrich    phase.EnrichClient
	Publish   phase.PublishClient
	Published dedup.PublishedIndex
}

// Orchestrator owns one campaign. Every state mutation goes through
// mutate(), which serializes on a single mutex; reads copy.
type Orchestrator struct {
	mu    sync.Mutex
	state *State

	workspace string
	cfg       *config.Config
	ledger    *budget.Ledger
	ckpts     *checkpoint.Store
	records   *store.LocalStore
	matcher   *dedup.Matcher

	search  *phase.SearchExecutor
	enrich  *phase.EnrichExecutor
	publish *phase.PublishExecutor

	events       chan Event
	resume       chan struct{}
	pauseReq     chan struct{}
	dayExhausted atomic.Bool // a daily budget cap fired this cycle
	now          func() time.Time
	sinceCkpt    int // accepted records since the last snapshot
}

// New assembles an orchestrator around existing campaign state.
func New(workspace string, st *State, cfg *config.Config, ledger *budget.Ledger,
	ckpts *checkpoint.Store, records *store.LocalStore, clients Clients) *Orchestrator {

	matcher := dedup.NewMatcher(records, clients.Published,
		cfg.Dedup.SignalThreshold, cfg.Dedup.NameSimilarity)

	return &Orchestrator{
		state:     st,
		workspace: workspace,
		cfg:       cfg,
		ledger:    ledger,
		ckpts:     ckpts,
		records:   records,
		matcher:   matcher,
		search:    phase.NewSearchExecutor(clients.Search, ledger, cfg.Phases.Search),
		enrich:    phase.NewEnrichExecutor(clients.Enrich, records, ledger, cfg.Phases.Enrich),
		publish:   phase.NewPublishExecutor(clients.Publish, records, ledger, cfg.Phases.Publish),
		events:    make(chan Event, 64),
		resume:    make(chan struct{}, 1),
		pauseReq:  make(chan struct{}, 1),
		now:       time.Now,
	}
}

// NewCampaignState builds fresh state for init.
func NewCampaignState(name string, tasks []queue.Task, totalTarget, dailyTarget int, now time.Time) *State {
	return &State{
		ID:          uuid.New().String(),
		Name:        name,
		Status:      StatusUninitialized,
		CreatedAt:   now,
		TotalTarget: totalTarget,
		DailyTarget: dailyTarget,
		Tasks:       tasks,
	}
}

// Events exposes the progress stream.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// mutate runs fn with exclusive access to the state.
func (o *Orchestrator) mutate(fn func(*State)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o.state)
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() *State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// RequestPause asks the run loop to stop at the next task boundary. In
// flight collaborator calls finish first.
func (o *Orchestrator) RequestPause() {
	select {
	case o.pauseReq <- struct{}{}:
	default:
	}
	logging.Campaign("Pause requested")
}

// Resume wakes a paused run loop.
func (o *Orchestrator) Resume() {
	select {
	case o.resume <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) emit(typ, format string, args ...interface{}) {
	select {
	case o.events <- Event{Type: typ, Message: fmt.Sprintf(format, args...), Time: o.now()}:
	default:
	}
}

// Run drives one daily cycle of the campaign: search new candidates up to
// the daily target, enrich what was accepted, publish what was enriched.
// It returns nil on clean pause or day completion, and an error wrapping
// ErrAborted on the two fatal conditions (lifetime budget exhaustion,
// identity store outage).
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.activate(); err != nil {
		return err
	}

	watcher, watcherDone, err := o.watchControlFile()
	if err != nil {
		logging.Campaign("Control watcher unavailable: %v", err)
	} else {
		defer func() {
			watcher.Close()
			<-watcherDone
		}()
	}

	if err := o.runDay(ctx); err != nil {
		return o.abort(err)
	}

	// An explicit pause (signal or control file) leaves the campaign
	// paused; settlement only happens at the natural end of a cycle.
	if o.Snapshot().Status == StatusPaused {
		return nil
	}
	return o.settle()
}

func (o *Orchestrator) activate() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state.Status {
	case StatusCompleted, StatusAborted:
		return fmt.Errorf("campaign is %s and cannot run", o.state.Status)
	}
	if err := o.state.transition(StatusActive); err != nil {
		return err
	}
	if o.state.StartedAt.IsZero() {
		o.state.StartedAt = o.now()
	}

	today := o.now().Format("2006-01-02")
	if o.state.Metrics.Day != today {
		o.state.Metrics.Day = today
		o.state.Metrics.AcceptedToday = 0
	}
	o.dayExhausted.Store(false)

	if _, err := o.records.ResetFailedSyncs(); err != nil {
		logging.Campaign("Could not reset sync-failed records: %v", err)
	}

	logging.Campaign("Campaign %s active (published %d/%d, accepted today %d/%d)",
		o.state.ID, o.state.Metrics.Published, o.state.TotalTarget,
		o.state.Metrics.AcceptedToday, o.state.DailyTarget)
	o.emit("status", "campaign active")
	return nil
}

// runDay executes search -> dedup -> persist for pending tasks, then the
// enrich and publish pools. Stage order per record is fixed; the pools
// just bound how many records move through a stage at once.
func (o *Orchestrator) runDay(ctx context.Context) error {
	if err := o.searchStage(ctx); err != nil {
		return err
	}
	if err := o.enrichStage(ctx); err != nil {
		return err
	}
	if err := o.publishStage(ctx); err != nil {
		return err
	}
	return nil
}

// searchStage pulls pending tasks in queue order until the daily accept
// target is met, the daily search budget runs out, a pause lands, or the
// queue drains. Tasks denied by the daily cap stay pending for tomorrow.
func (o *Orchestrator) searchStage(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Phases.Search.MaxConcurrent)

	var fatal error
	var fatalOnce sync.Once

	for {
		if !o.pausePoint(ctx) {
			break
		}
		if o.dayExhausted.Load() {
			break
		}

		o.mu.Lock()
		dayDone := o.state.Metrics.AcceptedToday >= o.state.DailyTarget
		idx := -1
		if !dayDone {
			for _, i := range o.state.pendingTasks() {
				idx = i
				break
			}
		}
		if idx >= 0 {
			o.state.Tasks[idx].Status = queue.TaskRunning
		}
		o.mu.Unlock()

		if dayDone {
			logging.Campaign("Daily accept target reached")
			break
		}
		if idx < 0 {
			break // queue drained
		}
		if gctx.Err() != nil {
			o.requeueTask(idx)
			break
		}

		taskIdx := idx
		g.Go(func() error {
			if err := o.runSearchTask(gctx, taskIdx); err != nil {
				fatalOnce.Do(func() { fatal = err })
				return err
			}
			return nil
		})
	}

	g.Wait()
	return fatal
}

// runSearchTask executes one query task end to end: collaborator call,
// dedup gate, persistence, checkpoint bookkeeping. Returns an error only
// for campaign-fatal conditions.
func (o *Orchestrator) runSearchTask(ctx context.Context, idx int) error {
	o.mu.Lock()
	task := o.state.Tasks[idx]
	o.mu.Unlock()

	candidates, out := o.search.Run(ctx, &task)

	if out.Err != nil {
		var be *phase.BudgetError
		if errors.As(out.Err, &be) {
			if be.Reason == budget.ReasonLifetimeCap {
				o.requeueTask(idx)
				return out.Err
			}
			// Daily cap: defer the task; tomorrow's bucket will take it.
			logging.Campaign("Task %s deferred: daily search budget exhausted", task.ID)
			o.requeueTask(idx)
			o.dayExhausted.Store(true)
			return nil
		}
		o.mutate(func(s *State) {
			s.Tasks[idx].Status = queue.TaskFailed
			s.Tasks[idx].LastError = out.Err.Error()
			s.Tasks[idx].CompletedAt = o.now()
			s.advanceCursor()
		})
		return nil
	}

	accepted := 0
	for _, c := range candidates {
		match, err := o.matcher.Check(ctx, c)
		if err != nil {
			o.requeueTask(idx)
			return err
		}
		if match.Duplicate {
			o.mutate(func(s *State) { s.Metrics.DuplicateSkips++ })
			o.emit("duplicate", "%s matches %s record %s", c.Name, match.MatchedIn, match.MatchedID)
			continue
		}

		rec := record.FromCandidate(c, uuid.New().String(), task.LocationTag, task.CategoryTag, o.now())
		if err := o.records.Insert(&rec); err != nil {
			return err
		}
		accepted++
		o.acceptRecord(&rec)
	}

	o.mutate(func(s *State) {
		s.Tasks[idx].Status = queue.TaskDone
		s.Tasks[idx].CompletedAt = o.now()
		s.Tasks[idx].Performance = queue.Performance{
			ResultCount:   len(candidates),
			AcceptedCount: accepted,
			ObservedCost:  out.Cost,
		}
		s.Metrics.Discovered += len(candidates)
		s.advanceCursor()
	})
	return nil
}

// acceptRecord updates metrics for one persisted record and checkpoints
// every checkpoint-interval acceptances.
func (o *Orchestrator) acceptRecord(rec *record.Directory) {
	var due bool
	o.mutate(func(s *State) {
		s.Metrics.Accepted++
		s.Metrics.AcceptedToday++
		o.sinceCkpt++
		if o.sinceCkpt >= o.cfg.Campaign.CheckpointInterval {
			o.sinceCkpt = 0
			due = true
		}
	})
	o.emit("accepted", "accepted %s (%s)", rec.DisplayName, rec.InternalID)
	if due {
		if _, err := o.checkpointNow(); err != nil {
			logging.Campaign("Interval checkpoint failed: %v", err)
		}
	}
}

// enrichStage drains enrich-pending records in fixed-size batches, one
// collaborator call per batch.
func (o *Orchestrator) enrichStage(ctx context.Context) error {
	batchSize := o.cfg.Phases.Enrich.BatchSize

	for {
		if !o.pausePoint(ctx) {
			return nil
		}
		batch, err := o.records.ListByEnrichment(record.EnrichPending, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		out := o.enrich.Run(ctx, batch)
		if out.Err == nil && out.Produced == 0 {
			// Store writes failed for the whole batch; retrying in a tight
			// loop will not help.
			return fmt.Errorf("enrichment results could not be stored")
		}
		if out.Err != nil {
			var be *phase.BudgetError
			if errors.As(out.Err, &be) {
				if be.Reason == budget.ReasonLifetimeCap {
					return out.Err
				}
				logging.Campaign("Enrichment deferred: daily budget exhausted")
				o.dayExhausted.Store(true)
				return nil
			}
			// Executor already marked the batch failed; keep draining.
			o.mutate(func(s *State) { s.Metrics.EnrichFailed += len(batch) })
			continue
		}
		o.mutate(func(s *State) { s.Metrics.Enriched += out.Produced })
	}
}

// publishStage pushes enriched records into the live directory through a
// bounded worker pool, batch by batch.
func (o *Orchestrator) publishStage(ctx context.Context) error {
	var fatal error
	var fatalOnce sync.Once

	for {
		if !o.pausePoint(ctx) {
			return nil
		}

		// A search or enrich daily cap earlier in the cycle does not stop
		// publishing; only the publish cap itself does.
		batch, err := o.records.ListReadyToPublish(o.cfg.Phases.Publish.MaxConcurrent)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		var publishExhausted atomic.Bool
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.Phases.Publish.MaxConcurrent)
		for _, rec := range batch {
			rec := rec
			g.Go(func() error {
				out := o.publish.Run(gctx, rec)
				if out.Err == nil {
					o.mutate(func(s *State) { s.Metrics.Published++ })
					return nil
				}
				var be *phase.BudgetError
				if errors.As(out.Err, &be) {
					if be.Reason == budget.ReasonLifetimeCap {
						fatalOnce.Do(func() { fatal = out.Err })
						return out.Err
					}
					publishExhausted.Store(true)
					return nil
				}
				o.mutate(func(s *State) { s.Metrics.PublishFailed++ })
				return nil
			})
		}
		g.Wait()

		if fatal != nil {
			return fatal
		}
		if publishExhausted.Load() {
			logging.Campaign("Publishing deferred: daily budget exhausted")
			return nil
		}
	}
}

// settle decides the end-of-cycle status: completed when enough records
// are live and the budget never hit a lifetime wall, otherwise paused
// until the next cycle.
func (o *Orchestrator) settle() error {
	lifetimeDenied := o.ledger.LifetimeExhausted(budget.ServiceSearch) ||
		o.ledger.LifetimeExhausted(budget.ServiceEnrich) ||
		o.ledger.LifetimeExhausted(budget.ServicePublish)

	o.mu.Lock()
	published := o.state.Metrics.Published
	target := o.state.TotalTarget
	o.mu.Unlock()

	if published >= target {
		if lifetimeDenied {
			// Target met on paper but the ledger is pinned: unfinished
			// records can never move again, so this is not a completion.
			return o.abort(fmt.Errorf("%w: lifetime budget exhausted", phase.ErrBudgetExceeded))
		}
		o.mutate(func(s *State) { s.Status = StatusCompleted })
		o.emit("status", "campaign completed: %d published", published)
		logging.Campaign("Campaign completed with %d published records", published)
		_, err := o.checkpointNow()
		return err
	}

	if lifetimeDenied {
		return o.abort(fmt.Errorf("%w: lifetime budget exhausted", phase.ErrBudgetExceeded))
	}

	o.mutate(func(s *State) {
		if s.Status == StatusActive {
			s.Status = StatusPaused
		}
	})
	o.emit("status", "cycle finished, campaign paused")
	logging.Campaign("Cycle finished: %d/%d published, pausing until next run", published, target)
	_, err := o.checkpointNow()
	return err
}

// pausePoint is called at task boundaries. It handles cancellation and
// pause requests: on cancellation it pauses and reports false (exit the
// loop); on a pause request it pauses, then blocks until a resume or
// cancellation arrives. In-flight collaborator calls have already
// finished by the time this runs.
func (o *Orchestrator) pausePoint(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		o.enterPause()
		return false
	case <-o.pauseReq:
		o.enterPause()
		select {
		case <-ctx.Done():
			return false
		case <-o.resume:
			o.mutate(func(s *State) {
				if s.Status == StatusPaused {
					s.Status = StatusActive
				}
			})
			o.emit("status", "campaign resumed")
			logging.Campaign("Campaign resumed")
			return true
		}
	default:
		return true
	}
}

// enterPause transitions to paused and forces a checkpoint so no accepted
// work is lost.
func (o *Orchestrator) enterPause() {
	o.mutate(func(s *State) {
		if s.Status == StatusActive {
			s.Status = StatusPaused
		}
	})
	if _, err := o.checkpointNow(); err != nil {
		logging.Campaign("Pause checkpoint failed: %v", err)
	}
	o.emit("status", "campaign paused")
	logging.Campaign("Campaign paused")
}

// abort records the fatal reason, checkpoints, and wraps the cause.
func (o *Orchestrator) abort(cause error) error {
	o.mutate(func(s *State) {
		s.Status = StatusAborted
		s.LastError = cause.Error()
	})
	if _, err := o.checkpointNow(); err != nil {
		logging.Campaign("Abort checkpoint failed: %v", err)
	}
	o.emit("status", "campaign aborted: %v", cause)
	logging.CampaignError("Campaign aborted: %v", cause)
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}

// requeueTask returns a claimed task to pending.
func (o *Orchestrator) requeueTask(idx int) {
	o.mutate(func(s *State) {
		if s.Tasks[idx].Status == queue.TaskRunning {
			s.Tasks[idx].Status = queue.TaskPending
		}
	})
}

// checkpointNow snapshots state plus ledger and writes it durably.
func (o *Orchestrator) checkpointNow() (string, error) {
	o.mu.Lock()
	snap := o.state.snapshot()
	o.mu.Unlock()
	snap.Budget = o.ledger.Export()

	id, err := o.ckpts.Save(snap)
	if err != nil {
		return "", err
	}
	o.emit("checkpoint", "checkpoint %s", id)
	return id, nil
}
