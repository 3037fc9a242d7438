// Package report renders campaign progress for the operator. It is a
// read-only sink: it formats snapshots handed to it and never reaches
// back into the pipeline.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"dirforge/internal/budget"
	"dirforge/internal/campaign"
	"dirforge/internal/logging"
	"dirforge/internal/queue"
	"dirforge/internal/store"
)

// ServiceBudgetLine is one service's budget position.
type ServiceBudgetLine struct {
	Service        budget.Service
	DailyRemaining float64
	LifetimeSpent  float64
	LifetimeCap    float64
}

// Status is everything the status command shows.
type Status struct {
	State          *campaign.State
	Counts         store.Counts
	Budgets        []ServiceBudgetLine
	LastCheckpoint string
	CheckpointAge  time.Duration
}

// Render writes the status report as plain text.
func Render(w io.Writer, s Status) {
	st := s.State

	fmt.Fprintf(w, "Campaign:  %s (%s)\n", st.Name, st.ID)
	fmt.Fprintf(w, "Status:    %s\n", strings.TrimPrefix(string(st.Status), "/"))
	fmt.Fprintf(w, "Progress:  %d/%d published (%d accepted, %d duplicates skipped)\n",
		st.Metrics.Published, st.TotalTarget, st.Metrics.Accepted, st.Metrics.DuplicateSkips)
	fmt.Fprintf(w, "Today:     %d/%d accepted (%s)\n",
		st.Metrics.AcceptedToday, st.DailyTarget, st.Metrics.Day)

	done, failed, pending := taskTotals(st)
	fmt.Fprintf(w, "Queue:     %d done, %d failed, %d pending of %d tasks (cursor %d)\n",
		done, failed, pending, len(st.Tasks), st.Cursor)

	fmt.Fprintf(w, "Records:   %d total, %d enriched, %d enrich-failed, %d published, %d sync-failed\n",
		s.Counts.Total, s.Counts.EnrichDone, s.Counts.EnrichFailed, s.Counts.Published, s.Counts.PublishFailed)

	fmt.Fprintln(w, "Budgets:")
	for _, b := range s.Budgets {
		fmt.Fprintf(w, "  %-8s daily remaining %.2f, lifetime %.2f/%.2f\n",
			b.Service, b.DailyRemaining, b.LifetimeSpent, b.LifetimeCap)
	}

	if s.LastCheckpoint != "" {
		fmt.Fprintf(w, "Checkpoint: %s (%s ago)\n", s.LastCheckpoint, s.CheckpointAge.Round(time.Second))
	} else {
		fmt.Fprintln(w, "Checkpoint: none")
	}

	if st.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", st.LastError)
	}
}

func taskTotals(st *campaign.State) (done, failed, pending int) {
	for _, t := range st.Tasks {
		switch t.Status {
		case queue.TaskDone:
			done++
		case queue.TaskFailed:
			failed++
		case queue.TaskPending:
			pending++
		}
	}
	return
}

// BudgetWarning is the ledger's threshold callback: it logs the warning
// and nothing else. Warnings are advisory; denials are what actually stop
// work.
func BudgetWarning(service budget.Service, capName string, spent, limit float64) {
	logging.Get(logging.CategoryReport).Warn("%s %s budget at %.0f%% (%.2f of %.2f)",
		service, capName, 100*spent/limit, spent, limit)
}
