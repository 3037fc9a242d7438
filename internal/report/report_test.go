package report

import (
	"strings"
	"testing"
	"time"

	"dirforge/internal/budget"
	"dirforge/internal/campaign"
	"dirforge/internal/checkpoint"
	"dirforge/internal/queue"
	"dirforge/internal/store"
)

func TestRender(t *testing.T) {
	st := &campaign.State{
		ID:          "11111111-2222-3333-4444-555555555555",
		Name:        "austin-trades",
		Status:      campaign.StatusPaused,
		TotalTarget: 5000,
		DailyTarget: 150,
		Tasks: []queue.Task{
			{ID: "q-0001", Status: queue.TaskDone},
			{ID: "q-0002", Status: queue.TaskFailed},
			{ID: "q-0003", Status: queue.TaskPending},
		},
		Cursor: 2,
		Metrics: checkpoint.Metrics{
			Accepted: 120, Published: 100, DuplicateSkips: 30,
			AcceptedToday: 20, Day: "2026-03-10",
		},
		LastError: "",
	}

	var b strings.Builder
	Render(&b, Status{
		State:  st,
		Counts: store.Counts{Total: 120, EnrichDone: 110, Published: 100, PublishFailed: 2},
		Budgets: []ServiceBudgetLine{
			{Service: budget.ServiceSearch, DailyRemaining: 40, LifetimeSpent: 210.5, LifetimeCap: 1000},
		},
		LastCheckpoint: "cp-20260310T090000Z-abcd1234",
		CheckpointAge:  90 * time.Second,
	})
	out := b.String()

	for _, want := range []string{
		"austin-trades",
		"Status:    paused",
		"100/5000 published",
		"20/150 accepted",
		"1 done, 1 failed, 1 pending of 3 tasks",
		"daily remaining 40.00",
		"cp-20260310T090000Z-abcd1234",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Last error") {
		t.Error("no error line expected when LastError is empty")
	}
}

func TestRenderShowsLastError(t *testing.T) {
	st := &campaign.State{
		Name:      "austin-trades",
		Status:    campaign.StatusAborted,
		Metrics:   checkpoint.Metrics{Day: "2026-03-10"},
		LastError: "campaign aborted: budget exceeded for enrich (/lifetime_cap)",
	}

	var b strings.Builder
	Render(&b, Status{State: st})
	if !strings.Contains(b.String(), "Last error: campaign aborted") {
		t.Errorf("expected last error line:\n%s", b.String())
	}
	if !strings.Contains(b.String(), "Checkpoint: none") {
		t.Errorf("expected checkpoint none line:\n%s", b.String())
	}
}
