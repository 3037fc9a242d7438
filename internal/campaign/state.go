// Package campaign drives the whole collection pipeline: it owns the
// campaign state machine, pulls query tasks through the search, enrich,
// and publish phases in order, checkpoints progress, and stops or pauses
// cleanly. All state mutations flow through the orchestrator's serialized
// mutation path; readers get snapshot copies.
package campaign

import (
	"fmt"
	"time"

	"dirforge/internal/checkpoint"
	"dirforge/internal/queue"
)

// Status is the campaign lifecycle state.
type Status string

const (
	StatusUninitialized Status = "/uninitialized"
	StatusActive        Status = "/active"
	StatusPaused        Status = "/paused"
	StatusCompleted     Status = "/completed"
	StatusAborted       Status = "/aborted"
)

// validTransitions is the full transition relation. Completed and aborted
// are terminal.
var validTransitions = map[Status][]Status{
	StatusUninitialized: {StatusActive},
	StatusActive:        {StatusPaused, StatusCompleted, StatusAborted},
	StatusPaused:        {StatusActive, StatusAborted},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// State is the root aggregate for one campaign. It is only ever mutated
// inside the orchestrator; everything handed out is a copy.
type State struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`

	TotalTarget int `json:"total_target"`
	DailyTarget int `json:"daily_target"`

	// Tasks is the full query queue in dispatch order. Cursor counts tasks
	// that reached a terminal status; it only moves forward.
	Tasks  []queue.Task `json:"tasks"`
	Cursor int          `json:"cursor"`

	Metrics   checkpoint.Metrics `json:"metrics"`
	LastError string             `json:"last_error,omitempty"`
}

// transition applies a status change, enforcing the transition relation.
func (s *State) transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("invalid campaign transition %s -> %s", s.Status, to)
	}
	s.Status = to
	return nil
}

// pendingTasks returns indexes of dispatchable tasks in queue order.
func (s *State) pendingTasks() []int {
	var out []int
	for i := range s.Tasks {
		if s.Tasks[i].Status == queue.TaskPending {
			out = append(out, i)
		}
	}
	return out
}

// advanceCursor moves the cursor past the leading run of terminal tasks.
func (s *State) advanceCursor() {
	for s.Cursor < len(s.Tasks) {
		st := s.Tasks[s.Cursor].Status
		if st != queue.TaskDone && st != queue.TaskFailed {
			break
		}
		s.Cursor++
	}
}

// clone returns a deep copy safe to hand outside the orchestrator.
func (s *State) clone() *State {
	cp := *s
	cp.Tasks = make([]queue.Task, len(s.Tasks))
	copy(cp.Tasks, s.Tasks)
	return &cp
}

// snapshot converts the state into a checkpoint document.
func (s *State) snapshot() *checkpoint.Snapshot {
	cp := s.clone()
	return &checkpoint.Snapshot{
		CampaignID: cp.ID,
		Status:     string(cp.Status),
		Cursor:     cp.Cursor,
		Tasks:      cp.Tasks,
		Metrics:    cp.Metrics,
		LastError:  cp.LastError,
	}
}

// Checkpoint converts the state into a checkpoint document. The caller
// attaches the budget ledger position before saving.
func (s *State) Checkpoint() *checkpoint.Snapshot { return s.snapshot() }

// FromSnapshot rebuilds campaign state from a checkpoint document. A
// campaign observed active in a snapshot resumes paused; the operator (or
// the run command) reactivates it explicitly.
func FromSnapshot(snap *checkpoint.Snapshot, name string, totalTarget, dailyTarget int) *State {
	st := &State{
		ID:          snap.CampaignID,
		Name:        name,
		Status:      Status(snap.Status),
		TotalTarget: totalTarget,
		DailyTarget: dailyTarget,
		Tasks:       snap.Tasks,
		Cursor:      snap.Cursor,
		Metrics:     snap.Metrics,
		LastError:   snap.LastError,
	}
	if st.Status == StatusActive {
		st.Status = StatusPaused
	}
	return st
}
