// Package queue builds the ordered, prioritized backlog of search tasks for
// a campaign. The queue is built once at campaign initialization and is
// append-only afterward; the orchestrator advances a cursor through it.
package queue

import (
	"fmt"
	"strings"
	"time"

	"dirforge/internal/logging"
	"dirforge/internal/taxonomy"
)

// TaskStatus represents the lifecycle state of a query task.
type TaskStatus string

const (
	TaskPending TaskStatus = "/pending"
	TaskRunning TaskStatus = "/running"
	TaskDone    TaskStatus = "/done"
	TaskFailed  TaskStatus = "/failed"
)

// Strategy is one query-template tier. Lower Tier numbers are emitted (and
// therefore dispatched) first.
type Strategy struct {
	Tag      string
	Tier     int
	Template string // uses {category} and {location} placeholders
}

// DefaultStrategies orders direct-qualifier templates before broader
// discovery templates. Within a tier, ordering is lexical by location then
// category, so the queue is deterministic and reproducible.
var DefaultStrategies = []Strategy{
	{Tag: "direct", Tier: 1, Template: "{category} services in {location}"},
	{Tag: "broad", Tier: 2, Template: "best {category} companies near {location}"},
}

// Performance captures per-task outcome counters.
type Performance struct {
	ResultCount   int     `json:"result_count"`
	AcceptedCount int     `json:"accepted_count"` // post-dedup
	ObservedCost  float64 `json:"observed_cost"`
}

// Task is one unit of search work. Created once by Build; its status
// transitions pending -> running -> done/failed inside the search executor
// under the orchestrator's supervision. Tasks are never deleted.
type Task struct {
	ID          string      `json:"id"`
	Query       string      `json:"query"`
	LocationTag string      `json:"location_tag"`
	CategoryTag string      `json:"category_tag"`
	StrategyTag string      `json:"strategy_tag"`
	Priority    int         `json:"priority"` // lower = sooner
	Status      TaskStatus  `json:"status"`
	Performance Performance `json:"performance"`

	LastError   string    `json:"last_error,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Build validates the selections against the master lists and expands them
// into the ordered task backlog: every (location, category) pair crossed
// with every strategy, tier 1 before tier 2, stable lexical order inside a
// tier. Identical inputs always produce the identical ordered sequence.
func Build(locations, categories []string, strategies []Strategy) ([]Task, error) {
	timer := logging.StartTimer(logging.CategoryQueue, "Build")
	defer timer.Stop()

	locs, cats, err := taxonomy.ValidateSelection(locations, categories)
	if err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}

	maxTier := 0
	for _, s := range strategies {
		if s.Tier > maxTier {
			maxTier = s.Tier
		}
	}

	var tasks []Task
	seq := 0
	// Emit tier by tier so every tier-1 task precedes every tier-2 task.
	for tier := 1; tier <= maxTier; tier++ {
		for _, loc := range locs {
			for _, cat := range cats {
				for _, s := range strategies {
					if s.Tier != tier {
						continue
					}
					seq++
					tasks = append(tasks, Task{
						ID:          fmt.Sprintf("q-%04d", seq),
						Query:       Render(s.Template, loc, cat),
						LocationTag: loc,
						CategoryTag: cat,
						StrategyTag: s.Tag,
						Priority:    tier,
						Status:      TaskPending,
					})
				}
			}
		}
	}

	logging.Queue("Built query queue: %d tasks (%d locations x %d categories x %d strategies)",
		len(tasks), len(locs), len(cats), len(strategies))

	return tasks, nil
}

// Render resolves a strategy template against a location and category.
func Render(template, locationTag, categoryTag string) string {
	q := strings.ReplaceAll(template, "{category}", strings.ReplaceAll(categoryTag, "-", " "))
	q = strings.ReplaceAll(q, "{location}", taxonomy.DisplayLocation(locationTag))
	return q
}
