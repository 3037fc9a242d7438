// Package checkpoint persists periodic campaign snapshots as versioned JSON
// documents under the workspace dot-directory. Recovery resumes from the
// most recent readable snapshot; work in flight at snapshot time is re-run,
// giving at-least-once semantics for external calls.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"dirforge/internal/budget"
	"dirforge/internal/logging"
	"dirforge/internal/queue"
)

// SnapshotVersion is bumped whenever the document layout changes shape in a
// way additive JSON decoding cannot absorb.
const SnapshotVersion = 1

// Latest is the pseudo-ID accepted by Load to mean the newest snapshot.
const Latest = "latest"

// Metrics is the cumulative progress block carried in every snapshot.
type Metrics struct {
	Discovered     int    `json:"discovered"`
	Accepted       int    `json:"accepted"`
	DuplicateSkips int    `json:"duplicate_skips"`
	Enriched       int    `json:"enriched"`
	EnrichFailed   int    `json:"enrich_failed"`
	Published      int    `json:"published"`
	PublishFailed  int    `json:"publish_failed"`
	AcceptedToday  int    `json:"accepted_today"`
	Day            string `json:"day,omitempty"`
}

// Snapshot is one durable recovery point.
type Snapshot struct {
	Version    int          `json:"version"`
	ID         string       `json:"id"`
	CreatedAt  time.Time    `json:"created_at"`
	CampaignID string       `json:"campaign_id"`
	Status     string       `json:"status"`
	Cursor     int          `json:"cursor"`
	Tasks      []queue.Task `json:"tasks"`
	Metrics    Metrics      `json:"metrics"`
	Budget     budget.State `json:"budget"`
	LastError  string       `json:"last_error,omitempty"`
}

// Store writes and reads snapshots for one workspace. Saves are atomic
// (temp file then rename) so a crash mid-write never corrupts the newest
// recovery point.
type Store struct {
	dir  string
	kept int
	now  func() time.Time
}

// NewStore opens (creating if needed) the checkpoint directory for a
// workspace. kept is the retention window; older snapshots are pruned
// after each save.
func NewStore(workspace string, kept int) (*Store, error) {
	dir := filepath.Join(workspace, ".dirforge", "checkpoints")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if kept < 1 {
		kept = 1
	}
	return &Store{dir: dir, kept: kept, now: time.Now}, nil
}

// SetClock replaces the time source (tests).
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Save assigns the snapshot an ID, writes it atomically, and prunes old
// snapshots past the retention window. Returns the assigned ID.
func (s *Store) Save(snap *Snapshot) (string, error) {
	ts := s.now().UTC()
	// Timestamp prefix keeps lexical order equal to creation order; the
	// uuid suffix disambiguates snapshots taken within the same second.
	snap.ID = fmt.Sprintf("cp-%s-%s", ts.Format("20060102T150405Z"), uuid.New().String()[:8])
	snap.CreatedAt = ts
	snap.Version = SnapshotVersion

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	final := filepath.Join(s.dir, snap.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize checkpoint: %w", err)
	}

	logging.Checkpoint("Saved checkpoint %s (accepted=%d published=%d)",
		snap.ID, snap.Metrics.Accepted, snap.Metrics.Published)

	if err := s.prune(); err != nil {
		logging.Checkpoint("Prune after save failed: %v", err)
	}
	return snap.ID, nil
}

// Load reads one snapshot by ID, or the newest readable one for Latest.
// Tasks that were running at snapshot time come back pending, so the work
// is retried rather than silently lost.
func (s *Store) Load(id string) (*Snapshot, error) {
	if id == Latest || id == "" {
		return s.loadLatest()
	}
	snap, err := s.read(filepath.Join(s.dir, id+".json"))
	if err != nil {
		return nil, err
	}
	normalize(snap)
	return snap, nil
}

// List returns all snapshot IDs, newest first.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "cp-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// loadLatest walks snapshots newest first, skipping unreadable or
// truncated files rather than failing recovery outright.
func (s *Store) loadLatest() (*Snapshot, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		snap, err := s.read(filepath.Join(s.dir, id+".json"))
		if err != nil {
			logging.Checkpoint("Skipping unreadable checkpoint %s: %v", id, err)
			continue
		}
		normalize(snap)
		return snap, nil
	}
	return nil, fmt.Errorf("no readable checkpoint found in %s", s.dir)
}

func (s *Store) read(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("checkpoint version %d is newer than supported %d", snap.Version, SnapshotVersion)
	}
	return &snap, nil
}

// normalize reverts in-flight work to pending. A task observed running in a
// snapshot never completed from the snapshot's point of view.
func normalize(snap *Snapshot) {
	for i := range snap.Tasks {
		if snap.Tasks[i].Status == queue.TaskRunning {
			snap.Tasks[i].Status = queue.TaskPending
		}
	}
}

// prune removes snapshots beyond the retention window, oldest first.
func (s *Store) prune() error {
	ids, err := s.List()
	if err != nil {
		return err
	}
	for _, id := range ids[min(len(ids), s.kept):] {
		path := filepath.Join(s.dir, id+".json")
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to prune checkpoint %s: %w", id, err)
		}
		logging.CheckpointDebug("Pruned checkpoint %s", id)
	}
	return nil
}
