package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dirforge/internal/record"
)

func openTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id, name string) *record.Directory {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	return &record.Directory{
		InternalID:     id,
		Name:           record.NormalizeName(name),
		Phone:          "5125551234",
		Address:        "42 oak st",
		DisplayName:    name,
		DisplayAddress: "42 Oak Street",
		SourceID:       "ext-" + id,
		LocationTag:    "austin-tx",
		CategoryTag:    "plumbing",
		Enrichment:     record.EnrichPending,
		Publish:        record.PublishUnsynced,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)

	rec := sampleRecord("r-1", "Joe's Plumbing, LLC")
	if err := s.Insert(rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := s.Get("r-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "joes plumbing" {
		t.Errorf("expected normalized name preserved, got %q", got.Name)
	}
	if got.Enrichment != record.EnrichPending || got.Publish != record.PublishUnsynced {
		t.Errorf("unexpected initial statuses: %s %s", got.Enrichment, got.Publish)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByIdentity(t *testing.T) {
	s := openTestStore(t)

	rec := sampleRecord("r-1", "Joe's Plumbing")
	if err := s.Insert(rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Phone match alone should surface the record.
	got, err := s.FindByIdentity("different name", "5125551234", "elsewhere")
	if err != nil {
		t.Fatalf("FindByIdentity failed: %v", err)
	}
	if len(got) != 1 || got[0].InternalID != "r-1" {
		t.Fatalf("expected phone match on r-1, got %v", got)
	}

	// Empty phone and address must not match records with empty fields.
	blank := sampleRecord("r-2", "Blank Contact Co")
	blank.Phone = ""
	blank.Address = ""
	if err := s.Insert(blank); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	got, err = s.FindByIdentity("no such name", "", "")
	if err != nil {
		t.Fatalf("FindByIdentity failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty signals must match nothing, got %v", got)
	}
}

func TestUpdateEnrichmentAndPublish(t *testing.T) {
	s := openTestStore(t)

	rec := sampleRecord("r-1", "Joe's Plumbing")
	if err := s.Insert(rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := s.UpdateEnrichment("r-1", record.EnrichDone, "Trusted local plumber."); err != nil {
		t.Fatalf("UpdateEnrichment failed: %v", err)
	}
	if err := s.UpdatePublish("r-1", record.PublishSynced, "pub-789"); err != nil {
		t.Fatalf("UpdatePublish failed: %v", err)
	}

	got, err := s.Get("r-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Enrichment != record.EnrichDone || got.EnrichedText != "Trusted local plumber." {
		t.Errorf("enrichment not persisted: %s %q", got.Enrichment, got.EnrichedText)
	}
	if got.Publish != record.PublishSynced || got.ExternalPublishRef != "pub-789" {
		t.Errorf("publish not persisted: %s %q", got.Publish, got.ExternalPublishRef)
	}
	// Identity fields stay untouched by status updates.
	if got.Name != "joes plumbing" || got.Phone != "5125551234" {
		t.Errorf("identity fields changed: %q %q", got.Name, got.Phone)
	}

	if err := s.UpdateEnrichment("missing", record.EnrichDone, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing record, got %v", err)
	}
}

func TestUpdateCategory(t *testing.T) {
	s := openTestStore(t)

	rec := sampleRecord("r-1", "Joe's Plumbing")
	if err := s.Insert(rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := s.UpdateCategory("r-1", "general-services", true); err != nil {
		t.Fatalf("UpdateCategory failed: %v", err)
	}

	got, err := s.Get("r-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CategoryTag != "general-services" || !got.CategoryReview {
		t.Errorf("category update not persisted: %q review=%v", got.CategoryTag, got.CategoryReview)
	}
	if got.Name != "joes plumbing" {
		t.Errorf("identity fields changed: %q", got.Name)
	}

	if err := s.UpdateCategory("r-1", "pest-control", false); err != nil {
		t.Fatalf("UpdateCategory failed: %v", err)
	}
	got, err = s.Get("r-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CategoryTag != "pest-control" || got.CategoryReview {
		t.Errorf("review flag must clear on a resolved category: %q review=%v", got.CategoryTag, got.CategoryReview)
	}

	if err := s.UpdateCategory("missing", "plumbing", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing record, got %v", err)
	}
}

func TestListByStatusDrainsInInsertionOrder(t *testing.T) {
	s := openTestStore(t)

	for i, name := range []string{"Alpha Plumbing", "Beta Plumbing", "Gamma Plumbing"} {
		rec := sampleRecord(string(rune('a'+i)), name)
		rec.Phone = ""
		rec.Address = ""
		rec.CreatedAt = rec.CreatedAt.Add(time.Duration(i) * time.Minute)
		if err := s.Insert(rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := s.ListByEnrichment(record.EnrichPending, 2)
	if err != nil {
		t.Fatalf("ListByEnrichment failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(got))
	}
	if got[0].Name != "alpha plumbing" || got[1].Name != "beta plumbing" {
		t.Errorf("expected oldest-first order, got %q then %q", got[0].Name, got[1].Name)
	}
}

func TestCount(t *testing.T) {
	s := openTestStore(t)

	c, err := s.Count()
	if err != nil {
		t.Fatalf("Count on empty store failed: %v", err)
	}
	if c.Total != 0 {
		t.Errorf("expected empty store, got %+v", c)
	}

	a := sampleRecord("r-1", "Alpha Plumbing")
	b := sampleRecord("r-2", "Beta Plumbing")
	b.Phone = "5125559999"
	b.Address = "7 pine ave"
	for _, rec := range []*record.Directory{a, b} {
		if err := s.Insert(rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := s.UpdateEnrichment("r-1", record.EnrichDone, "text"); err != nil {
		t.Fatalf("UpdateEnrichment failed: %v", err)
	}
	if err := s.UpdatePublish("r-1", record.PublishSynced, "pub-1"); err != nil {
		t.Fatalf("UpdatePublish failed: %v", err)
	}

	c, err = s.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if c.Total != 2 || c.EnrichDone != 1 || c.EnrichPending != 1 || c.Published != 1 || c.PublishPending != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".dirforge", "records.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.Insert(sampleRecord("r-1", "Joe's Plumbing")); err != nil {
		t.Fatalf("Insert on fresh database failed: %v", err)
	}
}

func TestMigrationsUpgradeOldSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")

	// Build a database predating enriched_text and external_publish_ref.
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := s.db.Exec(`DROP TABLE directory_records`); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	old := `CREATE TABLE directory_records (
		internal_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL,
		display_address TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL DEFAULT '',
		location_tag TEXT NOT NULL,
		category_tag TEXT NOT NULL,
		enrichment_status TEXT NOT NULL DEFAULT '/pending',
		publish_status TEXT NOT NULL DEFAULT '/unsynced',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`
	if _, err := s.db.Exec(old); err != nil {
		t.Fatalf("old schema failed: %v", err)
	}
	s.Close()

	// Reopening runs the additive migrations.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if !columnExists(s2.db, "directory_records", "enriched_text") {
		t.Error("expected enriched_text column after migration")
	}
	if !columnExists(s2.db, "directory_records", "external_publish_ref") {
		t.Error("expected external_publish_ref column after migration")
	}
	if !columnExists(s2.db, "directory_records", "category_review") {
		t.Error("expected category_review column after migration")
	}
	if err := s2.Insert(sampleRecord("r-1", "Joe's Plumbing")); err != nil {
		t.Errorf("Insert after migration failed: %v", err)
	}
}
