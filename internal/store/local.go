// Package store persists directory records in a local SQLite database under
// the workspace dot-directory. The local store is the ground truth for
// dedup checks and for resumable campaign progress.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dirforge/internal/logging"
	"dirforge/internal/record"
)

// ErrUnavailable wraps database errors so callers can classify a store
// outage as fatal without inspecting driver error strings.
var ErrUnavailable = errors.New("record store unavailable")

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// LocalStore is the SQLite-backed record store. database/sql serializes
// access through a single connection; SQLite handles the durability.
type LocalStore struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the record database at path. The parent
// directory is created on demand so a fresh workspace works out of the box.
func Open(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: failed to create database directory: %v", ErrUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Single connection: SQLite only allows one writer anyway, and this
	// avoids SQLITE_BUSY churn between phase workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &LocalStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Opened record store at %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LocalStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS directory_records (
		internal_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL,
		display_address TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL DEFAULT '',
		location_tag TEXT NOT NULL,
		category_tag TEXT NOT NULL,
		category_review INTEGER NOT NULL DEFAULT 0,
		enrichment_status TEXT NOT NULL DEFAULT '/pending',
		enriched_text TEXT NOT NULL DEFAULT '',
		publish_status TEXT NOT NULL DEFAULT '/unsynced',
		external_publish_ref TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_name ON directory_records(name);
	CREATE INDEX IF NOT EXISTS idx_records_phone ON directory_records(phone);
	CREATE INDEX IF NOT EXISTS idx_records_address ON directory_records(address);
	CREATE INDEX IF NOT EXISTS idx_records_enrichment ON directory_records(enrichment_status);
	CREATE INDEX IF NOT EXISTS idx_records_publish ON directory_records(publish_status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: failed to initialize schema: %v", ErrUnavailable, err)
	}
	return nil
}

const recordColumns = `internal_id, name, phone, address,
	display_name, display_address, source_id, location_tag, category_tag, category_review,
	enrichment_status, enriched_text, publish_status, external_publish_ref, created_at, updated_at`

// Insert stores a new directory record. Identity fields are written once
// here and never touched by later updates.
func (s *LocalStore) Insert(rec *record.Directory) error {
	query := `INSERT INTO directory_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query,
		rec.InternalID, rec.Name, rec.Phone, rec.Address,
		rec.DisplayName, rec.DisplayAddress, rec.SourceID,
		rec.LocationTag, rec.CategoryTag, rec.CategoryReview,
		string(rec.Enrichment), rec.EnrichedText,
		string(rec.Publish), rec.ExternalPublishRef,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		logging.StoreError("Insert failed for %s: %v", rec.InternalID, err)
		return fmt.Errorf("%w: insert: %v", ErrUnavailable, err)
	}
	logging.StoreDebug("Inserted record %s (%s)", rec.InternalID, rec.Name)
	return nil
}

// Get returns one record by internal ID.
func (s *LocalStore) Get(internalID string) (*record.Directory, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM directory_records WHERE internal_id = ?`, internalID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	return rec, nil
}

// FindByIdentity returns records matching any of the three normalized
// identity signals. Empty phone and address signals match nothing.
func (s *LocalStore) FindByIdentity(name, phone, address string) ([]*record.Directory, error) {
	query := `SELECT ` + recordColumns + ` FROM directory_records
		WHERE name = ?
		   OR (phone != '' AND phone = ?)
		   OR (address != '' AND address = ?)`

	rows, err := s.db.Query(query, name, phone, address)
	if err != nil {
		return nil, fmt.Errorf("%w: identity lookup: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*record.Directory
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: identity scan: %v", ErrUnavailable, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: identity rows: %v", ErrUnavailable, err)
	}
	return out, nil
}

// ListByEnrichment returns up to limit records in the given enrichment
// state, oldest first, so batches drain in insertion order.
func (s *LocalStore) ListByEnrichment(status record.EnrichmentStatus, limit int) ([]*record.Directory, error) {
	return s.list(`enrichment_status = ?`, limit, string(status))
}

// ListByPublish returns up to limit records in the given publish state,
// oldest first.
func (s *LocalStore) ListByPublish(status record.PublishStatus, limit int) ([]*record.Directory, error) {
	return s.list(`publish_status = ?`, limit, string(status))
}

// ListReadyToPublish returns up to limit enriched records that have not
// landed in the live directory yet. Failed syncs are excluded until a new
// cycle resets them, so one bad record cannot spin the publish loop.
func (s *LocalStore) ListReadyToPublish(limit int) ([]*record.Directory, error) {
	return s.list(`enrichment_status = ? AND publish_status = ?`, limit,
		string(record.EnrichDone), string(record.PublishUnsynced))
}

// ResetFailedSyncs returns sync-failed records to unsynced so the next
// cycle retries them. Returns the number of records reset.
func (s *LocalStore) ResetFailedSyncs() (int, error) {
	res, err := s.db.Exec(`UPDATE directory_records
		SET publish_status = ?, updated_at = ?
		WHERE publish_status = ?`,
		string(record.PublishUnsynced), time.Now(), string(record.PublishSyncFailed))
	if err != nil {
		return 0, fmt.Errorf("%w: reset failed syncs: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Reset %d sync-failed records for retry", n)
	}
	return int(n), nil
}

func (s *LocalStore) list(where string, limit int, args ...interface{}) ([]*record.Directory, error) {
	query := `SELECT ` + recordColumns + ` FROM directory_records WHERE ` + where + `
		ORDER BY created_at ASC, internal_id ASC LIMIT ?`
	rows, err := s.db.Query(query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*record.Directory
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: list scan: %v", ErrUnavailable, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateEnrichment updates a record's enrichment outcome. Identity fields
// are immutable after insert.
func (s *LocalStore) UpdateEnrichment(internalID string, status record.EnrichmentStatus, text string) error {
	return s.update(`UPDATE directory_records
		SET enrichment_status = ?, enriched_text = ?, updated_at = ?
		WHERE internal_id = ?`, string(status), text, time.Now(), internalID)
}

// UpdateCategory replaces a record's category with the master-list value
// resolved during enrichment. needsReview marks records whose collaborator
// category fell back to the default and deserves a manual look.
func (s *LocalStore) UpdateCategory(internalID, category string, needsReview bool) error {
	return s.update(`UPDATE directory_records
		SET category_tag = ?, category_review = ?, updated_at = ?
		WHERE internal_id = ?`, category, needsReview, time.Now(), internalID)
}

// UpdatePublish updates a record's publish outcome and external reference.
func (s *LocalStore) UpdatePublish(internalID string, status record.PublishStatus, externalRef string) error {
	return s.update(`UPDATE directory_records
		SET publish_status = ?, external_publish_ref = ?, updated_at = ?
		WHERE internal_id = ?`, string(status), externalRef, time.Now(), internalID)
}

func (s *LocalStore) update(query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%w: update: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Counts summarizes the store by lifecycle state for progress reporting.
type Counts struct {
	Total          int
	EnrichPending  int
	EnrichDone     int
	EnrichFailed   int
	PublishPending int
	Published      int
	PublishFailed  int
}

// Count returns lifecycle counts across all records.
func (s *LocalStore) Count() (Counts, error) {
	var c Counts
	query := `SELECT
		COUNT(*),
		COALESCE(SUM(enrichment_status = '/pending'), 0),
		COALESCE(SUM(enrichment_status = '/done'), 0),
		COALESCE(SUM(enrichment_status = '/failed'), 0),
		COALESCE(SUM(publish_status = '/unsynced'), 0),
		COALESCE(SUM(publish_status = '/synced'), 0),
		COALESCE(SUM(publish_status = '/sync_failed'), 0)
		FROM directory_records`

	err := s.db.QueryRow(query).Scan(&c.Total,
		&c.EnrichPending, &c.EnrichDone, &c.EnrichFailed,
		&c.PublishPending, &c.Published, &c.PublishFailed)
	if err != nil {
		return Counts{}, fmt.Errorf("%w: count: %v", ErrUnavailable, err)
	}
	return c, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scannable) (*record.Directory, error) {
	var rec record.Directory
	var enrich, publish string
	err := row.Scan(
		&rec.InternalID, &rec.Name, &rec.Phone, &rec.Address,
		&rec.DisplayName, &rec.DisplayAddress, &rec.SourceID,
		&rec.LocationTag, &rec.CategoryTag, &rec.CategoryReview,
		&enrich, &rec.EnrichedText,
		&publish, &rec.ExternalPublishRef,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Enrichment = record.EnrichmentStatus(enrich)
	rec.Publish = record.PublishStatus(publish)
	return &rec, nil
}
