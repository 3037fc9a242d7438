package store

import (
	"database/sql"
	"fmt"

	"dirforge/internal/logging"
)

// Migration defines one additive schema migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists columns added after the initial schema shipped.
// These handle databases created by older builds that are missing newer
// columns; CREATE TABLE IF NOT EXISTS alone never upgrades them.
var pendingMigrations = []Migration{
	// Publish retry bookkeeping (added with idempotent republish)
	{"directory_records", "external_publish_ref", "TEXT NOT NULL DEFAULT ''"},
	// Enrichment text (added when enrichment became a separate phase)
	{"directory_records", "enriched_text", "TEXT NOT NULL DEFAULT ''"},
	// Manual-review flag for categories resolved during enrichment
	{"directory_records", "category_review", "INTEGER NOT NULL DEFAULT 0"},
}

// RunMigrations applies schema migrations for existing databases.
func RunMigrations(db *sql.DB) error {
	logging.StoreDebug("Running schema migrations (%d pending)", len(pendingMigrations))

	applied := 0
	skipped := 0

	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			skipped++
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			skipped++
			continue
		}

		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			// Column may already exist in a different form; don't fail open.
			logging.Get(logging.CategoryStore).Warn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			skipped++
			continue
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	logging.StoreDebug("Schema migrations complete: applied=%d, skipped=%d", applied, skipped)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}
