// Package storage persists settings, the cumulative processed counter,
// the API connection status, and the classification history in SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/moezakura/ai-tab-sorter/internal/types"
)

// migration is a numbered schema change. Migrations are applied in order
// and tracked in the schema_migrations table so each runs exactly once.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS settings (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    json       TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS counters (
    name  TEXT PRIMARY KEY,
    value INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS classifications (
    id            INTEGER PRIMARY KEY,
    url           TEXT NOT NULL,
    title         TEXT NOT NULL,
    category      TEXT NOT NULL,
    confidence    REAL NOT NULL,
    classified_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS api_status (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    last_status     BOOLEAN NOT NULL,
    last_check_time DATETIME NOT NULL
);`,
	},
}

const processedTotalCounter = "processed_total"

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, creating parent
// directories, enabling foreign keys and WAL mode, and running any
// pending migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if exists > 0 {
			continue
		}
		if _, err := db.Exec(m.SQL); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := db.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// GetSettings loads the settings object, merging missing fields with
// defaults. First call saves and returns the defaults.
func (s *Store) GetSettings() (types.Settings, error) {
	settings := types.DefaultSettings()

	var raw string
	err := s.db.QueryRow("SELECT json FROM settings WHERE id = 1").Scan(&raw)
	if err == sql.ErrNoRows {
		if serr := s.SaveSettings(settings); serr != nil {
			return settings, serr
		}
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("query settings: %w", err)
	}

	// Unmarshal over the defaults: fields absent from the stored JSON
	// keep their default values.
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return types.DefaultSettings(), fmt.Errorf("parse stored settings: %w", err)
	}
	if len(settings.Categories) == 0 {
		settings.Categories = append([]types.GroupCategory(nil), types.DefaultCategories...)
	}
	return settings, nil
}

// SaveSettings replaces the stored settings object.
func (s *Store) SaveSettings(settings types.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO settings (id, json, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET json = excluded.json, updated_at = CURRENT_TIMESTAMP`,
		string(raw))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// ProcessedTotal returns the cumulative processed-tab counter.
func (s *Store) ProcessedTotal() (int, error) {
	var v int
	err := s.db.QueryRow("SELECT value FROM counters WHERE name = ?", processedTotalCounter).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query counter: %w", err)
	}
	return v, nil
}

// IncrementProcessedTotal adds delta to the processed counter, clamping
// the result at zero.
func (s *Store) IncrementProcessedTotal(delta int) error {
	_, err := s.db.Exec(`
INSERT INTO counters (name, value) VALUES (?, MAX(0, ?))
ON CONFLICT(name) DO UPDATE SET value = MAX(0, value + ?)`,
		processedTotalCounter, delta, delta)
	if err != nil {
		return fmt.Errorf("increment counter: %w", err)
	}
	return nil
}

// AppendClassification records one completed classification.
func (s *Store) AppendClassification(entry types.ClassifiedTab) error {
	_, err := s.db.Exec(
		"INSERT INTO classifications (url, title, category, confidence, classified_at) VALUES (?, ?, ?, ?, ?)",
		entry.URL, entry.Title, entry.Category, entry.Confidence, entry.ClassifiedAt,
	)
	if err != nil {
		return fmt.Errorf("insert classification: %w", err)
	}
	return nil
}

// RecentClassifications returns the newest entries, most recent first.
func (s *Store) RecentClassifications(limit int) ([]types.ClassifiedTab, error) {
	rows, err := s.db.Query(
		"SELECT url, title, category, confidence, classified_at FROM classifications ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query classifications: %w", err)
	}
	defer rows.Close()

	var out []types.ClassifiedTab
	for rows.Next() {
		var e types.ClassifiedTab
		if err := rows.Scan(&e.URL, &e.Title, &e.Category, &e.Confidence, &e.ClassifiedAt); err != nil {
			return nil, fmt.Errorf("scan classification: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveAPIStatus records the result of a connectivity check.
func (s *Store) SaveAPIStatus(ok bool) error {
	_, err := s.db.Exec(`
INSERT INTO api_status (id, last_status, last_check_time) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET last_status = excluded.last_status, last_check_time = excluded.last_check_time`,
		ok, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save api status: %w", err)
	}
	return nil
}

// APIStatus returns the last connectivity check result. found is false
// if no check was ever recorded.
func (s *Store) APIStatus() (ok bool, checkedAt time.Time, found bool, err error) {
	err = s.db.QueryRow("SELECT last_status, last_check_time FROM api_status WHERE id = 1").Scan(&ok, &checkedAt)
	if err == sql.ErrNoRows {
		return false, time.Time{}, false, nil
	}
	if err != nil {
		return false, time.Time{}, false, fmt.Errorf("query api status: %w", err)
	}
	return ok, checkedAt, true, nil
}
