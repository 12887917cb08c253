package trackerdb

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	// import sqlite3 driver, so that database/sql package will know how to deal with "sqlite3" type
	_ "github.com/mattn/go-sqlite3"
)

const createTableQuery = `
CREATE TABLE IF NOT EXISTS exposed_entities (
	entity_id TEXT PRIMARY KEY,
	entry_id TEXT NOT NULL,
	registered_at TEXT,
	last_seen TEXT
);
CREATE INDEX IF NOT EXISTS exposed_entities_entry ON exposed_entities (entry_id);
`

// ErrNotFound is returned when an entity is not registered.
var ErrNotFound = errors.New("entity not registered")

// EntityRegistryDB manages the database operations for the exposed entities.
type EntityRegistryDB struct {
	DB *sql.DB
}

// NewEntityRegistryDB opens the database and creates the table if needed.
func NewEntityRegistryDB(dbPath string) (*EntityRegistryDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty in-memory DB
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(createTableQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create exposed_entities table: %w", err)
	}

	return &EntityRegistryDB{DB: db}, nil
}

// NewTestDB returns an in-memory DB for testing
func NewTestDB() EntityRegistryDB {
	db, err := NewEntityRegistryDB(":memory:")
	if err != nil {
		log.Fatal("Failed to initialize test database")
	}
	return *db
}

// NewTestDBWithData returns an in-memory DB for testing, already populated
func NewTestDBWithData(entities []ExposedEntity) EntityRegistryDB {
	db := NewTestDB()

	for _, e := range entities {
		_, err := db.DB.Exec(`INSERT INTO exposed_entities (entity_id, entry_id, registered_at, last_seen) VALUES (?, ?, ?, ?)`,
			e.EntityID, e.Entry, e.RegisteredAt.Format(time.RFC3339), e.LastSeen.Format(time.RFC3339))
		if err != nil {
			log.Fatal("Failed to initialize test database")
		}
	}
	return db
}

func (d *EntityRegistryDB) Close() error {
	return d.DB.Close()
}

// Register inserts the given entities, or refreshes their last_seen timestamp when they
// are already registered. All the rows are written in a single transaction.
func (d *EntityRegistryDB) Register(entry string, entityIDs []string, now time.Time) error {
	if len(entityIDs) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(`
	INSERT INTO exposed_entities (entity_id, entry_id, registered_at, last_seen)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(entity_id) DO UPDATE SET
		entry_id=excluded.entry_id,
		last_seen=excluded.last_seen;
	`)
	if err != nil {
		return err
	}
	defer func() {
		_ = stmt.Close()
	}()

	ts := now.UTC().Format(time.RFC3339)
	for _, id := range entityIDs {
		if _, err := stmt.Exec(id, entry, ts, ts); err != nil {
			return fmt.Errorf("failed to register entity %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// GetEntity retrieves a registered entity by its ID.
func (d *EntityRegistryDB) GetEntity(entityID string) (*ExposedEntity, error) {
	row := d.DB.QueryRow(`SELECT entity_id, entry_id, registered_at, last_seen FROM exposed_entities WHERE entity_id = ?`, entityID)

	var e ExposedEntity
	var registeredAt, lastSeen string
	err := row.Scan(&e.EntityID, &e.Entry, &registeredAt, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
		}
		return nil, err
	}

	if e.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, fmt.Errorf("failed to parse registered_at: %w", err)
	}
	if e.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("failed to parse last_seen: %w", err)
	}
	return &e, nil
}

// ListEntityIDs returns the sorted IDs of the entities registered by the entry.
func (d *EntityRegistryDB) ListEntityIDs(entry string) ([]string, error) {
	rows, err := d.DB.Query(`SELECT entity_id FROM exposed_entities WHERE entry_id = ? ORDER BY entity_id`, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to query exposed_entities: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	ids := make([]string, 0) // in case of zero results return an empty slice, not nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Delete removes the given entities and returns how many rows were deleted.
func (d *EntityRegistryDB) Delete(entityIDs []string) (int64, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(entityIDs)), ",")
	args := make([]any, len(entityIDs))
	for i, id := range entityIDs {
		args[i] = id
	}

	res, err := d.DB.Exec(`DELETE FROM exposed_entities WHERE entity_id IN (`+placeholders+`)`, args...) //nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("failed to delete entities: %w", err)
	}
	return res.RowsAffected()
}

// PurgeEntry removes every entity of an entry, e.g. after the entry was removed from
// the configuration.
func (d *EntityRegistryDB) PurgeEntry(entry string) (int64, error) {
	res, err := d.DB.Exec(`DELETE FROM exposed_entities WHERE entry_id = ?`, entry)
	if err != nil {
		return 0, fmt.Errorf("failed to purge entry %s: %w", entry, err)
	}
	return res.RowsAffected()
}

// ListEntries returns the IDs of the entries owning at least one entity.
func (d *EntityRegistryDB) ListEntries() ([]string, error) {
	rows, err := d.DB.Query(`SELECT DISTINCT entry_id FROM exposed_entities ORDER BY entry_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query exposed_entities: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	entries := make([]string, 0)
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Helper function to parse a time string (assuming stored as ISO 8601 or RFC3339 format)
func parseTime(timeStr string) (time.Time, error) {
	return time.Parse(time.RFC3339, timeStr)
}
