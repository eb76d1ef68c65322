package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a cache row does not exist.
var ErrNotFound = errors.New("not found")

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	// Ensure schema exists for convenience.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS asset_cache (
  org_id        INTEGER PRIMARY KEY,
  built_at      TEXT NOT NULL,
  record_count  INTEGER NOT NULL,
  tree_json     BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS pinned_locations (
  location_id   INTEGER PRIMARY KEY,
  pinned_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
    `); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// CacheRow is one persisted tree.
type CacheRow struct {
	OrgID       int64
	BuiltAt     time.Time
	RecordCount int
	TreeJSON    []byte
}

// SaveCache replaces the row for row.OrgID in a single statement, so a
// reader sees either the old tree or the new one.
func (d *DB) SaveCache(ctx context.Context, row CacheRow) error {
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO asset_cache(org_id, built_at, record_count, tree_json) VALUES(?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET
  built_at = excluded.built_at,
  record_count = excluded.record_count,
  tree_json = excluded.tree_json`,
		row.OrgID, row.BuiltAt.UTC().Format(time.RFC3339Nano), row.RecordCount, row.TreeJSON)
	return err
}

// LoadCache returns the persisted tree for orgID or ErrNotFound.
func (d *DB) LoadCache(ctx context.Context, orgID int64) (CacheRow, error) {
	row := CacheRow{OrgID: orgID}
	var builtAt string
	err := d.sql.QueryRowContext(ctx, "SELECT built_at, record_count, tree_json FROM asset_cache WHERE org_id = ?", orgID).
		Scan(&builtAt, &row.RecordCount, &row.TreeJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheRow{}, ErrNotFound
	}
	if err != nil {
		return CacheRow{}, err
	}
	row.BuiltAt = parseTime(builtAt)
	return row, nil
}

// DeleteCache removes the row for orgID. Deleting a missing row is not an
// error.
func (d *DB) DeleteCache(ctx context.Context, orgID int64) error {
	_, err := d.sql.ExecContext(ctx, "DELETE FROM asset_cache WHERE org_id = ?", orgID)
	return err
}

// PinnedLocations lists pinned location ids in ascending order.
func (d *DB) PinnedLocations(ctx context.Context) ([]int64, error) {
	rows, err := d.sql.QueryContext(ctx, "SELECT location_id FROM pinned_locations ORDER BY location_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetPinned pins or unpins a location. Both directions are idempotent.
func (d *DB) SetPinned(ctx context.Context, locationID int64, pinned bool) error {
	var err error
	if pinned {
		_, err = d.sql.ExecContext(ctx, "INSERT INTO pinned_locations(location_id) VALUES(?) ON CONFLICT(location_id) DO NOTHING", locationID)
	} else {
		_, err = d.sql.ExecContext(ctx, "DELETE FROM pinned_locations WHERE location_id = ?", locationID)
	}
	return err
}

type OrgStats struct {
	OrgID       int64
	BuiltAt     time.Time
	RecordCount int
	SizeBytes   int64
}

type Stats struct {
	Orgs   []OrgStats
	Pinned int
}

func (d *DB) GetStats(ctx context.Context) (Stats, error) {
	query := `
		SELECT
			org_id,
			built_at,
			record_count,
			length(tree_json)
		FROM
			asset_cache
		ORDER BY
			org_id;
	`
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			s       OrgStats
			builtAt string
		)
		if err := rows.Scan(&s.OrgID, &builtAt, &s.RecordCount, &s.SizeBytes); err != nil {
			return Stats{}, err
		}
		s.BuiltAt = parseTime(builtAt)
		stats.Orgs = append(stats.Orgs, s)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if err := d.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM pinned_locations").Scan(&stats.Pinned); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Try RFC3339 first, then SQLite's CURRENT_TIMESTAMP format.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
