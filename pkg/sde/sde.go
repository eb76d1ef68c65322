// Package sde reads static game data (stations, systems, regions, item
// types) from a local SQLite export. Lookups never touch the network.
package sde

import (
	"context"
	"database/sql"
	"strings"

	"github.com/assetscope/assetscope/pkg/assets"

	_ "modernc.org/sqlite"
)

// Ids per IN (...) clause.
const chunkSize = 500

type DB struct {
	sql *sql.DB
}

// Open opens the reference database at path, creating the tables when they
// do not exist yet so an empty file degrades to remote-only naming.
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
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS type_categories (
  category_id INTEGER PRIMARY KEY,
  name        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS type_groups (
  group_id    INTEGER PRIMARY KEY,
  category_id INTEGER NOT NULL,
  name        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS types (
  type_id     INTEGER PRIMARY KEY,
  group_id    INTEGER NOT NULL,
  name        TEXT NOT NULL,
  icon_name   TEXT
);
CREATE TABLE IF NOT EXISTS regions (
  region_id   INTEGER PRIMARY KEY,
  name        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS solar_systems (
  system_id   INTEGER PRIMARY KEY,
  region_id   INTEGER NOT NULL,
  name        TEXT NOT NULL,
  security    REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS stations (
  station_id  INTEGER PRIMARY KEY,
  type_id     INTEGER NOT NULL,
  system_id   INTEGER NOT NULL,
  name        TEXT NOT NULL
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

// Query runs an arbitrary read against the reference data.
func (d *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, query, args...)
}

// Stations returns the known stations among ids.
func (d *DB) Stations(ctx context.Context, ids []int64) (map[int64]assets.Station, error) {
	out := make(map[int64]assets.Station, len(ids))
	err := inChunks(ids, func(chunk []interface{}) error {
		rows, err := d.Query(ctx, "SELECT station_id, type_id, system_id, name FROM stations WHERE station_id IN ("+placeholders(len(chunk))+")", chunk...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s assets.Station
			if err := rows.Scan(&s.ID, &s.TypeID, &s.SolarSystemID, &s.Name); err != nil {
				return err
			}
			out[s.ID] = s
		}
		return rows.Err()
	})
	return out, err
}

// SolarSystems returns the known systems among ids with their region names.
func (d *DB) SolarSystems(ctx context.Context, ids []int64) (map[int64]assets.SolarSystem, error) {
	out := make(map[int64]assets.SolarSystem, len(ids))
	err := inChunks(ids, func(chunk []interface{}) error {
		rows, err := d.Query(ctx, `
SELECT s.system_id, s.name, s.security, s.region_id, COALESCE(r.name, '')
FROM solar_systems s LEFT JOIN regions r ON r.region_id = s.region_id
WHERE s.system_id IN (`+placeholders(len(chunk))+")", chunk...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s assets.SolarSystem
			if err := rows.Scan(&s.ID, &s.Name, &s.Security, &s.RegionID, &s.RegionName); err != nil {
				return err
			}
			out[s.ID] = s
		}
		return rows.Err()
	})
	return out, err
}

// Types returns the known item types among ids.
func (d *DB) Types(ctx context.Context, ids []int32) (map[int32]assets.TypeInfo, error) {
	wide := make([]int64, len(ids))
	for i, id := range ids {
		wide[i] = int64(id)
	}
	out := make(map[int32]assets.TypeInfo, len(ids))
	err := inChunks(wide, func(chunk []interface{}) error {
		rows, err := d.Query(ctx, `
SELECT t.type_id, t.name, COALESCE(t.icon_name, ''), COALESCE(g.name, ''), COALESCE(c.name, '')
FROM types t
LEFT JOIN type_groups g ON g.group_id = t.group_id
LEFT JOIN type_categories c ON c.category_id = g.category_id
WHERE t.type_id IN (`+placeholders(len(chunk))+")", chunk...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ti assets.TypeInfo
			if err := rows.Scan(&ti.TypeID, &ti.Name, &ti.IconName, &ti.GroupName, &ti.CategoryName); err != nil {
				return err
			}
			out[ti.TypeID] = ti
		}
		return rows.Err()
	})
	return out, err
}

func inChunks(ids []int64, fn func(chunk []interface{}) error) error {
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		args := make([]interface{}, 0, end-start)
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		if err := fn(args); err != nil {
			return err
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
