// Package db stores launch targets: the mapping from a resource name to
// the executable, argument vector and frameserver mode used when a source
// is spawned with use_builtin.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

var ErrNoTarget = errors.New("db: no such target")

// Target is one launchable entry.
type Target struct {
	Name       string   `json:"name"`
	Executable string   `json:"executable"`
	Argv       []string `json:"argv"`
	Mode       string   `json:"mode"` // movie, libretro, record, net-cl, net-srv
}

// DB wraps the SQLite launch-target store.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database in the given directory.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	dbPath := filepath.Join(dir, "targets.db")

	sdb, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := sdb.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := sdb.Exec(`
		CREATE TABLE IF NOT EXISTS targets (
			name       TEXT PRIMARY KEY,
			executable TEXT NOT NULL,
			argv       TEXT NOT NULL DEFAULT '[]',
			mode       TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: sdb, path: dbPath}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Put inserts or replaces a target.
func (d *DB) Put(t Target) error {
	switch t.Mode {
	case "movie", "libretro", "record", "net-cl", "net-srv":
	default:
		return fmt.Errorf("db: unknown mode %q", t.Mode)
	}
	argv, err := json.Marshal(t.Argv)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.Exec(`
		INSERT INTO targets (name, executable, argv, mode) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			executable = excluded.executable,
			argv = excluded.argv,
			mode = excluded.mode
	`, t.Name, t.Executable, string(argv), t.Mode)
	return err
}

// Get looks up a target by resource name.
func (d *DB) Get(name string) (Target, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var t Target
	var argv string
	err := d.db.QueryRow(
		`SELECT name, executable, argv, mode FROM targets WHERE name = ?`, name,
	).Scan(&t.Name, &t.Executable, &argv, &t.Mode)
	if errors.Is(err, sql.ErrNoRows) {
		return Target{}, ErrNoTarget
	}
	if err != nil {
		return Target{}, err
	}
	if err := json.Unmarshal([]byte(argv), &t.Argv); err != nil {
		return Target{}, fmt.Errorf("decode argv for %q: %w", name, err)
	}
	return t, nil
}

// List returns all targets ordered by name.
func (d *DB) List() ([]Target, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(
		`SELECT name, executable, argv, mode FROM targets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var t Target
		var argv string
		if err := rows.Scan(&t.Name, &t.Executable, &argv, &t.Mode); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(argv), &t.Argv); err != nil {
			return nil, fmt.Errorf("decode argv for %q: %w", t.Name, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes a target by name.
func (d *DB) Delete(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`DELETE FROM targets WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoTarget
	}
	return nil
}
